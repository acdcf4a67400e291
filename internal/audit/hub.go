package audit

import (
	"sync"

	"github.com/agentoven/crm-agents/pkg/models"
)

// buffer is a thread-safe ring of the most recent entries of one execution
// with real-time fan-out to subscribers.
type buffer struct {
	mu          sync.RWMutex
	entries     []models.ExecutionLog
	maxEntries  int
	subscribers map[chan models.ExecutionLog]struct{}
	closed      bool
}

func newBuffer(maxEntries int) *buffer {
	return &buffer{
		entries:     make([]models.ExecutionLog, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan models.ExecutionLog]struct{}),
	}
}

func (b *buffer) write(entry models.ExecutionLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.entries) >= b.maxEntries {
		// Drop oldest entry
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)

	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
			// subscriber is too slow; the full log stays in the store
		}
	}
}

// subscribe returns the retained entries and, unless the execution has
// already finished, a channel for the ones that follow.
func (b *buffer) subscribe() ([]models.ExecutionLog, chan models.ExecutionLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	recent := make([]models.ExecutionLog, len(b.entries))
	copy(recent, b.entries)
	if b.closed {
		return recent, nil
	}
	ch := make(chan models.ExecutionLog, 64)
	b.subscribers[ch] = struct{}{}
	return recent, ch
}

func (b *buffer) unsubscribe(ch chan models.ExecutionLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// close ends every subscription; later writes are ignored.
func (b *buffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = map[chan models.ExecutionLog]struct{}{}
}

// Hub keeps a live buffer per running execution so clients can tail a run.
// Finished executions are retained up to a fixed count, oldest evicted first.
type Hub struct {
	mu          sync.Mutex
	perExec     int
	maxFinished int
	buffers     map[string]*buffer
	finished    []string
}

// NewHub creates a hub retaining perExec entries per execution.
func NewHub(perExec, maxFinished int) *Hub {
	return &Hub{
		perExec:     perExec,
		maxFinished: maxFinished,
		buffers:     make(map[string]*buffer),
	}
}

func (h *Hub) get(executionID string) *buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[executionID]
	if !ok {
		b = newBuffer(h.perExec)
		h.buffers[executionID] = b
	}
	return b
}

// Publish fans an entry out to the execution's subscribers.
func (h *Hub) Publish(entry models.ExecutionLog) {
	h.get(entry.ExecutionID).write(entry)
}

// Subscribe returns the entries seen so far and a channel of new ones. The
// channel is nil when the execution already finished, and is closed when
// it finishes.
func (h *Hub) Subscribe(executionID string) ([]models.ExecutionLog, chan models.ExecutionLog) {
	return h.get(executionID).subscribe()
}

// Unsubscribe releases a channel obtained from Subscribe.
func (h *Hub) Unsubscribe(executionID string, ch chan models.ExecutionLog) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	b, ok := h.buffers[executionID]
	h.mu.Unlock()
	if ok {
		b.unsubscribe(ch)
	}
}

// Finish closes the execution's stream and evicts old finished buffers.
func (h *Hub) Finish(executionID string) {
	b := h.get(executionID)
	b.close()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, executionID)
	for len(h.finished) > h.maxFinished {
		delete(h.buffers, h.finished[0])
		h.finished = h.finished[1:]
	}
}
