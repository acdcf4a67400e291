package trigger

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/pkg/models"
)

// Invocation is one request to run an agent.
type Invocation struct {
	AgentID    string
	UserID     string
	Source     models.TriggerSource
	Event      string
	EntityType string
	EntityID   string
	Payload    map[string]interface{}
}

// Runner executes agents. The executor implements it.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// AgentSource is the agent lookup the dispatcher needs.
type AgentSource interface {
	ListAgents(ctx context.Context) ([]models.AgentDefinition, error)
	GetAgent(ctx context.Context, id string) (*models.AgentDefinition, error)
}

// CRMEvent is a CRM change raised into the dispatcher.
type CRMEvent struct {
	Name       string                 `json:"event"`
	EntityType string                 `json:"entityType,omitempty"`
	EntityID   string                 `json:"entityId,omitempty"`
	UserID     string                 `json:"userId,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// pendingFire is the debounce state of one key. A newer event replaces the
// map entry, so a timer whose entry was replaced does nothing.
type pendingFire struct {
	timer *time.Timer
	inv   Invocation
}

// Dispatcher owns the cron schedule and the event debounce timers.
type Dispatcher struct {
	runner          Runner
	agents          AgentSource
	defaultDebounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	registry *Registry
	cron     *cron.Cron
	started  bool
	pending  map[string]*pendingFire
}

// NewDispatcher creates a dispatcher. defaultDebounce applies to event
// subscriptions that do not set their own window.
func NewDispatcher(runner Runner, agents AgentSource, defaultDebounce time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:          runner,
		agents:          agents,
		defaultDebounce: defaultDebounce,
		ctx:             ctx,
		cancel:          cancel,
		registry:        NewRegistry(),
		cron:            newCron(),
		pending:         make(map[string]*pendingFire),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{}), cron.WithLocation(time.UTC))
}

// ── Lifecycle ───────────────────────────────────────────────

// Reload rebuilds the registry from the agent store and reschedules one
// cron job per distinct expression.
func (d *Dispatcher) Reload(ctx context.Context) error {
	agents, err := d.agents.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	reg, errs := Build(agents)
	for _, e := range errs {
		log.Warn().Err(e).Msg("Skipping invalid trigger")
	}

	next := newCron()
	for _, spec := range reg.CronSpecs() {
		spec := spec
		if _, err := next.AddFunc(spec.Expr, func() { d.runCron(spec) }); err != nil {
			log.Warn().Err(err).Str("cron", spec.Expr).Msg("Failed to schedule cron trigger")
		}
	}

	d.mu.Lock()
	prev := d.cron
	d.registry = reg
	d.cron = next
	if d.started {
		next.Start()
	}
	d.mu.Unlock()

	prev.Stop()
	log.Info().Int("cron_jobs", len(next.Entries())).Int("agents", len(agents)).Msg("⏰ Triggers reloaded")
	return nil
}

// Start begins cron scheduling.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.cron.Start()
}

// Stop halts scheduling, drops pending debounce timers and waits for
// in-flight runs until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.started = false
	cronDone := d.cron.Stop()
	for key, pf := range d.pending {
		pf.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry returns the current trigger registry.
func (d *Dispatcher) Registry() *Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry
}

// ── Dispatch ────────────────────────────────────────────────

// runCron fans a cron tick out to every agent sharing the expression.
func (d *Dispatcher) runCron(spec Cron) {
	for _, id := range d.Registry().Agents(spec) {
		d.fire(Invocation{AgentID: id, Source: models.TriggerCron})
	}
}

// Raise schedules the agents subscribed to ev whose condition matches and
// returns how many were scheduled. It never blocks on a run.
func (d *Dispatcher) Raise(ev CRMEvent) int {
	subs := d.Registry().Subscribers(ev.Name)

	d.mu.Lock()
	defer d.mu.Unlock()
	scheduled := 0
	for _, sub := range subs {
		ok, err := matches(sub.Condition, ev)
		if err != nil {
			log.Debug().Err(err).Str("agent", sub.AgentID).Str("event", ev.Name).Msg("Event condition failed")
		}
		if !ok {
			continue
		}
		scheduled++
		inv := Invocation{
			AgentID:    sub.AgentID,
			UserID:     ev.UserID,
			Source:     models.TriggerEvent,
			Event:      ev.Name,
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Payload:    ev.Payload,
		}
		window := time.Duration(sub.DebounceMs) * time.Millisecond
		if window <= 0 {
			window = d.defaultDebounce
		}
		if window <= 0 {
			d.fire(inv)
			continue
		}

		key := debounceKey(sub.AgentID, ev)
		if prev, ok := d.pending[key]; ok {
			prev.timer.Stop()
		}
		pf := &pendingFire{inv: inv}
		pf.timer = time.AfterFunc(window, func() { d.expire(key, pf) })
		d.pending[key] = pf
	}
	return scheduled
}

func (d *Dispatcher) expire(key string, pf *pendingFire) {
	d.mu.Lock()
	if d.pending[key] != pf {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	d.fire(pf.inv)
}

// Pending returns the number of armed debounce timers.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func debounceKey(agentID string, ev CRMEvent) string {
	return agentID + "|" + ev.Name + "|" + ev.EntityType + ":" + ev.EntityID
}

// fire runs one invocation asynchronously. Agents that cannot run or do not
// target the event's entity type are skipped silently. Failures are logged
// and not retried.
func (d *Dispatcher) fire(inv Invocation) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("agent", inv.AgentID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Trigger dispatch panicked")
			}
		}()

		agent, err := d.agents.GetAgent(d.ctx, inv.AgentID)
		if err != nil {
			log.Warn().Err(err).Str("agent", inv.AgentID).Msg("Triggered agent not found")
			return
		}
		if !agent.IsRunnable() {
			return
		}
		if inv.EntityType != "" && !agent.Targets(inv.EntityType) {
			return
		}
		if inv.UserID == "" {
			inv.UserID = agent.OwnerID
		}

		log.Debug().Str("agent", inv.AgentID).Str("source", string(inv.Source)).Str("event", inv.Event).Msg("Dispatching agent")
		if err := d.runner.Run(d.ctx, inv); err != nil {
			log.Error().Err(err).Str("agent", inv.AgentID).Str("source", string(inv.Source)).Msg("Triggered run failed")
		}
	}()
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
