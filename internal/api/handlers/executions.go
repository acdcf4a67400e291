package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/pkg/models"
)

// streamHeartbeat is how often an idle log stream sends a keep-alive and
// re-checks whether the execution has finished.
var streamHeartbeat = 15 * time.Second

// ══════════════════════════════════════════════════════════════
// ── Execution Handlers ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListExecutions supports ?agentId=, ?status= and ?limit=.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Store.ListExecutions(r.Context(), store.ExecutionFilter{
		AgentID: q.Get("agentId"),
		Status:  models.ExecutionStatus(q.Get("status")),
		Limit:   limitParam(r),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(list))
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.Store.GetExecution(r.Context(), chi.URLParam(r, "executionId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// GetExecutionLogs returns the persisted audit log of an execution.
// GET /api/v1/executions/{executionId}/logs
func (h *Handlers) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	if _, err := h.Store.GetExecution(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	entries, err := h.Store.ListExecutionLogs(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(entries))
}

// StreamExecutionLogs tails an execution's log via Server-Sent Events.
// Finished executions replay their persisted log and end the stream.
// GET /api/v1/executions/{executionId}/logs/stream
func (h *Handlers) StreamExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	ctx := r.Context()

	exec, err := h.Store.GetExecution(ctx, id)
	if err != nil {
		respondErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if exec.Status.IsTerminal() || h.Hub == nil {
		h.replayLogs(w, r, id)
		flusher.Flush()
		return
	}

	recent, ch := h.Hub.Subscribe(id)
	defer h.Hub.Unsubscribe(id, ch)
	for _, entry := range recent {
		writeEvent(w, "log", entry)
	}
	flusher.Flush()
	if ch == nil {
		writeEvent(w, "done", map[string]string{"executionId": id})
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				writeEvent(w, "done", map[string]string{"executionId": id})
				flusher.Flush()
				return
			}
			writeEvent(w, "log", entry)
			flusher.Flush()
		case <-ticker.C:
			// The run may have ended before this subscription existed.
			if cur, err := h.Store.GetExecution(ctx, id); err == nil && cur.Status.IsTerminal() {
				writeEvent(w, "done", map[string]string{"executionId": id})
				flusher.Flush()
				return
			}
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handlers) replayLogs(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := h.Store.ListExecutionLogs(r.Context(), id)
	if err != nil {
		writeEvent(w, "error", map[string]string{"error": err.Error()})
		return
	}
	for _, entry := range entries {
		writeEvent(w, "log", entry)
	}
	writeEvent(w, "done", map[string]string{"executionId": id})
}

func writeEvent(w http.ResponseWriter, event string, v interface{}) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
