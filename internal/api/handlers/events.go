package handlers

import (
	"net/http"

	"github.com/agentoven/crm-agents/internal/api/middleware"
	"github.com/agentoven/crm-agents/internal/trigger"
)

// ══════════════════════════════════════════════════════════════
// ── Trigger Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RaiseEvent feeds a CRM change into the trigger dispatcher. Subscribed
// agents run after their debounce window; the call returns immediately.
// POST /api/v1/events
func (h *Handlers) RaiseEvent(w http.ResponseWriter, r *http.Request) {
	var ev trigger.CRMEvent
	if err := decode(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.Name == "" {
		respondError(w, http.StatusBadRequest, "event is required")
		return
	}
	if ev.UserID == "" {
		ev.UserID = middleware.GetUser(r.Context())
	}
	n := h.Dispatcher.Raise(ev)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"event":     ev.Name,
		"scheduled": n,
	})
}

// ListTriggers describes the current trigger registry.
// GET /api/v1/triggers
func (h *Handlers) ListTriggers(w http.ResponseWriter, r *http.Request) {
	reg := h.Dispatcher.Registry()
	crons := make([]map[string]interface{}, 0)
	for _, c := range reg.CronSpecs() {
		crons = append(crons, map[string]interface{}{
			"expr":   c.Expr,
			"agents": reg.Agents(c),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cron":            crons,
		"pendingDebounce": h.Dispatcher.Pending(),
	})
}

// ReloadTriggers rebuilds the registry from the stored agents.
// POST /api/v1/triggers/reload
func (h *Handlers) ReloadTriggers(w http.ResponseWriter, r *http.Request) {
	if err := h.Dispatcher.Reload(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	h.ListTriggers(w, r)
}
