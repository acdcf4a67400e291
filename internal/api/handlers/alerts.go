package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/crm-agents/internal/api/middleware"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Alert Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListAlerts lists the caller's alerts. Supports ?agentId=,
// ?executionId=, ?status= and ?limit=.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Store.ListAlerts(r.Context(), store.AlertFilter{
		UserID:      middleware.GetUser(r.Context()),
		AgentID:     q.Get("agentId"),
		ExecutionID: q.Get("executionId"),
		Status:      models.AlertStatus(q.Get("status")),
		Limit:       limitParam(r),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(list))
}

func (h *Handlers) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.Store.GetAlert(r.Context(), chi.URLParam(r, "alertId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.resolveAlert(w, r, models.AlertAcknowledged)
}

func (h *Handlers) DismissAlert(w http.ResponseWriter, r *http.Request) {
	h.resolveAlert(w, r, models.AlertDismissed)
}

func (h *Handlers) resolveAlert(w http.ResponseWriter, r *http.Request, status models.AlertStatus) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	alert, err := h.Actions.ResolveAlert(r.Context(), chi.URLParam(r, "alertId"), status, user)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

// ExecuteSuggestedAction runs one of an alert's suggested actions. The
// optional body overrides fields of the action's data.
// POST /api/v1/alerts/{alertId}/suggested-actions/{actionId}/execute
func (h *Handlers) ExecuteSuggestedAction(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	alert, sa, err := h.Actions.ExecuteSuggested(r.Context(),
		chi.URLParam(r, "alertId"), chi.URLParam(r, "actionId"), user, body.Data)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alert":  alert,
		"action": sa,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Action Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListActions supports ?agentId=, ?executionId=, ?status= and ?limit=.
func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Store.ListActions(r.Context(), store.ActionFilter{
		UserID:      middleware.GetUser(r.Context()),
		AgentID:     q.Get("agentId"),
		ExecutionID: q.Get("executionId"),
		Status:      models.ActionStatus(q.Get("status")),
		Limit:       limitParam(r),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(list))
}

func (h *Handlers) GetAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.Store.GetAction(r.Context(), chi.URLParam(r, "actionId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// ApproveAction executes an action that was held for approval.
// POST /api/v1/actions/{actionId}/approve
func (h *Handlers) ApproveAction(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	action, err := h.Actions.Approve(r.Context(), chi.URLParam(r, "actionId"), user)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// RejectAction fails an action that was held for approval.
// POST /api/v1/actions/{actionId}/reject
func (h *Handlers) RejectAction(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	action, err := h.Actions.Reject(r.Context(), chi.URLParam(r, "actionId"), user, body.Reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// ── Pending External Actions ─────────────────────────────────

// ListPendingActions lists queued external CRM mutations oldest first.
// Supports ?provider=, ?status= (default PENDING) and ?limit=.
func (h *Handlers) ListPendingActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.ActionStatus(q.Get("status"))
	if status == "" {
		status = models.ActionPending
	}
	list, err := h.Store.ListPendingActions(r.Context(), q.Get("provider"), status, limitParam(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(list))
}

// CompletePendingAction records the outcome reported by the external sync
// worker and settles the originating action.
// POST /api/v1/pending-actions/{pendingId}/complete
func (h *Handlers) CompletePendingAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pa, err := h.Actions.CompletePending(r.Context(), chi.URLParam(r, "pendingId"), body.Success, body.Error)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pa)
}
