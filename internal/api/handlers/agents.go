package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/crm-agents/internal/executor"
	"github.com/agentoven/crm-agents/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := h.Agents.List(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(list))
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var in models.AgentDefinition
	if err := decode(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	agent, err := h.Agents.Create(r.Context(), user, &in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, agent)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Agents.Get(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var in models.AgentDefinition
	if err := decode(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	agent, err := h.Agents.Update(r.Context(), user, chi.URLParam(r, "agentId"), &in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.Agents.Delete(r.Context(), user, chi.URLParam(r, "agentId")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishAgent bumps the agent's version and snapshots it.
// POST /api/v1/agents/{agentId}/publish
func (h *Handlers) PublishAgent(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		ChangeNotes string `json:"changeNotes"`
	}
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	agent, err := h.Agents.Publish(r.Context(), user, chi.URLParam(r, "agentId"), body.ChangeNotes)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) EnableAgent(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handlers) DisableAgent(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	agent, err := h.Agents.SetEnabled(r.Context(), user, chi.URLParam(r, "agentId"), enabled)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) ListAgentVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Agents.Versions(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(versions))
}

// runRequest is the body of a manual run.
type runRequest struct {
	TargetEntityType string                 `json:"targetEntityType"`
	TargetEntityID   string                 `json:"targetEntityId"`
	Payload          map[string]interface{} `json:"payload"`
	UseExternalCRM   *bool                  `json:"useExternalCrm"`
	Provider         string                 `json:"provider"`
}

// RunAgent runs an agent synchronously and returns the finished execution.
// POST /api/v1/agents/{agentId}/run
func (h *Handlers) RunAgent(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var body runRequest
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	exec, err := h.Executor.Execute(r.Context(), executor.Request{
		AgentID:          chi.URLParam(r, "agentId"),
		UserID:           user,
		Trigger:          models.TriggerManual,
		TargetEntityType: body.TargetEntityType,
		TargetEntityID:   body.TargetEntityID,
		Payload:          body.Payload,
		UseExternal:      body.UseExternalCRM,
		Provider:         body.Provider,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}
