// Package handlers implements the HTTP handlers of the CRM agent engine.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/actions"
	"github.com/agentoven/crm-agents/internal/agents"
	"github.com/agentoven/crm-agents/internal/api/middleware"
	"github.com/agentoven/crm-agents/internal/audit"
	"github.com/agentoven/crm-agents/internal/executor"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/internal/trigger"
	"github.com/agentoven/crm-agents/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Agents     *agents.Service
	Executor   *executor.Executor
	Actions    *actions.Processor
	Dispatcher *trigger.Dispatcher
	Hub        *audit.Hub
}

// New creates a Handlers instance.
func New(s store.Store, svc *agents.Service, exec *executor.Executor, proc *actions.Processor, d *trigger.Dispatcher, hub *audit.Hub) *Handlers {
	return &Handlers{
		Store:      s,
		Agents:     svc,
		Executor:   exec,
		Actions:    proc,
		Dispatcher: d,
		Hub:        hub,
	}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

// WriteJSON is respondJSON for callers outside this package.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a domain error onto its HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case store.IsNotFound(err), errors.Is(err, actions.ErrSuggestedActionNotFound):
		return http.StatusNotFound
	case errors.Is(err, agents.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, agents.ErrInvalid),
		errors.Is(err, actions.ErrInvalidData),
		errors.Is(err, actions.ErrUnknownSuggestedAction):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, actions.ErrNotApprovable),
		errors.Is(err, actions.ErrAlreadyCompleted),
		errors.Is(err, executor.ErrAgentDisabled),
		errors.Is(err, store.ErrAgentInUse),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrImmutable):
		return http.StatusConflict
	case errors.Is(err, actions.ErrNoWriter), errors.Is(err, actions.ErrNoChannel):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// caller returns the requesting user, answering 401 when there is none.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := middleware.GetUser(r.Context())
	if user == "" {
		respondError(w, http.StatusUnauthorized, "X-User-Id header is required")
		return "", false
	}
	return user, true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// orEmpty keeps list endpoints from encoding null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
