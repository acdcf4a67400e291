package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Actions ──────────────────────────────────────────────────

type ActionType string

const (
	ActionCreateTask        ActionType = "CREATE_TASK"
	ActionCreateNote        ActionType = "CREATE_NOTE"
	ActionSendNotification  ActionType = "SEND_NOTIFICATION"
	ActionUpdateLead        ActionType = "UPDATE_LEAD"
	ActionUpdateOpportunity ActionType = "UPDATE_OPPORTUNITY"
	ActionUpdateAccount     ActionType = "UPDATE_ACCOUNT"
	// ActionUnknown holds any discriminator the model invented. It is
	// always routed to manual review.
	ActionUnknown ActionType = "UNKNOWN"
)

// MutatingActionTypes change CRM records and always need approval.
var MutatingActionTypes = map[ActionType]bool{
	ActionUpdateLead:        true,
	ActionUpdateOpportunity: true,
	ActionUpdateAccount:     true,
}

// AutoActionTypes may execute without approval when nothing else escalates them.
var AutoActionTypes = map[ActionType]bool{
	ActionCreateTask:       true,
	ActionCreateNote:       true,
	ActionSendNotification: true,
}

// NormalizeActionType returns the known type for s, or ActionUnknown.
func NormalizeActionType(s string) ActionType {
	t := ActionType(normalizeDiscriminator(s))
	if MutatingActionTypes[t] || AutoActionTypes[t] {
		return t
	}
	return ActionUnknown
}

// NormalizeSuggestedActionType returns the known type for s, or SuggestUnknown.
func NormalizeSuggestedActionType(s string) SuggestedActionType {
	t := SuggestedActionType(normalizeDiscriminator(s))
	if KnownSuggestedActionTypes[t] {
		return t
	}
	return SuggestUnknown
}

func normalizeDiscriminator(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
}

type ActionStatus string

const (
	ActionPending         ActionStatus = "PENDING"
	ActionPendingApproval ActionStatus = "PENDING_APPROVAL"
	ActionExecuted        ActionStatus = "EXECUTED"
	ActionFailed          ActionStatus = "FAILED"
)

// IsTerminal reports whether no transition may leave the status.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionExecuted || s == ActionFailed
}

// ActionTransition records one status change.
type ActionTransition struct {
	From ActionStatus `json:"from"`
	To   ActionStatus `json:"to"`
	At   time.Time    `json:"at"`
	By   string       `json:"by,omitempty"`
}

// Action is a queued or executed side effect (AgentAction).
type Action struct {
	ID               string                 `json:"id" db:"id"`
	AgentID          string                 `json:"agentId" db:"agent_id"`
	ExecutionID      string                 `json:"executionId" db:"execution_id"`
	UserID           string                 `json:"userId" db:"user_id"`
	Source           string                 `json:"source,omitempty" db:"source"`
	External         bool                   `json:"external" db:"external"`
	Type             ActionType             `json:"type" db:"type"`
	RawType          string                 `json:"rawType,omitempty" db:"raw_type"`
	Priority         Priority               `json:"priority" db:"priority"`
	Data             map[string]interface{} `json:"data,omitempty"`
	Status           ActionStatus           `json:"status" db:"status"`
	RequiresApproval bool                   `json:"requiresApproval" db:"requires_approval"`
	Result           map[string]interface{} `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty" db:"error"`
	ReviewedBy       string                 `json:"reviewedBy,omitempty" db:"reviewed_by"`
	History          []ActionTransition     `json:"history"`
	CreatedAt        time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time              `json:"updatedAt" db:"updated_at"`
	ExecutedAt       *time.Time             `json:"executedAt,omitempty" db:"executed_at"`
}

var actionTransitions = map[ActionStatus][]ActionStatus{
	"":                    {ActionPending},
	ActionPending:         {ActionPendingApproval, ActionExecuted, ActionFailed},
	ActionPendingApproval: {ActionPending, ActionExecuted, ActionFailed},
}

// PassedApproval reports whether the action ever sat in PENDING_APPROVAL.
func (a *Action) PassedApproval() bool {
	for _, h := range a.History {
		if h.To == ActionPendingApproval {
			return true
		}
	}
	return false
}

// Transition applies a guarded status change and appends it to History.
// An approval-gated action can only reach EXECUTED after PENDING_APPROVAL.
func (a *Action) Transition(next ActionStatus, by string, at time.Time) error {
	allowed := false
	for _, s := range actionTransitions[a.Status] {
		if s == next {
			allowed = true
			break
		}
	}
	if allowed && next == ActionExecuted && a.RequiresApproval && !a.PassedApproval() {
		allowed = false
	}
	if !allowed {
		return fmt.Errorf("%w: action %s %q -> %s", ErrInvalidTransition, a.ID, a.Status, next)
	}
	a.History = append(a.History, ActionTransition{From: a.Status, To: next, At: at, By: by})
	a.Status = next
	a.UpdatedAt = at
	if next == ActionExecuted {
		a.ExecutedAt = &at
	}
	return nil
}

// PendingExternalAction is a CRM record mutation queued for asynchronous
// execution against an external provider.
type PendingExternalAction struct {
	ID          string                 `json:"id" db:"id"`
	ActionID    string                 `json:"actionId,omitempty" db:"action_id"`
	AlertID     string                 `json:"alertId,omitempty" db:"alert_id"`
	Provider    string                 `json:"provider" db:"provider"`
	UserID      string                 `json:"userId" db:"user_id"`
	Operation   string                 `json:"operation" db:"operation"` // update_record, create_task, create_note
	EntityType  string                 `json:"entityType,omitempty" db:"entity_type"`
	EntityID    string                 `json:"entityId,omitempty" db:"entity_id"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Status      ActionStatus           `json:"status" db:"status"`
	Error       string                 `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time              `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time             `json:"completedAt,omitempty" db:"completed_at"`
}

// ── Agent Response Contract ──────────────────────────────────

// AgentResult is the structured reply expected from the model.
type AgentResult struct {
	Summary         string           `json:"summary"`
	Alerts          []AlertSpec      `json:"alerts"`
	Actions         []ActionSpec     `json:"actions"`
	Insights        []Insight        `json:"insights"`
	Recommendations []Recommendation `json:"recommendations"`
}

type AlertSpec struct {
	Type             string                `json:"type"`
	Priority         string                `json:"priority"`
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Recommendation   string                `json:"recommendation"`
	EntityType       string                `json:"entityType"`
	EntityID         string                `json:"entityId"`
	EntityName       string                `json:"entityName"`
	SuggestedActions []SuggestedActionSpec `json:"suggestedActions"`
}

type SuggestedActionSpec struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Label       string                 `json:"label"`
	Description string                 `json:"description"`
	Icon        string                 `json:"icon"`
	Data        map[string]interface{} `json:"data"`
}

type ActionSpec struct {
	Type     string                 `json:"type"`
	Priority string                 `json:"priority"`
	Data     map[string]interface{} `json:"data"`
}

type Insight struct {
	Category string      `json:"category"`
	Finding  string      `json:"finding"`
	Evidence interface{} `json:"evidence,omitempty"`
	Impact   string      `json:"impact"`
}

type Recommendation struct {
	Priority        string `json:"priority"`
	Action          string `json:"action"`
	Reason          string `json:"reason"`
	ExpectedOutcome string `json:"expectedOutcome"`
}
