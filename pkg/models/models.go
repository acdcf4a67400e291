package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Semantic Versioning Helpers ──────────────────────────────

// DefaultAgentVersion is the initial version assigned to newly created agents.
const DefaultAgentVersion = "0.1.0"

// ParseSemver splits a "major.minor.patch" string. Returns (0,1,0) on error.
func ParseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, 1, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return
}

// FormatSemver formats major.minor.patch into a version string.
func FormatSemver(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// BumpPatch increments the patch component: 0.1.2 → 0.1.3
func BumpPatch(v string) string {
	major, minor, patch := ParseSemver(v)
	return FormatSemver(major, minor, patch+1)
}

// CompareSemver returns -1, 0 or 1.
func CompareSemver(a, b string) int {
	am, an, ap := ParseSemver(a)
	bm, bn, bp := ParseSemver(b)
	for _, d := range [3]int{am - bm, an - bn, ap - bp} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// ── Enums ────────────────────────────────────────────────────

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// NormalizePriority maps free-form model output onto a known priority.
// Anything unrecognized becomes MEDIUM.
func NormalizePriority(s string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical, "URGENT":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

type TriggerSource string

const (
	TriggerCron   TriggerSource = "CRON"
	TriggerEvent  TriggerSource = "EVENT"
	TriggerManual TriggerSource = "MANUAL"
)

// ErrInvalidTransition is returned when a status change is not allowed
// by the owning state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ── Agent ────────────────────────────────────────────────────

// ResourceLimits bounds the cost of a single execution. Zero means
// "use the engine-wide default".
type ResourceLimits struct {
	MaxExecutionTimeMs     int `json:"maxExecutionTimeMs,omitempty"`
	MaxLLMCalls            int `json:"maxLLMCalls,omitempty"`
	MaxAlertsPerExecution  int `json:"maxAlertsPerExecution,omitempty"`
	MaxActionsPerExecution int `json:"maxActionsPerExecution,omitempty"`
}

// WithDefaults fills every non-positive limit from d.
func (l ResourceLimits) WithDefaults(d ResourceLimits) ResourceLimits {
	if l.MaxExecutionTimeMs <= 0 {
		l.MaxExecutionTimeMs = d.MaxExecutionTimeMs
	}
	if l.MaxLLMCalls <= 0 {
		l.MaxLLMCalls = d.MaxLLMCalls
	}
	if l.MaxAlertsPerExecution <= 0 {
		l.MaxAlertsPerExecution = d.MaxAlertsPerExecution
	}
	if l.MaxActionsPerExecution <= 0 {
		l.MaxActionsPerExecution = d.MaxActionsPerExecution
	}
	return l
}

// EventSubscription subscribes an agent to a named CRM event such as
// "opportunity.stage_changed".
type EventSubscription struct {
	Event      string `json:"event"`
	DebounceMs int    `json:"debounceMs,omitempty"`
	// Condition is an optional boolean expression over the event, e.g.
	// `payload.amount > 10000`.
	Condition string `json:"condition,omitempty"`
}

type TriggerConfig struct {
	Cron   string              `json:"cron,omitempty"` // 5-field expression
	Events []EventSubscription `json:"events,omitempty"`
}

type AgentDefinition struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Slug        string `json:"slug" db:"slug"`
	Description string `json:"description,omitempty" db:"description"`
	OwnerID     string `json:"ownerId" db:"owner_id"`

	// Prompt
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	AnalysisPrompt string `json:"analysisPrompt,omitempty"`
	OutputFormat   string `json:"outputFormat,omitempty"`

	// Model selection
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`

	EnabledTools      []string      `json:"enabledTools,omitempty"`
	Trigger           TriggerConfig `json:"triggerConfig"`
	TargetEntityTypes []string      `json:"targetEntityTypes,omitempty"`
	AlertTypes        []string      `json:"alertTypes,omitempty"`
	RequiresApproval  bool          `json:"requiresApproval"`

	Limits ResourceLimits `json:"limits"`

	UseExternalCRM   bool   `json:"useExternalCrm"`
	ExternalProvider string `json:"externalProvider,omitempty"`

	IsDraft     bool   `json:"isDraft"`
	IsPublished bool   `json:"isPublished"`
	IsEnabled   bool   `json:"isEnabled"`
	Version     string `json:"version"`

	RunCount     int64      `json:"runCount"`
	SuccessCount int64      `json:"successCount"`
	FailureCount int64      `json:"failureCount"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasTool reports whether the named tool is enabled for the agent.
func (a *AgentDefinition) HasTool(name string) bool {
	for _, t := range a.EnabledTools {
		if t == name {
			return true
		}
	}
	return false
}

// Targets reports whether the agent analyzes the given entity type.
// An empty target list means every type.
func (a *AgentDefinition) Targets(entityType string) bool {
	if len(a.TargetEntityTypes) == 0 {
		return true
	}
	for _, t := range a.TargetEntityTypes {
		if strings.EqualFold(t, entityType) {
			return true
		}
	}
	return false
}

// IsRunnable is false only for agents that are disabled and not drafts.
func (a *AgentDefinition) IsRunnable() bool {
	return a.IsEnabled || a.IsDraft
}

// AgentVersion is an immutable configuration snapshot.
type AgentVersion struct {
	ID          string          `json:"id" db:"id"`
	AgentID     string          `json:"agentId" db:"agent_id"`
	Version     string          `json:"version" db:"version"`
	Snapshot    AgentDefinition `json:"snapshot"`
	ChangeNotes string          `json:"changeNotes,omitempty" db:"change_notes"`
	CreatedBy   string          `json:"createdBy,omitempty" db:"created_by"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// ── Execution ────────────────────────────────────────────────

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one run of an agent (AgentDefinitionExecution).
type Execution struct {
	ID               string          `json:"id" db:"id"`
	AgentID          string          `json:"agentId" db:"agent_id"`
	AgentVersion     string          `json:"agentVersion" db:"agent_version"`
	UserID           string          `json:"userId" db:"user_id"`
	Trigger          TriggerSource   `json:"trigger" db:"trigger"`
	TriggerEvent     string          `json:"triggerEvent,omitempty" db:"trigger_event"`
	TargetEntityType string          `json:"targetEntityType,omitempty" db:"target_entity_type"`
	TargetEntityID   string          `json:"targetEntityId,omitempty" db:"target_entity_id"`
	DataSource       string          `json:"dataSource,omitempty" db:"data_source"`
	Status           ExecutionStatus `json:"status" db:"status"`
	StartedAt        time.Time       `json:"startedAt" db:"started_at"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty" db:"completed_at"`

	LLMCalls        int     `json:"llmCalls" db:"llm_calls"`
	InputTokens     int64   `json:"inputTokens" db:"input_tokens"`
	OutputTokens    int64   `json:"outputTokens" db:"output_tokens"`
	ExecutionTimeMs int64   `json:"executionTimeMs" db:"execution_time_ms"`
	EstimatedCost   float64 `json:"estimatedCost" db:"estimated_cost"`
	AlertsCreated   int     `json:"alertsCreated" db:"alerts_created"`
	ActionsCreated  int     `json:"actionsCreated" db:"actions_created"`

	ResultSummary string                 `json:"resultSummary,omitempty" db:"result_summary"`
	Result        map[string]interface{} `json:"result,omitempty"`
	ErrorMessage  string                 `json:"errorMessage,omitempty" db:"error_message"`
	ErrorStack    string                 `json:"errorStack,omitempty" db:"error_stack"`
}

// Finish moves a RUNNING execution into a terminal status exactly once.
func (e *Execution) Finish(status ExecutionStatus, at time.Time) error {
	if e.Status != ExecutionRunning || !status.IsTerminal() {
		return fmt.Errorf("%w: execution %s %s -> %s", ErrInvalidTransition, e.ID, e.Status, status)
	}
	e.Status = status
	e.CompletedAt = &at
	e.ExecutionTimeMs = at.Sub(e.StartedAt).Milliseconds()
	return nil
}

// ── Execution Log ────────────────────────────────────────────

type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

type LogCategory string

const (
	CategoryInit    LogCategory = "INIT"
	CategoryLLMCall LogCategory = "LLM_CALL"
	CategoryAction  LogCategory = "ACTION"
	CategoryResult  LogCategory = "RESULT"
	CategoryError   LogCategory = "ERROR"
)

// ExecutionLog is one append-only audit entry (AgentExecutionLog).
type ExecutionLog struct {
	ID          string                 `json:"id" db:"id"`
	ExecutionID string                 `json:"executionId" db:"execution_id"`
	Seq         int                    `json:"seq" db:"seq"`
	Timestamp   time.Time              `json:"timestamp" db:"timestamp"`
	Level       LogLevel               `json:"level" db:"level"`
	Category    LogCategory            `json:"category" db:"category"`
	Message     string                 `json:"message" db:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// ── Alerts ───────────────────────────────────────────────────

type AlertStatus string

const (
	AlertPending      AlertStatus = "PENDING"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertDismissed    AlertStatus = "DISMISSED"
	AlertActioned     AlertStatus = "ACTIONED"
)

// CanTransitionTo allows PENDING → ACKNOWLEDGED|DISMISSED|ACTIONED only.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	if s != AlertPending {
		return false
	}
	switch next {
	case AlertAcknowledged, AlertDismissed, AlertActioned:
		return true
	}
	return false
}

type SuggestedActionType string

const (
	SuggestSendEmail       SuggestedActionType = "SEND_EMAIL"
	SuggestScheduleCall    SuggestedActionType = "SCHEDULE_CALL"
	SuggestScheduleMeeting SuggestedActionType = "SCHEDULE_MEETING"
	SuggestCreateTask      SuggestedActionType = "CREATE_TASK"
	SuggestUpdateStatus    SuggestedActionType = "UPDATE_STATUS"
	SuggestUpdateStage     SuggestedActionType = "UPDATE_STAGE"
	SuggestLogActivity     SuggestedActionType = "LOG_ACTIVITY"
	SuggestAddNote         SuggestedActionType = "ADD_NOTE"
	SuggestCloseDeal       SuggestedActionType = "CLOSE_DEAL"
	SuggestUnknown         SuggestedActionType = "UNKNOWN"
)

// KnownSuggestedActionTypes is the closed set a user can invoke from an alert.
var KnownSuggestedActionTypes = map[SuggestedActionType]bool{
	SuggestSendEmail: true, SuggestScheduleCall: true, SuggestScheduleMeeting: true,
	SuggestCreateTask: true, SuggestUpdateStatus: true, SuggestUpdateStage: true,
	SuggestLogActivity: true, SuggestAddNote: true, SuggestCloseDeal: true,
}

// SuggestedAction is a pre-filled, user-invocable action on an alert.
type SuggestedAction struct {
	ID          string                 `json:"id"`
	Type        SuggestedActionType    `json:"type"`
	RawType     string                 `json:"rawType,omitempty"` // set when Type is UNKNOWN
	Label       string                 `json:"label"`
	Description string                 `json:"description,omitempty"`
	Icon        string                 `json:"icon,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Executed    bool                   `json:"executed"`
	ExecutedAt  *time.Time             `json:"executedAt,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

// Alert is a user-facing finding (AgentAlert).
type Alert struct {
	ID               string            `json:"id" db:"id"`
	AgentID          string            `json:"agentId" db:"agent_id"`
	ExecutionID      string            `json:"executionId" db:"execution_id"`
	UserID           string            `json:"userId" db:"user_id"`
	Source           string            `json:"source,omitempty" db:"source"` // CRM provider the facts came from
	Type             string            `json:"type" db:"type"`
	Priority         Priority          `json:"priority" db:"priority"`
	Title            string            `json:"title" db:"title"`
	Description      string            `json:"description,omitempty"`
	Recommendation   string            `json:"recommendation,omitempty"`
	EntityType       string            `json:"entityType,omitempty" db:"entity_type"`
	EntityID         string            `json:"entityId,omitempty" db:"entity_id"`
	EntityName       string            `json:"entityName,omitempty"`
	SuggestedActions []SuggestedAction `json:"suggestedActions"`
	Status           AlertStatus       `json:"status" db:"status"`
	ResolvedBy       string            `json:"resolvedBy,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty" db:"resolved_at"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// Transition applies a guarded status change.
func (a *Alert) Transition(next AlertStatus, by string, at time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: alert %s %s -> %s", ErrInvalidTransition, a.ID, a.Status, next)
	}
	a.Status = next
	a.ResolvedBy = by
	a.ResolvedAt = &at
	a.UpdatedAt = at
	return nil
}

// ── Signals ──────────────────────────────────────────────────

type SignalStrength string

const (
	SignalStrong   SignalStrength = "STRONG"
	SignalModerate SignalStrength = "MODERATE"
	SignalWeak     SignalStrength = "WEAK"
)

// StrengthFor buckets a confidence score in [0,1].
func StrengthFor(confidence float64) SignalStrength {
	switch {
	case confidence >= 0.7:
		return SignalStrong
	case confidence >= 0.4:
		return SignalModerate
	default:
		return SignalWeak
	}
}
