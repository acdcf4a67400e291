// Package store provides the storage interface and implementations for the
// agent engine's own records: agent definitions, versions, executions, the
// execution audit log, alerts, actions and the external pending-action queue.
// CRM entities themselves live behind the crm.Provider collaborators.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/crm-agents/pkg/models"
)

// Store is the primary storage interface for the engine.
// MemoryStore backs local dev and tests; PostgresStore backs production.
type Store interface {
	AgentStore
	ExecutionStore
	ExecutionLogStore
	AlertStore
	ActionStore
	PendingActionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context) ([]models.AgentDefinition, error)
	GetAgent(ctx context.Context, id string) (*models.AgentDefinition, error)
	GetAgentBySlug(ctx context.Context, slug string) (*models.AgentDefinition, error)
	// CreateAgent fails with ErrConflict when the slug is taken.
	CreateAgent(ctx context.Context, agent *models.AgentDefinition) error
	UpdateAgent(ctx context.Context, agent *models.AgentDefinition) error
	// DeleteAgent fails with ErrAgentInUse while a RUNNING execution references the agent.
	DeleteAgent(ctx context.Context, id string) error
	// RecordAgentRun bumps runCount and successCount/failureCount and sets lastRunAt.
	RecordAgentRun(ctx context.Context, id string, success bool, at time.Time) error

	CreateAgentVersion(ctx context.Context, version *models.AgentVersion) error
	ListAgentVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error)
}

// ── Execution Store ─────────────────────────────────────────

// ExecutionFilter defines optional filters for listing executions.
type ExecutionFilter struct {
	AgentID string
	Status  models.ExecutionStatus
	Limit   int // max results (default 100)
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	// UpdateExecution fails with ErrImmutable once the stored record is terminal.
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.Execution, error)
}

// ── Execution Log Store ─────────────────────────────────────

// ExecutionLogStore is append-only. Entries are never updated or deleted.
type ExecutionLogStore interface {
	AppendExecutionLog(ctx context.Context, entry *models.ExecutionLog) error
	// ListExecutionLogs returns entries ordered by timestamp, then sequence.
	ListExecutionLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error)
}

// ── Alert Store ─────────────────────────────────────────────

type AlertFilter struct {
	UserID      string
	AgentID     string
	ExecutionID string
	Status      models.AlertStatus
	Limit       int
}

type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
}

// ── Action Store ────────────────────────────────────────────

type ActionFilter struct {
	UserID      string
	AgentID     string
	ExecutionID string
	Status      models.ActionStatus
	Limit       int
}

type ActionStore interface {
	CreateAction(ctx context.Context, action *models.Action) error
	GetAction(ctx context.Context, id string) (*models.Action, error)
	UpdateAction(ctx context.Context, action *models.Action) error
	ListActions(ctx context.Context, filter ActionFilter) ([]models.Action, error)
}

// ── Pending External Action Store ───────────────────────────

// PendingActionStore is the queue of external CRM mutations awaiting
// asynchronous execution.
type PendingActionStore interface {
	EnqueuePendingAction(ctx context.Context, pa *models.PendingExternalAction) error
	GetPendingAction(ctx context.Context, id string) (*models.PendingExternalAction, error)
	UpdatePendingAction(ctx context.Context, pa *models.PendingExternalAction) error
	// ListPendingActions returns queued items oldest first. Empty provider means all.
	ListPendingActions(ctx context.Context, provider string, status models.ActionStatus, limit int) ([]models.PendingExternalAction, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err wraps *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

var (
	// ErrConflict is returned when a unique key (agent slug) is already taken.
	ErrConflict = errors.New("store: conflict")
	// ErrAgentInUse is returned when deleting an agent with a RUNNING execution.
	ErrAgentInUse = errors.New("store: agent referenced by a running execution")
	// ErrImmutable is returned when updating an execution that already finished.
	ErrImmutable = errors.New("store: execution is terminal")
)

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

// carryRunCounters copies the run statistics owned by RecordAgentRun from
// stored onto agent, so a whole-document update never rewinds them.
func carryRunCounters(agent, stored *models.AgentDefinition) {
	agent.RunCount = stored.RunCount
	agent.SuccessCount = stored.SuccessCount
	agent.FailureCount = stored.FailureCount
	agent.LastRunAt = stored.LastRunAt
}
