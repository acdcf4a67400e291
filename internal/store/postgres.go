package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool. Records are kept
// as JSONB documents next to the columns used for filtering.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to url and verifies the connection.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("🐘 PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func getDoc[T any](ctx context.Context, s *PostgresStore, entity, key, query string, args ...any) (*T, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: entity, Key: key}
		}
		return nil, fmt.Errorf("storage: get %s: %w", entity, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", entity, err)
	}
	return &v, nil
}

func listDocs[T any](ctx context.Context, s *PostgresStore, entity, query string, args ...any) ([]T, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", entity, err)
	}
	defer rows.Close()

	var result []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", entity, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", entity, err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate %s: %w", entity, err)
	}
	return result, nil
}

// execOne runs a single-row write and maps zero affected rows to ErrNotFound.
func (s *PostgresStore) execOne(ctx context.Context, entity, key, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: entity, Key: key}
	}
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.AgentDefinition, error) {
	return listDocs[models.AgentDefinition](ctx, s, "agent",
		`SELECT doc FROM agent_definitions ORDER BY slug`)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.AgentDefinition, error) {
	return getDoc[models.AgentDefinition](ctx, s, "agent", id,
		`SELECT doc FROM agent_definitions WHERE id = $1`, id)
}

func (s *PostgresStore) GetAgentBySlug(ctx context.Context, slug string) (*models.AgentDefinition, error) {
	return getDoc[models.AgentDefinition](ctx, s, "agent", slug,
		`SELECT doc FROM agent_definitions WHERE slug = $1`, slug)
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.AgentDefinition) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("storage: encode agent: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_definitions (id, slug, doc, updated_at) VALUES ($1, $2, $3, $4)`,
		agent.ID, agent.Slug, doc, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("storage: create agent: %w", err)
	}
	return nil
}

// updateAgentSQL replaces the stored document but keeps the run counters
// RecordAgentRun maintains, and returns the merged document.
const updateAgentSQL = `UPDATE agent_definitions
   SET slug = $2,
       doc = $3::jsonb || jsonb_build_object(
           'runCount', COALESCE(doc->'runCount', '0'::jsonb),
           'successCount', COALESCE(doc->'successCount', '0'::jsonb),
           'failureCount', COALESCE(doc->'failureCount', '0'::jsonb),
           'lastRunAt', doc->'lastRunAt'),
       updated_at = $4
 WHERE id = $1
RETURNING doc`

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.AgentDefinition) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("storage: encode agent: %w", err)
	}
	var merged []byte
	err = s.pool.QueryRow(ctx, updateAgentSQL, agent.ID, agent.Slug, doc, agent.UpdatedAt).Scan(&merged)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	case isUniqueViolation(err):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("storage: update agent: %w", err)
	}
	var stored models.AgentDefinition
	if err := json.Unmarshal(merged, &stored); err != nil {
		return fmt.Errorf("storage: decode agent: %w", err)
	}
	carryRunCounters(agent, &stored)
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_definitions WHERE id = $1
		   AND NOT EXISTS (SELECT 1 FROM agent_executions WHERE agent_id = $1 AND status = $2)`,
		id, string(models.ExecutionRunning))
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetAgent(ctx, id); err != nil {
		return err
	}
	return ErrAgentInUse
}

// RecordAgentRun updates the counters inside a row lock so concurrent
// executions of the same agent do not lose increments.
func (s *PostgresStore) RecordAgentRun(ctx context.Context, id string, success bool, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM agent_definitions WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "agent", Key: id}
		}
		return fmt.Errorf("storage: lock agent: %w", err)
	}
	var agent models.AgentDefinition
	if err := json.Unmarshal(raw, &agent); err != nil {
		return fmt.Errorf("storage: decode agent: %w", err)
	}
	agent.RunCount++
	if success {
		agent.SuccessCount++
	} else {
		agent.FailureCount++
	}
	agent.LastRunAt = &at

	doc, err := json.Marshal(&agent)
	if err != nil {
		return fmt.Errorf("storage: encode agent: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE agent_definitions SET doc = $2 WHERE id = $1`, id, doc); err != nil {
		return fmt.Errorf("storage: record run: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateAgentVersion(ctx context.Context, v *models.AgentVersion) error {
	latest, err := s.ListAgentVersions(ctx, v.AgentID)
	if err != nil {
		return err
	}
	if n := len(latest); n > 0 && models.CompareSemver(v.Version, latest[n-1].Version) <= 0 {
		return ErrConflict
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode version: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_versions (id, agent_id, version, doc, created_at) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.AgentID, v.Version, doc, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("storage: create version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgentVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error) {
	return listDocs[models.AgentVersion](ctx, s, "version",
		`SELECT doc FROM agent_versions WHERE agent_id = $1 ORDER BY created_at, id`, agentID)
}

// ── Execution Store ─────────────────────────────────────────

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("storage: encode execution: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_executions (id, agent_id, status, doc, started_at) VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.AgentID, string(exec.Status), doc, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("storage: create execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("storage: encode execution: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_executions SET status = $2, doc = $3 WHERE id = $1 AND status = $4`,
		exec.ID, string(exec.Status), doc, string(models.ExecutionRunning))
	if err != nil {
		return fmt.Errorf("storage: update execution: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetExecution(ctx, exec.ID); err != nil {
		return err
	}
	return ErrImmutable
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return getDoc[models.Execution](ctx, s, "execution", id,
		`SELECT doc FROM agent_executions WHERE id = $1`, id)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error) {
	return listDocs[models.Execution](ctx, s, "execution",
		`SELECT doc FROM agent_executions
		 WHERE ($1 = '' OR agent_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY started_at DESC LIMIT $3`,
		f.AgentID, string(f.Status), limitOr(f.Limit, 100))
}

// ── Execution Log Store ─────────────────────────────────────

func (s *PostgresStore) AppendExecutionLog(ctx context.Context, entry *models.ExecutionLog) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: encode log: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_execution_logs (id, execution_id, seq, ts, doc) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.ExecutionID, entry.Seq, entry.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("storage: append log: %w", err)
	}
	return nil
}

// Entries of one execution are ordered by their append sequence, never by
// wall-clock time.
const listExecutionLogsSQL = `SELECT doc FROM agent_execution_logs WHERE execution_id = $1 ORDER BY seq`

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	return listDocs[models.ExecutionLog](ctx, s, "log",
		listExecutionLogsSQL, executionID)
}

// ── Alert Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("storage: encode alert: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_alerts (id, agent_id, execution_id, user_id, status, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID, alert.AgentID, alert.ExecutionID, alert.UserID, string(alert.Status), doc, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return getDoc[models.Alert](ctx, s, "alert", id, `SELECT doc FROM agent_alerts WHERE id = $1`, id)
}

func (s *PostgresStore) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("storage: encode alert: %w", err)
	}
	return s.execOne(ctx, "alert", alert.ID,
		`UPDATE agent_alerts SET status = $2, doc = $3 WHERE id = $1`,
		alert.ID, string(alert.Status), doc)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	return listDocs[models.Alert](ctx, s, "alert",
		`SELECT doc FROM agent_alerts
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR agent_id = $2)
		   AND ($3 = '' OR execution_id = $3) AND ($4 = '' OR status = $4)
		 ORDER BY created_at DESC LIMIT $5`,
		f.UserID, f.AgentID, f.ExecutionID, string(f.Status), limitOr(f.Limit, 100))
}

// ── Action Store ────────────────────────────────────────────

func (s *PostgresStore) CreateAction(ctx context.Context, action *models.Action) error {
	doc, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("storage: encode action: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_actions (id, agent_id, execution_id, user_id, status, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		action.ID, action.AgentID, action.ExecutionID, action.UserID, string(action.Status), doc, action.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create action: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*models.Action, error) {
	return getDoc[models.Action](ctx, s, "action", id, `SELECT doc FROM agent_actions WHERE id = $1`, id)
}

func (s *PostgresStore) UpdateAction(ctx context.Context, action *models.Action) error {
	doc, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("storage: encode action: %w", err)
	}
	return s.execOne(ctx, "action", action.ID,
		`UPDATE agent_actions SET status = $2, doc = $3 WHERE id = $1`,
		action.ID, string(action.Status), doc)
}

func (s *PostgresStore) ListActions(ctx context.Context, f ActionFilter) ([]models.Action, error) {
	return listDocs[models.Action](ctx, s, "action",
		`SELECT doc FROM agent_actions
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR agent_id = $2)
		   AND ($3 = '' OR execution_id = $3) AND ($4 = '' OR status = $4)
		 ORDER BY created_at DESC LIMIT $5`,
		f.UserID, f.AgentID, f.ExecutionID, string(f.Status), limitOr(f.Limit, 100))
}

// ── Pending External Action Store ───────────────────────────

func (s *PostgresStore) EnqueuePendingAction(ctx context.Context, pa *models.PendingExternalAction) error {
	doc, err := json.Marshal(pa)
	if err != nil {
		return fmt.Errorf("storage: encode pending action: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pending_external_actions (id, provider, status, doc, created_at) VALUES ($1, $2, $3, $4, $5)`,
		pa.ID, pa.Provider, string(pa.Status), doc, pa.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: enqueue pending action: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPendingAction(ctx context.Context, id string) (*models.PendingExternalAction, error) {
	return getDoc[models.PendingExternalAction](ctx, s, "pending action", id,
		`SELECT doc FROM pending_external_actions WHERE id = $1`, id)
}

func (s *PostgresStore) UpdatePendingAction(ctx context.Context, pa *models.PendingExternalAction) error {
	doc, err := json.Marshal(pa)
	if err != nil {
		return fmt.Errorf("storage: encode pending action: %w", err)
	}
	return s.execOne(ctx, "pending action", pa.ID,
		`UPDATE pending_external_actions SET status = $2, doc = $3 WHERE id = $1`,
		pa.ID, string(pa.Status), doc)
}

func (s *PostgresStore) ListPendingActions(ctx context.Context, provider string, status models.ActionStatus, limit int) ([]models.PendingExternalAction, error) {
	return listDocs[models.PendingExternalAction](ctx, s, "pending action",
		`SELECT doc FROM pending_external_actions
		 WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at LIMIT $3`,
		provider, string(status), limitOr(limit, 100))
}
