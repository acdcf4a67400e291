package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func newAgent(id, slug string) *models.AgentDefinition {
	now := time.Now().UTC()
	return &models.AgentDefinition{
		ID: id, Name: slug, Slug: slug, OwnerID: "u1",
		IsDraft: true, Version: models.DefaultAgentVersion,
		CreatedAt: now, UpdatedAt: now,
	}
}

// ─── Agents ──────────────────────────────────────────────────

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "deal-risk")))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "deal-risk", got.Slug)

	bySlug, err := s.GetAgentBySlug(ctx, "deal-risk")
	require.NoError(t, err)
	assert.Equal(t, "a1", bySlug.ID)
}

func TestCreateAgent_SlugConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "dup")))
	assert.ErrorIs(t, s.CreateAgent(ctx, newAgent("a2", "dup")), store.ErrConflict)
}

func TestGetAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestGetAgent_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "copy")))

	got, _ := s.GetAgent(ctx, "a1")
	got.Name = "mutated"

	again, _ := s.GetAgent(ctx, "a1")
	assert.Equal(t, "copy", again.Name)
}

func TestDeleteAgent_RunningExecutionBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "busy")))

	exec := &models.Execution{ID: "e1", AgentID: "a1", Status: models.ExecutionRunning, StartedAt: time.Now()}
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.ErrorIs(t, s.DeleteAgent(ctx, "a1"), store.ErrAgentInUse)

	require.NoError(t, exec.Finish(models.ExecutionCompleted, time.Now()))
	require.NoError(t, s.UpdateExecution(ctx, exec))
	assert.NoError(t, s.DeleteAgent(ctx, "a1"))
}

func TestRecordAgentRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "counter")))

	at := time.Now().UTC()
	require.NoError(t, s.RecordAgentRun(ctx, "a1", true, at))
	require.NoError(t, s.RecordAgentRun(ctx, "a1", false, at))
	require.NoError(t, s.RecordAgentRun(ctx, "a1", true, at))

	got, _ := s.GetAgent(ctx, "a1")
	assert.EqualValues(t, 3, got.RunCount)
	assert.EqualValues(t, 2, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
	assert.Equal(t, got.RunCount, got.SuccessCount+got.FailureCount)
	require.NotNil(t, got.LastRunAt)
}

func TestUpdateAgent_KeepsRunCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "counter")))

	stale, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	at := time.Now().UTC()
	require.NoError(t, s.RecordAgentRun(ctx, "a1", true, at))
	require.NoError(t, s.RecordAgentRun(ctx, "a1", false, at))

	stale.Description = "edited"
	stale.RunCount = 0
	require.NoError(t, s.UpdateAgent(ctx, stale))
	assert.EqualValues(t, 2, stale.RunCount, "caller sees the carried counters")

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Description)
	assert.EqualValues(t, 2, got.RunCount)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
	require.NotNil(t, got.LastRunAt)
}

func TestAgentVersions_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgentVersion(ctx, &models.AgentVersion{ID: "v1", AgentID: "a1", Version: "0.1.0"}))
	require.NoError(t, s.CreateAgentVersion(ctx, &models.AgentVersion{ID: "v2", AgentID: "a1", Version: "0.1.1"}))
	assert.ErrorIs(t, s.CreateAgentVersion(ctx, &models.AgentVersion{ID: "v3", AgentID: "a1", Version: "0.1.1"}), store.ErrConflict)

	versions, err := s.ListAgentVersions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.1.0", versions[0].Version)
	assert.Equal(t, "0.1.1", versions[1].Version)
}

// ─── Executions ──────────────────────────────────────────────

func TestUpdateExecution_TerminalIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &models.Execution{ID: "e1", AgentID: "a1", Status: models.ExecutionRunning, StartedAt: time.Now()}
	require.NoError(t, s.CreateExecution(ctx, exec))
	require.NoError(t, exec.Finish(models.ExecutionFailed, time.Now()))
	require.NoError(t, s.UpdateExecution(ctx, exec))

	exec.ResultSummary = "late write"
	assert.ErrorIs(t, s.UpdateExecution(ctx, exec), store.ErrImmutable)
}

func TestListExecutions_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, agentID := range []string{"a1", "a1", "a2"} {
		require.NoError(t, s.CreateExecution(ctx, &models.Execution{
			ID: string(rune('x' + i)), AgentID: agentID, Status: models.ExecutionRunning,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := s.ListExecutions(ctx, store.ExecutionFilter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].StartedAt.After(list[1].StartedAt), "newest first")
}

func TestExecutionLogs_OrderedBySeqDespiteClockStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	require.NoError(t, s.AppendExecutionLog(ctx, &models.ExecutionLog{ID: "l2", ExecutionID: "e1", Seq: 2, Timestamp: ts}))
	require.NoError(t, s.AppendExecutionLog(ctx, &models.ExecutionLog{ID: "l1", ExecutionID: "e1", Seq: 1, Timestamp: ts}))
	// The wall clock stepped back before the third entry was written.
	require.NoError(t, s.AppendExecutionLog(ctx, &models.ExecutionLog{ID: "l3", ExecutionID: "e1", Seq: 3, Timestamp: ts.Add(-time.Minute)}))

	logs, err := s.ListExecutionLogs(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"l1", "l2", "l3"}, []string{logs[0].ID, logs[1].ID, logs[2].ID})
}

// ─── Alerts & Actions ────────────────────────────────────────

func TestListAlerts_ByUserAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAlert(ctx, &models.Alert{ID: "al1", UserID: "u1", Status: models.AlertPending}))
	require.NoError(t, s.CreateAlert(ctx, &models.Alert{ID: "al2", UserID: "u1", Status: models.AlertDismissed}))
	require.NoError(t, s.CreateAlert(ctx, &models.Alert{ID: "al3", UserID: "u2", Status: models.AlertPending}))

	list, err := s.ListAlerts(ctx, store.AlertFilter{UserID: "u1", Status: models.AlertPending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "al1", list[0].ID)
}

func TestAction_HistoryNotAliased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.Action{ID: "ac1", Type: models.ActionCreateTask}
	require.NoError(t, a.Transition(models.ActionPending, "engine", time.Now()))
	require.NoError(t, s.CreateAction(ctx, a))

	got, _ := s.GetAction(ctx, "ac1")
	require.NoError(t, got.Transition(models.ActionExecuted, "engine", time.Now()))

	stored, _ := s.GetAction(ctx, "ac1")
	assert.Equal(t, models.ActionPending, stored.Status)
	assert.Len(t, stored.History, 1)
}

func TestPendingActions_Queue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.EnqueuePendingAction(ctx, &models.PendingExternalAction{ID: "p2", Provider: "salesforce", Status: models.ActionPending, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.EnqueuePendingAction(ctx, &models.PendingExternalAction{ID: "p1", Provider: "salesforce", Status: models.ActionPending, CreatedAt: base}))
	require.NoError(t, s.EnqueuePendingAction(ctx, &models.PendingExternalAction{ID: "p3", Provider: "hubspot", Status: models.ActionPending, CreatedAt: base}))

	list, err := s.ListPendingActions(ctx, "salesforce", models.ActionPending, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID, "oldest first")
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshot_RoundTripAndOrphanedRuns(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := store.NewMemoryStore(dir)
	require.NoError(t, s1.CreateAgent(ctx, newAgent("a1", "persisted")))
	require.NoError(t, s1.CreateExecution(ctx, &models.Execution{ID: "e1", AgentID: "a1", Status: models.ExecutionRunning, StartedAt: time.Now()}))
	require.NoError(t, s1.Close())

	s2 := store.NewMemoryStore(dir)
	defer s2.Close()

	got, err := s2.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Slug)

	exec, err := s2.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
}
