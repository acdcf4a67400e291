package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemver(t *testing.T) {
	assert.Equal(t, "0.1.1", BumpPatch(DefaultAgentVersion))
	assert.Equal(t, "2.3.10", BumpPatch("2.3.9"))
	assert.Equal(t, "0.1.1", BumpPatch("garbage"))

	assert.Equal(t, -1, CompareSemver("0.1.9", "0.1.10"))
	assert.Equal(t, 1, CompareSemver("1.0.0", "0.9.9"))
	assert.Equal(t, 0, CompareSemver("0.2.0", "0.2.0"))
}

func TestNormalizers(t *testing.T) {
	assert.Equal(t, PriorityHigh, NormalizePriority(" high "))
	assert.Equal(t, PriorityCritical, NormalizePriority("urgent"))
	assert.Equal(t, PriorityMedium, NormalizePriority("whenever"))

	assert.Equal(t, ActionCreateTask, NormalizeActionType("create-task"))
	assert.Equal(t, ActionUpdateOpportunity, NormalizeActionType("Update Opportunity"))
	assert.Equal(t, ActionUnknown, NormalizeActionType("DELETE_EVERYTHING"))

	assert.Equal(t, SuggestScheduleCall, NormalizeSuggestedActionType("schedule.call"))
	assert.Equal(t, SuggestUnknown, NormalizeSuggestedActionType("teleport"))
}

func TestResourceLimits_WithDefaults(t *testing.T) {
	d := ResourceLimits{MaxExecutionTimeMs: 60000, MaxLLMCalls: 10, MaxAlertsPerExecution: 25, MaxActionsPerExecution: 25}
	got := ResourceLimits{MaxLLMCalls: 2, MaxAlertsPerExecution: -1}.WithDefaults(d)
	assert.Equal(t, ResourceLimits{MaxExecutionTimeMs: 60000, MaxLLMCalls: 2, MaxAlertsPerExecution: 25, MaxActionsPerExecution: 25}, got)
}

func TestAgentDefinition_TargetsAndRunnable(t *testing.T) {
	a := AgentDefinition{}
	assert.True(t, a.Targets("lead"), "no target list means every type")
	a.TargetEntityTypes = []string{"Opportunity"}
	assert.True(t, a.Targets("opportunity"))
	assert.False(t, a.Targets("lead"))

	assert.False(t, a.IsRunnable())
	a.IsDraft = true
	assert.True(t, a.IsRunnable())
}

func TestAlert_Transitions(t *testing.T) {
	now := time.Now()
	for _, next := range []AlertStatus{AlertAcknowledged, AlertDismissed, AlertActioned} {
		a := &Alert{ID: "a1", Status: AlertPending}
		require.NoError(t, a.Transition(next, "u1", now))
		assert.Equal(t, next, a.Status)
		assert.Equal(t, "u1", a.ResolvedBy)
		require.NotNil(t, a.ResolvedAt)

		for _, again := range []AlertStatus{AlertPending, AlertAcknowledged, AlertDismissed, AlertActioned} {
			assert.ErrorIs(t, a.Transition(again, "u1", now), ErrInvalidTransition, "%s -> %s", next, again)
		}
	}
}

func TestAction_TransitionGuard(t *testing.T) {
	now := time.Now()

	a := &Action{ID: "x"}
	require.NoError(t, a.Transition(ActionPending, "engine", now))
	require.NoError(t, a.Transition(ActionExecuted, "engine", now))
	require.NotNil(t, a.ExecutedAt)
	assert.ErrorIs(t, a.Transition(ActionFailed, "engine", now), ErrInvalidTransition)
	assert.Len(t, a.History, 2)

	gated := &Action{ID: "y", RequiresApproval: true}
	require.NoError(t, gated.Transition(ActionPending, "engine", now))
	assert.ErrorIs(t, gated.Transition(ActionExecuted, "engine", now), ErrInvalidTransition,
		"an approval-gated action cannot skip PENDING_APPROVAL")
	require.NoError(t, gated.Transition(ActionPendingApproval, "engine", now))
	require.NoError(t, gated.Transition(ActionExecuted, "manager", now))
	assert.True(t, gated.PassedApproval())
	assert.Equal(t, "manager", gated.History[len(gated.History)-1].By)
}

func TestExecution_FinishOnce(t *testing.T) {
	start := time.Now()
	e := &Execution{ID: "e1", Status: ExecutionRunning, StartedAt: start}
	assert.ErrorIs(t, e.Finish(ExecutionRunning, start), ErrInvalidTransition)
	require.NoError(t, e.Finish(ExecutionCompleted, start.Add(1500*time.Millisecond)))
	assert.EqualValues(t, 1500, e.ExecutionTimeMs)
	assert.ErrorIs(t, e.Finish(ExecutionFailed, start), ErrInvalidTransition)
}

func TestStrengthFor(t *testing.T) {
	assert.Equal(t, SignalStrong, StrengthFor(0.85))
	assert.Equal(t, SignalStrong, StrengthFor(0.7))
	assert.Equal(t, SignalModerate, StrengthFor(0.4))
	assert.Equal(t, SignalWeak, StrengthFor(0.39))
}
