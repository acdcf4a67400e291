package actions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/internal/notify"
	"github.com/agentoven/crm-agents/internal/parser"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/pkg/models"
)

// recorder captures published events. Deliveries succeed unless failing
// is set; channels is the subscriber count it reports (default 1).
type recorder struct {
	mu       sync.Mutex
	events   []notify.Event
	channels int
	failing  bool
}

func (r *recorder) Publish(_ context.Context, ev notify.Event, done func([]notify.Result)) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	result := notify.Result{Channel: "test", Success: !r.failing, Timestamp: ev.Timestamp}
	r.mu.Unlock()
	if done != nil {
		go done([]notify.Result{result})
	}
}

func (r *recorder) Subscribers(notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	proc     *Processor
	store    *store.MemoryStore
	local    *crm.MemoryProvider
	external *crm.MemoryProvider
	notes    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := crm.NewMemoryProvider(crm.LocalName)
	local.AddOpportunities(crm.Opportunity{ID: "opp-1", Name: "Acme renewal", Stage: "Negotiation"})
	local.AddLeads(crm.Lead{ID: "lead-1", FirstName: "Grace", Status: "New"})
	ext := crm.NewMemoryProvider("salesforce")

	reg := crm.NewRegistry(local)
	reg.Register(ext)

	s := store.NewMemoryStore("")
	t.Cleanup(func() { _ = s.Close() })
	rec := &recorder{channels: 1}
	return &fixture{
		proc:     NewProcessor(s, reg, rec, nil),
		store:    s,
		local:    local,
		external: ext,
		notes:    rec,
	}
}

func localRun(requiresApproval bool) Run {
	return Run{
		Agent:       &models.AgentDefinition{ID: "agent-1", RequiresApproval: requiresApproval},
		ExecutionID: "exec-1",
		UserID:      "u1",
		Source:      crm.LocalName,
	}
}

// ── Classification ──────────────────────────────────────────

func TestRequiresApproval(t *testing.T) {
	strict := &models.AgentDefinition{RequiresApproval: true}
	lax := &models.AgentDefinition{}

	tests := []struct {
		name  string
		agent *models.AgentDefinition
		typ   models.ActionType
		prio  models.Priority
		want  bool
	}{
		{"auto type, low priority", lax, models.ActionCreateTask, models.PriorityLow, false},
		{"auto type, medium priority", lax, models.ActionSendNotification, models.PriorityMedium, false},
		{"agent policy", strict, models.ActionCreateNote, models.PriorityLow, true},
		{"high priority", lax, models.ActionCreateTask, models.PriorityHigh, true},
		{"critical priority", lax, models.ActionCreateTask, models.PriorityCritical, true},
		{"mutating type", lax, models.ActionUpdateOpportunity, models.PriorityLow, true},
		{"unknown type", lax, models.ActionUnknown, models.PriorityLow, true},
		{"nil agent", nil, models.ActionCreateTask, models.PriorityLow, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiresApproval(tt.agent, tt.typ, tt.prio))
		})
	}
}

// ── Process ─────────────────────────────────────────────────

func TestProcess_AutoTaskExecutes(t *testing.T) {
	f := newFixture(t)
	a, err := f.proc.Process(context.Background(), localRun(false), parser.ActionRequest{
		Type:     models.ActionCreateTask,
		Priority: models.PriorityMedium,
		Data:     map[string]interface{}{"subject": "Call Acme", "entityType": "opportunity", "entityId": "opp-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, a.Status)
	assert.False(t, a.RequiresApproval)
	assert.NotEmpty(t, a.Result["taskId"])
	require.Len(t, f.local.Tasks(), 1)
	assert.Equal(t, "Call Acme", f.local.Tasks()[0].Subject)

	stored, err := f.store.GetAction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, stored.Status)
	require.Len(t, stored.History, 2)
	assert.Equal(t, models.ActionPending, stored.History[0].To)
}

func TestProcess_HandlerFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	a, err := f.proc.Process(context.Background(), localRun(false), parser.ActionRequest{
		Type: models.ActionCreateTask, Priority: models.PriorityLow, Data: map[string]interface{}{},
	})
	require.NoError(t, err, "handler errors are recorded, not returned")
	assert.Equal(t, models.ActionFailed, a.Status)
	assert.Contains(t, a.Error, "subject is required")
}

func TestProcess_NotificationBecomesAlert(t *testing.T) {
	f := newFixture(t)
	a, err := f.proc.Process(context.Background(), localRun(false), parser.ActionRequest{
		Type: models.ActionSendNotification, Priority: models.PriorityLow,
		Data: map[string]interface{}{"title": "Deal slipping", "message": "No activity in 30 days"},
	})
	require.NoError(t, err)
	require.Equal(t, models.ActionExecuted, a.Status)

	alerts, err := f.store.ListAlerts(context.Background(), store.AlertFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Deal slipping", alerts[0].Title)
	assert.Equal(t, models.AlertPending, alerts[0].Status)
	assert.Contains(t, f.notes.types(), notify.EventAlertCreated)
}

type fixedQuota struct {
	left    int
	created []string
}

func (q *fixedQuota) Reserve() bool { return q.left > 0 }

func (q *fixedQuota) Created(id string) {
	q.left--
	q.created = append(q.created, id)
}

func TestProcess_NotificationCountsAgainstAlertBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quota := &fixedQuota{left: 1}
	run := localRun(false)
	run.Alerts = quota
	req := func(title string) parser.ActionRequest {
		return parser.ActionRequest{Type: models.ActionSendNotification, Priority: models.PriorityLow,
			Data: map[string]interface{}{"title": title}}
	}

	a, err := f.proc.Process(ctx, run, req("First"))
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, a.Status)
	require.Len(t, quota.created, 1)
	assert.Equal(t, a.Result["alertId"], quota.created[0])

	a, err = f.proc.Process(ctx, run, req("Second"))
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, a.Status)
	assert.Contains(t, a.Error, "alert budget")

	alerts, err := f.store.ListAlerts(ctx, store.AlertFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestProcess_ApprovalGate(t *testing.T) {
	f := newFixture(t)
	a, err := f.proc.Process(context.Background(), localRun(true), parser.ActionRequest{
		Type: models.ActionCreateNote, Priority: models.PriorityLow,
		Data: map[string]interface{}{"body": "Follow up"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionPendingApproval, a.Status)
	assert.Empty(t, f.local.Notes(), "nothing runs before approval")
	assert.Contains(t, f.notes.types(), notify.EventApprovalPending)

	a, err = f.proc.Approve(context.Background(), a.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, a.Status)
	assert.Equal(t, "manager", a.ReviewedBy)
	assert.Len(t, f.local.Notes(), 1)

	_, err = f.proc.Approve(context.Background(), a.ID, "manager")
	assert.ErrorIs(t, err, ErrNotApprovable, "approving twice is refused")
}

func TestMutatingActionNeverExecutedWithoutApproval(t *testing.T) {
	for _, requiresApproval := range []bool{false, true} {
		for _, prio := range []models.Priority{models.PriorityLow, models.PriorityHigh} {
			for _, external := range []bool{false, true} {
				name := fmt.Sprintf("approval=%v/%s/external=%v", requiresApproval, prio, external)
				t.Run(name, func(t *testing.T) {
					f := newFixture(t)
					ctx := context.Background()
					run := localRun(requiresApproval)
					if external {
						run.Source, run.External = "salesforce", true
					}

					a, err := f.proc.Process(ctx, run, parser.ActionRequest{
						Type: models.ActionUpdateOpportunity, Priority: prio,
						Data: map[string]interface{}{"entityId": "opp-1", "stage": "Closed Won"},
					})
					require.NoError(t, err)
					require.Equal(t, models.ActionPendingApproval, a.Status)

					bypass := *a
					bypass.Status = models.ActionPending
					bypass.History = nil
					assert.ErrorIs(t, bypass.Transition(models.ActionExecuted, "x", time.Now()), models.ErrInvalidTransition)

					a, err = f.proc.Approve(ctx, a.ID, "manager")
					require.NoError(t, err)
					if external {
						require.Equal(t, models.ActionPending, a.Status)
						queue, err := f.store.ListPendingActions(ctx, "salesforce", models.ActionPending, 0)
						require.NoError(t, err)
						require.Len(t, queue, 1)
						_, err = f.proc.CompletePending(ctx, queue[0].ID, true, "")
						require.NoError(t, err)
						a, err = f.store.GetAction(ctx, a.ID)
						require.NoError(t, err)
					}
					require.Equal(t, models.ActionExecuted, a.Status)
					assert.True(t, a.PassedApproval())
				})
			}
		}
	}
}

func TestProcess_ExternalWriteQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := localRun(false)
	run.Source, run.External = "salesforce", true

	a, err := f.proc.Process(ctx, run, parser.ActionRequest{
		Type: models.ActionCreateNote, Priority: models.PriorityLow,
		Data: map[string]interface{}{"body": "Champion left", "entityType": "account", "entityId": "001A"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, a.Status)
	assert.Empty(t, f.external.Notes(), "external writes are never applied inline")

	queue, err := f.store.ListPendingActions(ctx, "", models.ActionPending, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, OpCreateNote, queue[0].Operation)
	assert.Equal(t, a.ID, queue[0].ActionID)
	assert.Equal(t, "Champion left", queue[0].Payload["body"])

	_, err = f.proc.CompletePending(ctx, queue[0].ID, false, "API quota exceeded")
	require.NoError(t, err)
	a, err = f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, a.Status)
	assert.Contains(t, a.Error, "API quota exceeded")

	_, err = f.proc.CompletePending(ctx, queue[0].ID, true, "")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.proc.Process(ctx, localRun(false), parser.ActionRequest{
		Type: models.ActionUpdateLead, Priority: models.PriorityMedium,
		Data: map[string]interface{}{"entityId": "lead-1", "status": "Qualified"},
	})
	require.NoError(t, err)

	a, err = f.proc.Reject(ctx, a.ID, "manager", "not yet")
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, a.Status)
	assert.Equal(t, "rejected: not yet", a.Error)
	assert.Empty(t, f.local.Updates())
}

func TestApprove_UnknownTypeHandledManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.proc.Process(ctx, localRun(false), parser.ActionRequest{
		Type: models.ActionUnknown, RawType: "ESCALATE_TO_VP", Priority: models.PriorityLow,
		Data: map[string]interface{}{},
	})
	require.NoError(t, err)
	require.Equal(t, models.ActionPendingApproval, a.Status)

	a, err = f.proc.Approve(ctx, a.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, a.Status)
	assert.Equal(t, true, a.Result["handledManually"])
	assert.Equal(t, "ESCALATE_TO_VP", a.Result["rawType"])
}

// ── Suggested actions ───────────────────────────────────────

func seedAlert(t *testing.T, f *fixture, suggested ...models.SuggestedAction) *models.Alert {
	t.Helper()
	now := time.Now().UTC()
	alert := &models.Alert{
		ID: "alert-1", AgentID: "agent-1", ExecutionID: "exec-1", UserID: "u1",
		Source: crm.LocalName, Type: "DEAL_RISK", Priority: models.PriorityMedium,
		Title: "Acme renewal at risk", EntityType: "opportunity", EntityID: "opp-1",
		SuggestedActions: suggested, Status: models.AlertPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateAlert(context.Background(), alert))
	return alert
}

func TestFindSuggested_PositionalFallback(t *testing.T) {
	list := []models.SuggestedAction{
		{ID: "", Type: models.SuggestCreateTask},
		{ID: "", Type: models.SuggestAddNote},
	}
	_, err := FindSuggested(list, "action-2")
	assert.ErrorIs(t, err, ErrSuggestedActionNotFound)

	i, err := FindSuggested(list, "action-1")
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	list[0].ID = "call-cfo"
	i, err = FindSuggested(list, "call-cfo")
	require.NoError(t, err)
	assert.Equal(t, 0, i)
}

func TestExecuteSuggested_ScheduleCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAlert(t, f,
		models.SuggestedAction{ID: "action-0", Type: models.SuggestScheduleCall, Label: "Call the CFO",
			Data: map[string]interface{}{"dateTime": "2026-11-02T15:00:00Z"}},
		models.SuggestedAction{ID: "action-1", Type: models.SuggestAddNote, Label: "Log risk"},
	)

	alert, sa, err := f.proc.ExecuteSuggested(ctx, "alert-1", "action-0", "u1", nil)
	require.NoError(t, err)
	assert.True(t, sa.Executed)
	assert.NotNil(t, sa.ExecutedAt)
	assert.NotEmpty(t, sa.Result["taskId"])
	assert.Equal(t, models.AlertActioned, alert.Status)
	require.Len(t, f.local.Tasks(), 1)
	task := f.local.Tasks()[0]
	assert.Equal(t, "Call the CFO", task.Subject)
	assert.Equal(t, "opp-1", task.EntityID, "entity defaults come from the alert")
	assert.Contains(t, f.notes.types(), notify.EventAlertActioned)

	stored, err := f.store.GetAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.True(t, stored.SuggestedActions[0].Executed)
	assert.False(t, stored.SuggestedActions[1].Executed)

	_, _, err = f.proc.ExecuteSuggested(ctx, "alert-1", "action-1", "u1", nil)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "an actioned alert accepts no further actions")
}

func TestExecuteSuggested_SendEmailQueuesRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAlert(t, f, models.SuggestedAction{ID: "email", Type: models.SuggestSendEmail,
		Data: map[string]interface{}{"to": "cfo@acme.test", "subject": "Renewal"}})

	alert, _, err := f.proc.ExecuteSuggested(ctx, "alert-1", "email", "u1", nil)
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.Contains(t, err.Error(), "body")
	assert.Equal(t, models.AlertPending, alert.Status)

	_, sa, err := f.proc.ExecuteSuggested(ctx, "alert-1", "email", "u1", map[string]interface{}{"body": "Can we talk?"})
	require.NoError(t, err)
	assert.Equal(t, true, sa.Result["queued"])
	pendingID, _ := sa.Result["pendingActionId"].(string)
	require.NotEmpty(t, pendingID)
	assert.Contains(t, f.notes.types(), notify.EventEmailRequested)

	pa, err := f.store.GetPendingAction(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, OpSendEmail, pa.Operation)
	assert.Equal(t, models.ActionPending, pa.Status, "settled by the receiving system")
	assert.Equal(t, "cfo@acme.test", pa.Payload["to"])
}

func TestExecuteSuggested_SendEmailWithoutChannelKeepsAlertPending(t *testing.T) {
	f := newFixture(t)
	f.notes.channels = 0
	ctx := context.Background()
	seedAlert(t, f, models.SuggestedAction{ID: "email", Type: models.SuggestSendEmail,
		Data: map[string]interface{}{"to": "cfo@acme.test", "subject": "Renewal", "body": "Can we talk?"}})

	alert, sa, err := f.proc.ExecuteSuggested(ctx, "alert-1", "email", "u1", nil)
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.Nil(t, sa)
	assert.Equal(t, models.AlertPending, alert.Status)

	stored, err := f.store.GetAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.False(t, stored.SuggestedActions[0].Executed)
	pending, err := f.store.ListPendingActions(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecuteSuggested_UndeliveredEmailFailsPendingEntry(t *testing.T) {
	f := newFixture(t)
	f.notes.failing = true
	ctx := context.Background()
	seedAlert(t, f, models.SuggestedAction{ID: "email", Type: models.SuggestSendEmail,
		Data: map[string]interface{}{"to": "cfo@acme.test", "subject": "Renewal", "body": "Can we talk?"}})

	_, sa, err := f.proc.ExecuteSuggested(ctx, "alert-1", "email", "u1", nil)
	require.NoError(t, err)
	pendingID, _ := sa.Result["pendingActionId"].(string)

	require.Eventually(t, func() bool {
		pa, err := f.store.GetPendingAction(ctx, pendingID)
		return err == nil && pa.Status == models.ActionFailed
	}, 2*time.Second, 10*time.Millisecond)
	pa, err := f.store.GetPendingAction(ctx, pendingID)
	require.NoError(t, err)
	assert.Contains(t, pa.Error, "not accepted")
}

func TestExecuteSuggested_UpdateStageAppliesLocally(t *testing.T) {
	f := newFixture(t)
	seedAlert(t, f, models.SuggestedAction{Type: models.SuggestUpdateStage,
		Data: map[string]interface{}{"stage": "Proposal"}})

	_, _, err := f.proc.ExecuteSuggested(context.Background(), "alert-1", "action-0", "u1", nil)
	require.NoError(t, err)
	require.Len(t, f.local.Updates(), 1)
	assert.Equal(t, "opp-1", f.local.Updates()[0].EntityID)
	assert.Equal(t, "Proposal", f.local.Updates()[0].Fields["stage"])
}

func TestExecuteSuggested_UnknownTypeIsHardError(t *testing.T) {
	f := newFixture(t)
	seedAlert(t, f, models.SuggestedAction{ID: "x", Type: models.SuggestUnknown, RawType: "SEND_GIFT"})

	alert, _, err := f.proc.ExecuteSuggested(context.Background(), "alert-1", "x", "u1", nil)
	assert.ErrorIs(t, err, ErrUnknownSuggestedAction)
	assert.Contains(t, err.Error(), "SEND_GIFT")
	assert.Equal(t, models.AlertPending, alert.Status)
}

func TestResolveAlert_NoTransitionOutOfTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAlert(t, f)

	alert, err := f.proc.ResolveAlert(ctx, "alert-1", models.AlertAcknowledged, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, alert.Status)

	_, err = f.proc.ResolveAlert(ctx, "alert-1", models.AlertDismissed, "u1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	stored, err := f.store.GetAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, stored.Status)
}
