package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/crm-agents/internal/actions"
	"github.com/agentoven/crm-agents/internal/agents"
	"github.com/agentoven/crm-agents/internal/api/handlers"
	"github.com/agentoven/crm-agents/internal/audit"
	"github.com/agentoven/crm-agents/internal/config"
	"github.com/agentoven/crm-agents/internal/contextbuilder"
	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/internal/executor"
	"github.com/agentoven/crm-agents/internal/llm"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/internal/trigger"
	"github.com/agentoven/crm-agents/pkg/models"
)

const modelReply = "```json\n" + `{
  "summary": "Acme renewal at risk",
  "alerts": [{"type": "DEAL_RISK", "priority": "MEDIUM", "title": "No activity in 30 days",
              "entityType": "opportunity", "entityId": "opp-1",
              "suggestedActions": [{"type": "CREATE_TASK", "label": "Follow up", "data": {"subject": "Call Acme"}}]}],
  "actions": [{"type": "CREATE_TASK", "priority": "LOW", "data": {"subject": "Review Acme renewal"}}]
}` + "\n```"

type staticLLM struct{}

func (staticLLM) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: modelReply, Usage: llm.Usage{InputTokens: 500, OutputTokens: 100}}, nil
}

type recordingRunner struct {
	mu   sync.Mutex
	invs []trigger.Invocation
}

func (r *recordingRunner) Run(_ context.Context, inv trigger.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invs = append(r.invs, inv)
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invs)
}

type testServer struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	local  *crm.MemoryProvider
	runner *recordingRunner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { _ = s.Close() })

	local := crm.NewMemoryProvider(crm.LocalName)
	local.AddOpportunities(crm.Opportunity{ID: "opp-1", Name: "Acme renewal", Stage: "Negotiation", Amount: 50000})
	reg := crm.NewRegistry(local)

	hub := audit.NewHub(100, 10)
	proc := actions.NewProcessor(s, reg, nil, nil)
	exec := executor.New(executor.Options{
		Store:   s,
		Builder: contextbuilder.New(reg, 25),
		LLM:     staticLLM{},
		Actions: proc,
		Hub:     hub,
		Engine: config.EngineConfig{Limits: models.ResourceLimits{
			MaxExecutionTimeMs: 60000, MaxLLMCalls: 5, MaxAlertsPerExecution: 10, MaxActionsPerExecution: 10,
		}},
		Model: "gpt-4o-mini",
	})

	runner := &recordingRunner{}
	dispatcher := trigger.NewDispatcher(runner, s, 0)
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })
	svc := agents.NewService(s, func(ctx context.Context) { _ = dispatcher.Reload(ctx) })

	h := handlers.New(s, svc, exec, proc, dispatcher, hub)
	srv := httptest.NewServer(NewRouter(&config.Config{Version: "test"}, h))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: s, local: local, runner: runner}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (ts *testServer) createAgent(t *testing.T, in models.AgentDefinition) models.AgentDefinition {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/agents", "u1", in)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decodeInto[models.AgentDefinition](t, body)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeInto[map[string]string](t, body)["status"])
}

func TestAgents_Lifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/agents", "", models.AgentDefinition{Name: "Deal Watch"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/agents", "u1", models.AgentDefinition{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	agent := ts.createAgent(t, models.AgentDefinition{Name: "Deal Watch"})
	assert.Equal(t, "deal-watch", agent.Slug)
	assert.True(t, agent.IsDraft)

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/agents/"+agent.ID, "u2", models.AgentDefinition{Name: "Mine now"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/publish", "u1", map[string]string{"changeNotes": "go live"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "0.1.1", decodeInto[models.AgentDefinition](t, body).Version)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/versions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]models.AgentVersion](t, body), 2)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/disable", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeInto[models.AgentDefinition](t, body).IsEnabled)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/run", "u1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "disabled agents do not run")

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/agents/"+agent.ID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRun_ProducesExecutionAlertsAndActions(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.createAgent(t, models.AgentDefinition{
		Name:         "Deal Watch",
		EnabledTools: []string{contextbuilder.ToolOpportunities},
	})

	resp, body := ts.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/run", "u1", map[string]string{
		"targetEntityType": "opportunity", "targetEntityId": "opp-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	exec := decodeInto[models.Execution](t, body)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.LLMCalls)
	assert.Equal(t, 1, exec.AlertsCreated)
	assert.Equal(t, models.TriggerManual, exec.Trigger)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/executions?agentId="+agent.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]models.Execution](t, body), 1)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/logs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decodeInto[[]models.ExecutionLog](t, body)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.CategoryInit, logs[0].Category)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/logs/stream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
	assert.Contains(t, string(body), "event: log")
	assert.Contains(t, string(body), "event: done")

	resp, body = ts.do(t, http.MethodGet, "/api/v1/actions?executionId="+exec.ID, "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acts := decodeInto[[]models.Action](t, body)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActionExecuted, acts[0].Status)
	require.Len(t, ts.local.Tasks(), 1)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/alerts?executionId="+exec.ID, "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts := decodeInto[[]models.Alert](t, body)
	require.Len(t, alerts, 1)
	alertID := alerts[0].ID

	resp, body = ts.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/suggested-actions/action-0/execute", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Len(t, ts.local.Tasks(), 2)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/dismiss", "u1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "actioned alerts are final")
}

func TestActions_ApprovalFlow(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.createAgent(t, models.AgentDefinition{
		Name:             "Careful Watch",
		EnabledTools:     []string{contextbuilder.ToolOpportunities},
		RequiresApproval: true,
	})

	resp, body := ts.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/run", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	exec := decodeInto[models.Execution](t, body)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/actions?status=PENDING_APPROVAL&executionId="+exec.ID, "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acts := decodeInto[[]models.Action](t, body)
	require.Len(t, acts, 1)
	assert.Empty(t, ts.local.Tasks(), "nothing runs before approval")

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/actions/"+acts[0].ID+"/approve", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/actions/"+acts[0].ID+"/approve", "manager", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, models.ActionExecuted, decodeInto[models.Action](t, body).Status)
	assert.Len(t, ts.local.Tasks(), 1)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/actions/"+acts[0].ID+"/reject", "manager", map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/pending-actions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestEvents_DispatchToSubscribers(t *testing.T) {
	ts := newTestServer(t)
	ts.createAgent(t, models.AgentDefinition{
		Name:    "Stage Watch",
		Trigger: models.TriggerConfig{Events: []models.EventSubscription{{Event: "opportunity.stage_changed", DebounceMs: 10}}},
	})

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/events", "u1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/events", "u1", map[string]interface{}{
		"event": "opportunity.stage_changed", "entityType": "opportunity", "entityId": "opp-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.EqualValues(t, 1, decodeInto[map[string]interface{}](t, body)["scheduled"])

	require.Eventually(t, func() bool { return ts.runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	ts.runner.mu.Lock()
	inv := ts.runner.invs[0]
	ts.runner.mu.Unlock()
	assert.Equal(t, models.TriggerEvent, inv.Source)
	assert.Equal(t, "opp-1", inv.EntityID)
	assert.Equal(t, "u1", inv.UserID)
}
