// Package executor runs agents.
//
// One execution:
//
//	create RUNNING record → select CRM source → build context →
//	budget-checked model call → parse reply → persist alerts (capped) →
//	process actions (capped) → finalize counters, cost and status.
//
// With no target entity, agents that target opportunities analyze them one
// at a time until the time or call budget runs out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/agentoven/crm-agents/internal/actions"
	"github.com/agentoven/crm-agents/internal/audit"
	"github.com/agentoven/crm-agents/internal/budget"
	"github.com/agentoven/crm-agents/internal/config"
	"github.com/agentoven/crm-agents/internal/contextbuilder"
	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/internal/llm"
	"github.com/agentoven/crm-agents/internal/notify"
	"github.com/agentoven/crm-agents/internal/parser"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/internal/telemetry"
	"github.com/agentoven/crm-agents/internal/trigger"
	"github.com/agentoven/crm-agents/pkg/models"
)

// ErrAgentDisabled is returned when running an agent that is neither
// enabled nor a draft.
var ErrAgentDisabled = errors.New("executor: agent is disabled")

// Request describes one run.
type Request struct {
	AgentID          string
	UserID           string
	Trigger          models.TriggerSource
	TriggerEvent     string
	TargetEntityType string
	TargetEntityID   string
	Payload          map[string]interface{}

	// Runtime source overrides; see contextbuilder.Request.
	UseExternal *bool
	Provider    string
}

// Options wires the executor's collaborators. Notifier, Hub and Metrics
// may be nil.
type Options struct {
	Store     store.Store
	Builder   *contextbuilder.Builder
	LLM       llm.Client
	Actions   *actions.Processor
	Notifier  actions.Notifier
	Hub       *audit.Hub
	Metrics   *telemetry.Metrics
	Engine    config.EngineConfig
	Model     string // default model id
	BatchSize int    // max opportunities per batch run
}

// Executor runs agents.
type Executor struct {
	store     store.Store
	builder   *contextbuilder.Builder
	llm       llm.Client
	actions   *actions.Processor
	notifier  actions.Notifier
	hub       *audit.Hub
	metrics   *telemetry.Metrics
	engine    config.EngineConfig
	model     string
	batchSize int
	now       func() time.Time

	// inflight suppresses duplicate concurrent runs of the same agent and
	// entity within this process.
	inflight singleflight.Group
}

func New(opts Options) *Executor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Executor{
		store:     opts.Store,
		builder:   opts.Builder,
		llm:       opts.LLM,
		actions:   opts.Actions,
		notifier:  opts.Notifier,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		engine:    opts.Engine,
		model:     opts.Model,
		batchSize: opts.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run implements trigger.Runner.
func (e *Executor) Run(ctx context.Context, inv trigger.Invocation) error {
	_, err := e.Execute(ctx, Request{
		AgentID:          inv.AgentID,
		UserID:           inv.UserID,
		Trigger:          inv.Source,
		TriggerEvent:     inv.Event,
		TargetEntityType: inv.EntityType,
		TargetEntityID:   inv.EntityID,
		Payload:          inv.Payload,
	})
	return err
}

// Execute runs an agent to completion and returns the terminal execution.
// A concurrent Execute for the same agent and entity shares the in-flight
// run instead of starting another. An error is returned only when the run
// could not start; failures after that are recorded on the execution.
func (e *Executor) Execute(ctx context.Context, req Request) (*models.Execution, error) {
	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsRunnable() {
		return nil, fmt.Errorf("%w: %s", ErrAgentDisabled, agent.ID)
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}
	if req.UserID == "" {
		req.UserID = agent.OwnerID
	}

	key := agent.ID + ":" + req.TargetEntityType + ":" + req.TargetEntityID
	v, err, shared := e.inflight.Do(key, func() (interface{}, error) {
		return e.run(ctx, agent, req)
	})
	if shared {
		log.Debug().Str("agent", agent.ID).Str("key", key).Msg("Joined in-flight execution")
	}
	if err != nil {
		return nil, err
	}
	exec := *v.(*models.Execution)
	return &exec, nil
}

// run is the state of one execution.
type run struct {
	e        *Executor
	agent    *models.AgentDefinition
	req      Request
	exec     *models.Execution
	budget   *budget.Enforcer
	trail    *audit.Trail
	provider crm.Provider

	summaries       []string
	insights        []models.Insight
	recommendations []models.Recommendation
	alertIDs        []string
	actionStatus    map[models.ActionStatus]int
	parseErrors     []string
	omitted         []contextbuilder.Omission
	signals         []crm.AccountSignal

	analyzed     int
	failed       int
	total        int
	stoppedEarly bool
}

func (e *Executor) run(ctx context.Context, agent *models.AgentDefinition, req Request) (*models.Execution, error) {
	limits := agent.Limits.WithDefaults(e.engine.Limits)
	b := budget.New(limits, budget.Rates{InputPer1K: e.engine.CostInputPer1K, OutputPer1K: e.engine.CostOutputPer1K})

	exec := &models.Execution{
		ID:               uuid.New().String(),
		AgentID:          agent.ID,
		AgentVersion:     agent.Version,
		UserID:           req.UserID,
		Trigger:          req.Trigger,
		TriggerEvent:     req.TriggerEvent,
		TargetEntityType: req.TargetEntityType,
		TargetEntityID:   req.TargetEntityID,
		Status:           models.ExecutionRunning,
		StartedAt:        e.now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.String("execution.id", exec.ID),
		attribute.String("trigger", string(req.Trigger)),
	))
	defer span.End()

	r := &run{
		e:            e,
		agent:        agent,
		req:          req,
		exec:         exec,
		budget:       b,
		trail:        audit.NewTrail(e.store, e.hub, exec.ID, agent.ID),
		actionStatus: make(map[models.ActionStatus]int),

		insights:        []models.Insight{},
		recommendations: []models.Recommendation{},
		alertIDs:        []string{},
	}
	defer r.trail.Close()

	log.Info().Str("agent", agent.ID).Str("execution_id", exec.ID).Str("trigger", string(req.Trigger)).Msg("🚀 Agent execution started")
	r.trail.Info(ctx, models.CategoryInit, "Execution started", map[string]interface{}{
		"trigger":          string(req.Trigger),
		"triggerEvent":     req.TriggerEvent,
		"targetEntityType": req.TargetEntityType,
		"targetEntityId":   req.TargetEntityID,
		"agentVersion":     agent.Version,
		"limits":           limits,
	})

	fatal, stack := r.safely(ctx)
	r.finalize(ctx, fatal, stack)

	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
	}
	span.SetAttributes(
		attribute.String("execution.status", string(exec.Status)),
		attribute.Int("execution.llm_calls", exec.LLMCalls),
	)
	return exec, nil
}

// safely runs the analysis, converting panics into a fatal error.
func (r *run) safely(ctx context.Context) (fatal error, stack string) {
	defer func() {
		if p := recover(); p != nil {
			fatal = fmt.Errorf("panic: %v", p)
			stack = string(debug.Stack())
		}
	}()
	return r.analyze(ctx), ""
}

// analyze selects the source and runs either one scope or a batch.
func (r *run) analyze(ctx context.Context) error {
	provider, err := r.e.builder.SelectSource(ctx, r.contextRequest(scope{}))
	if err != nil {
		return err
	}
	r.provider = provider
	r.exec.DataSource = provider.Name()
	r.trail.Info(ctx, models.CategoryInit, "CRM source selected", map[string]interface{}{
		"source": provider.Name(), "external": provider.Name() != crm.LocalName,
	})

	if r.req.TargetEntityID == "" && r.batchMode() {
		return r.analyzeOpportunities(ctx)
	}

	r.total = 1
	s := scope{
		EntityType: r.req.TargetEntityType,
		EntityID:   r.req.TargetEntityID,
		Event:      r.req.TriggerEvent,
		Payload:    r.req.Payload,
	}
	if err := r.analyzeScope(ctx, s); err != nil {
		r.failed++
		return err
	}
	r.analyzed++
	return nil
}

// batchMode is true for agents that explicitly target opportunities and
// can read them.
func (r *run) batchMode() bool {
	if !r.agent.HasTool(contextbuilder.ToolOpportunities) {
		return false
	}
	for _, t := range r.agent.TargetEntityTypes {
		if strings.EqualFold(t, "opportunity") {
			return true
		}
	}
	return false
}

func (r *run) contextRequest(s scope) contextbuilder.Request {
	return contextbuilder.Request{
		Agent:            r.agent,
		UserID:           r.req.UserID,
		TargetEntityType: s.EntityType,
		TargetEntityID:   s.EntityID,
		UseExternal:      r.req.UseExternal,
		Provider:         r.req.Provider,
	}
}

// analyzeScope makes one budget-checked model call over one scope and
// applies its result. A returned error means the scope produced nothing.
func (r *run) analyzeScope(ctx context.Context, s scope) error {
	if !r.budget.CanCallLLM() {
		r.stoppedEarly = true
		r.trail.Warn(ctx, models.CategoryLLMCall, "Budget exhausted, model call skipped", map[string]interface{}{
			"scope": s.label(), "llmCalls": r.budget.Usage().LLMCalls, "elapsedMs": r.budget.Elapsed(),
		})
		return nil
	}

	c := r.e.builder.BuildFrom(ctx, r.provider, r.contextRequest(s))
	r.omitted = append(r.omitted, c.Omitted...)
	r.signals = append(r.signals, c.Signals...)
	for _, o := range c.Omitted {
		r.trail.Warn(ctx, models.CategoryInit, "Context section omitted", map[string]interface{}{"tool": o.Tool, "error": o.Error})
	}

	llmReq := buildRequest(r.agent, r.e.model, c, s)
	r.trail.Info(ctx, models.CategoryLLMCall, "Calling model", map[string]interface{}{
		"scope": s.label(), "model": llmReq.Model, "sections": len(c.Sections),
	})

	callCtx, span := telemetry.Tracer().Start(ctx, "agent.llm_call", trace.WithAttributes(attribute.String("scope", s.label())))
	resp, err := r.e.llm.Complete(callCtx, llmReq)
	span.End()
	if err != nil {
		r.trail.Error(ctx, models.CategoryLLMCall, "Model call failed", map[string]interface{}{"scope": s.label(), "error": err.Error()})
		return fmt.Errorf("model call for %s: %w", s.label(), err)
	}
	r.budget.RecordLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	r.e.metrics.LLMCall(ctx, r.agent.ID)
	r.trail.Info(ctx, models.CategoryLLMCall, "Model responded", map[string]interface{}{
		"scope": s.label(), "inputTokens": resp.Usage.InputTokens, "outputTokens": resp.Usage.OutputTokens, "latencyMs": resp.LatencyMs,
	})

	parsed := parser.Parse(resp.Content)
	if parsed.ParseError != "" {
		r.parseErrors = append(r.parseErrors, parsed.ParseError)
		r.trail.Warn(ctx, models.CategoryResult, "Model reply was not structured", map[string]interface{}{
			"scope": s.label(), "parseError": parsed.ParseError,
		})
	}
	r.apply(ctx, s, parsed)
	return nil
}

// apply persists one parsed result's alerts and actions under the caps.
func (r *run) apply(ctx context.Context, s scope, parsed parser.ParsedResult) {
	res := parsed.Result
	if res.Summary != "" {
		r.summaries = append(r.summaries, res.Summary)
	}
	r.insights = append(r.insights, res.Insights...)
	r.recommendations = append(r.recommendations, res.Recommendations...)
	r.trail.Info(ctx, models.CategoryResult, "Reply parsed", map[string]interface{}{
		"scope": s.label(), "strategy": parsed.Strategy,
		"alerts": len(res.Alerts), "actions": len(res.Actions), "insights": len(res.Insights),
	})

	alerts := res.Alerts
	if n := r.budget.AlertRoom(len(alerts)); n < len(alerts) {
		r.trail.Warn(ctx, models.CategoryResult, "Alerts truncated to budget", map[string]interface{}{"requested": len(alerts), "kept": n})
		alerts = alerts[:n]
	}
	for _, spec := range alerts {
		r.persistAlert(ctx, s, spec)
	}

	reqs := parsed.ActionRequests()
	if n := r.budget.ActionRoom(len(reqs)); n < len(reqs) {
		r.trail.Warn(ctx, models.CategoryAction, "Actions truncated to budget", map[string]interface{}{"requested": len(reqs), "kept": n})
		reqs = reqs[:n]
	}
	for _, req := range reqs {
		r.processAction(ctx, s, req)
	}
}

func (r *run) persistAlert(ctx context.Context, s scope, spec models.AlertSpec) {
	now := r.e.now()
	alert := &models.Alert{
		ID:               uuid.New().String(),
		AgentID:          r.agent.ID,
		ExecutionID:      r.exec.ID,
		UserID:           r.req.UserID,
		Source:           r.provider.Name(),
		Type:             spec.Type,
		Priority:         models.NormalizePriority(spec.Priority),
		Title:            spec.Title,
		Description:      spec.Description,
		Recommendation:   spec.Recommendation,
		EntityType:       spec.EntityType,
		EntityID:         spec.EntityID,
		EntityName:       spec.EntityName,
		SuggestedActions: parser.SuggestedActions(spec.SuggestedActions),
		Status:           models.AlertPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if alert.Type == "" {
		alert.Type = "INSIGHT"
	}
	if alert.Title == "" {
		alert.Title = "Untitled finding"
	}
	if alert.EntityID == "" && s.EntityID != "" {
		alert.EntityType, alert.EntityID = s.EntityType, s.EntityID
	}

	if err := r.e.store.CreateAlert(ctx, alert); err != nil {
		r.trail.Warn(ctx, models.CategoryResult, "Failed to persist alert", map[string]interface{}{"title": alert.Title, "error": err.Error()})
		return
	}
	r.recordAlert(ctx, alert.ID)
	r.notify(ctx, notify.NewEvent(notify.EventAlertCreated, r.agent.ID, r.exec.ID, r.req.UserID,
		map[string]interface{}{"alertId": alert.ID, "title": alert.Title, "priority": string(alert.Priority)}))
}

func (r *run) recordAlert(ctx context.Context, alertID string) {
	r.budget.RecordAlert()
	r.alertIDs = append(r.alertIDs, alertID)
	r.e.metrics.Alert(ctx, r.agent.ID, 1)
}

// notify queues ev for delivery; the run never waits on a channel.
func (r *run) notify(ctx context.Context, ev notify.Event) {
	if r.e.notifier != nil {
		r.e.notifier.Publish(ctx, ev, nil)
	}
}

// runAlerts charges alerts created by actions to the run's budget.
type runAlerts struct {
	ctx context.Context
	r   *run
}

func (q runAlerts) Reserve() bool { return q.r.budget.AlertRoom(1) == 1 }

func (q runAlerts) Created(alertID string) { q.r.recordAlert(q.ctx, alertID) }

func (r *run) processAction(ctx context.Context, s scope, req parser.ActionRequest) {
	if s.EntityID != "" {
		if _, ok := req.Data["entityId"]; !ok {
			req.Data["entityType"] = s.EntityType
			req.Data["entityId"] = s.EntityID
		}
	}
	a, err := r.e.actions.Process(ctx, actions.Run{
		Agent:       r.agent,
		ExecutionID: r.exec.ID,
		UserID:      r.req.UserID,
		Source:      r.provider.Name(),
		External:    r.provider.Name() != crm.LocalName,
		Alerts:      runAlerts{ctx: ctx, r: r},
	}, req)
	if err != nil {
		r.trail.Warn(ctx, models.CategoryAction, "Action could not be recorded", map[string]interface{}{"type": string(req.Type), "error": err.Error()})
		r.actionStatus[models.ActionFailed]++
		return
	}
	r.budget.RecordAction()
	r.actionStatus[a.Status]++

	data := map[string]interface{}{
		"actionId": a.ID, "type": string(a.Type), "status": string(a.Status), "requiresApproval": a.RequiresApproval,
	}
	if a.Status == models.ActionFailed {
		data["error"] = a.Error
		r.trail.Warn(ctx, models.CategoryAction, "Action failed", data)
		return
	}
	r.trail.Info(ctx, models.CategoryAction, "Action processed", data)
}

// finalize writes the budget counters and the terminal status. It uses a
// context detached from cancellation so the record is always closed.
func (r *run) finalize(ctx context.Context, fatal error, stack string) {
	ctx = context.WithoutCancel(ctx)
	exec := r.exec

	if fatal == nil && r.analyzed == 0 && r.failed > 0 {
		fatal = errors.New("no scope could be analyzed")
	}

	r.budget.Usage().Apply(exec)
	exec.ResultSummary = r.summary()
	exec.Result = r.result()

	status := models.ExecutionCompleted
	if fatal != nil {
		status = models.ExecutionFailed
		exec.ErrorMessage = fatal.Error()
		exec.ErrorStack = stack
		r.trail.Error(ctx, models.CategoryError, "Execution failed", map[string]interface{}{"error": fatal.Error()})
	} else {
		r.trail.Info(ctx, models.CategoryResult, "Execution completed", map[string]interface{}{
			"llmCalls": exec.LLMCalls, "alerts": exec.AlertsCreated, "actions": exec.ActionsCreated,
			"estimatedCost": exec.EstimatedCost, "elapsedMs": r.budget.Elapsed(),
		})
	}
	if err := exec.Finish(status, r.e.now()); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Execution already finished")
	}
	exec.ExecutionTimeMs = r.budget.Elapsed()

	if err := r.e.store.UpdateExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to persist execution result")
	}
	if err := r.e.store.RecordAgentRun(ctx, r.agent.ID, status == models.ExecutionCompleted, exec.StartedAt); err != nil {
		log.Error().Err(err).Str("agent", r.agent.ID).Msg("Failed to update agent run counters")
	}
	r.e.metrics.Execution(ctx, r.agent.ID, string(status))

	if status == models.ExecutionFailed {
		r.notify(ctx, notify.NewEvent(notify.EventExecutionFailed, r.agent.ID, exec.ID, exec.UserID,
			map[string]interface{}{"error": exec.ErrorMessage}))
	}

	ev := log.Info()
	if status == models.ExecutionFailed {
		ev = log.Warn().Str("error", exec.ErrorMessage)
	}
	ev.Str("agent", r.agent.ID).
		Str("execution_id", exec.ID).
		Str("status", string(status)).
		Int("llm_calls", exec.LLMCalls).
		Int64("elapsed_ms", exec.ExecutionTimeMs).
		Msg("Agent execution finished")
}

func (r *run) summary() string {
	joined := strings.Join(r.summaries, "\n")
	if r.total > 1 || r.stoppedEarly {
		head := fmt.Sprintf("Analyzed %d of %d", r.analyzed, r.total)
		if r.stoppedEarly {
			head += " (stopped at budget)"
		}
		if joined == "" {
			return head
		}
		return head + "\n" + joined
	}
	return joined
}

func (r *run) result() map[string]interface{} {
	signals := make([]map[string]interface{}, 0, len(r.signals))
	for _, s := range r.signals {
		signals = append(signals, map[string]interface{}{
			"id": s.ID, "accountId": s.AccountID, "type": s.Type, "title": s.Title,
			"confidence": s.Confidence, "strength": string(s.Strength()),
		})
	}
	actionsByStatus := make(map[string]int, len(r.actionStatus))
	for st, n := range r.actionStatus {
		actionsByStatus[string(st)] = n
	}
	out := map[string]interface{}{
		"summary":          r.summary(),
		"insights":         r.insights,
		"recommendations":  r.recommendations,
		"alertIds":         r.alertIDs,
		"actionsByStatus":  actionsByStatus,
		"signals":          signals,
		"entitiesAnalyzed": r.analyzed,
		"entitiesFailed":   r.failed,
		"entitiesTotal":    r.total,
		"stoppedEarly":     r.stoppedEarly,
	}
	if len(r.parseErrors) > 0 {
		out["parseErrors"] = r.parseErrors
	}
	if len(r.omitted) > 0 {
		out["omittedSections"] = r.omitted
	}
	return out
}
