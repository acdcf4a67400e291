package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/internal/notify"
	"github.com/agentoven/crm-agents/internal/parser"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/internal/telemetry"
	"github.com/agentoven/crm-agents/pkg/models"
)

var (
	// ErrNotApprovable is returned when approving or rejecting an action
	// that is not in PENDING_APPROVAL.
	ErrNotApprovable = errors.New("actions: action is not awaiting approval")
	// ErrInvalidData is returned when an action's data payload lacks a
	// required field.
	ErrInvalidData = errors.New("actions: invalid action data")
	// ErrNoWriter is returned when the source provider cannot apply record updates.
	ErrNoWriter = errors.New("actions: provider cannot update records")
	// ErrAlreadyCompleted is returned when completing a pending external
	// action twice.
	ErrAlreadyCompleted = errors.New("actions: pending action already completed")
	// ErrNoChannel is returned when no notification channel can relay an
	// email request.
	ErrNoChannel = errors.New("actions: no notification channel relays email requests")
	// ErrAlertBudget is returned when a run has no alert budget left.
	ErrAlertBudget = errors.New("actions: alert budget exhausted")
)

// Pending external action operations.
const (
	OpCreateTask   = "create_task"
	OpCreateNote   = "create_note"
	OpUpdateRecord = "update_record"
	OpSendEmail    = "send_email"
)

const engineActor = "engine"

// Store is the subset of storage the processor writes to.
type Store interface {
	store.ActionStore
	store.AlertStore
	store.PendingActionStore
}

// Notifier delivers notification events in the background.
type Notifier interface {
	Publish(ctx context.Context, event notify.Event, done func([]notify.Result))
	Subscribers(eventType notify.EventType) int
}

// AlertQuota accounts for alerts created by actions within a run. Reserve
// reports whether one more alert fits; Created records it.
type AlertQuota interface {
	Reserve() bool
	Created(alertID string)
}

// Outcome is the uniform result shape every handler returns.
type Outcome struct {
	Executed bool                   `json:"executed"`
	Queued   bool                   `json:"queued"`
	Result   map[string]interface{} `json:"result,omitempty"`
}

// Run identifies the execution actions are produced by.
type Run struct {
	Agent       *models.AgentDefinition
	ExecutionID string
	UserID      string
	Source      string // CRM provider name the facts came from
	External    bool
	Alerts      AlertQuota // nil means unlimited
}

// Processor executes and gates actions.
type Processor struct {
	store    Store
	registry *crm.Registry
	notifier Notifier
	metrics  *telemetry.Metrics
	now      func() time.Time

	// reviewMu serializes user-driven transitions (approve, reject,
	// complete, suggested) so one action is never executed twice.
	reviewMu sync.Mutex
}

// NewProcessor creates a processor. notifier and metrics may be nil.
func NewProcessor(s Store, registry *crm.Registry, notifier Notifier, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		store:    s,
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ── Model-requested actions ─────────────────────────────────

// Process records one requested action and either executes it, queues its
// external side effect, or parks it for approval. A handler failure marks
// the action FAILED and is not returned; only persistence errors are.
func (p *Processor) Process(ctx context.Context, run Run, req parser.ActionRequest) (*models.Action, error) {
	now := p.now()
	a := &models.Action{
		ID:          uuid.New().String(),
		ExecutionID: run.ExecutionID,
		UserID:      run.UserID,
		Source:      run.Source,
		External:    run.External,
		Type:        req.Type,
		RawType:     req.RawType,
		Priority:    req.Priority,
		Data:        req.Data,
		CreatedAt:   now,
	}
	if run.Agent != nil {
		a.AgentID = run.Agent.ID
	}
	a.RequiresApproval = RequiresApproval(run.Agent, req.Type, req.Priority)
	if err := a.Transition(models.ActionPending, engineActor, now); err != nil {
		return nil, err
	}
	if err := p.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}

	if a.RequiresApproval {
		if err := a.Transition(models.ActionPendingApproval, engineActor, p.now()); err != nil {
			return nil, err
		}
		if err := p.store.UpdateAction(ctx, a); err != nil {
			return nil, fmt.Errorf("update action: %w", err)
		}
		p.metrics.Action(ctx, string(a.Type), string(a.Status))
		p.dispatch(ctx, notify.NewEvent(notify.EventApprovalPending, a.AgentID, a.ExecutionID, a.UserID,
			map[string]interface{}{"actionId": a.ID, "type": string(a.Type), "priority": string(a.Priority)}))
		return a, nil
	}

	out, err := p.execute(ctx, a, run.Alerts)
	p.settle(a, out, err, engineActor)
	if err := p.store.UpdateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("update action: %w", err)
	}
	p.metrics.Action(ctx, string(a.Type), string(a.Status))
	return a, nil
}

// execute runs the handler for the action's type.
func (p *Processor) execute(ctx context.Context, a *models.Action, quota AlertQuota) (Outcome, error) {
	t := p.target(a.Source, a.External, a.UserID)
	t.actionID = a.ID
	data := a.Data

	switch a.Type {
	case models.ActionCreateTask:
		return p.createTask(ctx, t, taskFromData(data, "", a.Priority))
	case models.ActionCreateNote:
		return p.createNote(ctx, t, noteFromData(data))
	case models.ActionSendNotification:
		return p.sendNotification(ctx, a, quota)
	case models.ActionUpdateLead:
		return p.updateRecord(ctx, t, "lead", str(data, "entityId", "leadId", "id"), fieldsFrom(data))
	case models.ActionUpdateOpportunity:
		return p.updateRecord(ctx, t, "opportunity", str(data, "entityId", "opportunityId", "id"), fieldsFrom(data))
	case models.ActionUpdateAccount:
		return p.updateRecord(ctx, t, "account", str(data, "entityId", "accountId", "id"), fieldsFrom(data))
	case models.ActionUnknown:
		// Approved by a human who handles it outside the engine.
		return Outcome{Executed: true, Result: map[string]interface{}{"handledManually": true, "rawType": a.RawType}}, nil
	}
	return Outcome{}, fmt.Errorf("%w: unsupported action type %s", ErrInvalidData, a.Type)
}

// settle applies a handler outcome to the action's status.
func (p *Processor) settle(a *models.Action, out Outcome, err error, by string) {
	now := p.now()
	switch {
	case err != nil:
		a.Error = err.Error()
		_ = a.Transition(models.ActionFailed, by, now)
	case out.Queued:
		a.Result = out.Result
		if a.Status == models.ActionPendingApproval {
			_ = a.Transition(models.ActionPending, by, now)
		}
	default:
		a.Result = out.Result
		if terr := a.Transition(models.ActionExecuted, by, now); terr != nil {
			a.Error = terr.Error()
			_ = a.Transition(models.ActionFailed, by, now)
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("action", a.ID).Str("type", string(a.Type)).Msg("Action failed")
	}
}

// ── Approval ────────────────────────────────────────────────

// Approve executes an action awaiting approval on behalf of reviewer.
func (p *Processor) Approve(ctx context.Context, actionID, reviewer string) (*models.Action, error) {
	p.reviewMu.Lock()
	defer p.reviewMu.Unlock()

	a, err := p.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionPendingApproval {
		return a, fmt.Errorf("%w: %s is %s", ErrNotApprovable, a.ID, a.Status)
	}
	a.ReviewedBy = reviewer

	out, err := p.execute(ctx, a, nil)
	p.settle(a, out, err, reviewer)
	if err := p.store.UpdateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("update action: %w", err)
	}
	p.metrics.Action(ctx, string(a.Type), string(a.Status))
	if a.Status == models.ActionExecuted {
		p.dispatch(ctx, notify.NewEvent(notify.EventActionExecuted, a.AgentID, a.ExecutionID, a.UserID,
			map[string]interface{}{"actionId": a.ID, "type": string(a.Type), "approvedBy": reviewer}))
	}
	log.Info().Str("action", a.ID).Str("reviewer", reviewer).Str("status", string(a.Status)).Msg("✅ Action approved")
	return a, nil
}

// Reject fails an action awaiting approval.
func (p *Processor) Reject(ctx context.Context, actionID, reviewer, reason string) (*models.Action, error) {
	p.reviewMu.Lock()
	defer p.reviewMu.Unlock()

	a, err := p.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionPendingApproval {
		return a, fmt.Errorf("%w: %s is %s", ErrNotApprovable, a.ID, a.Status)
	}
	a.ReviewedBy = reviewer
	a.Error = "rejected"
	if reason != "" {
		a.Error += ": " + reason
	}
	if err := a.Transition(models.ActionFailed, reviewer, p.now()); err != nil {
		return nil, err
	}
	if err := p.store.UpdateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("update action: %w", err)
	}
	p.metrics.Action(ctx, string(a.Type), string(a.Status))
	log.Info().Str("action", a.ID).Str("reviewer", reviewer).Msg("Action rejected")
	return a, nil
}

// CompletePending records the outcome of a queued external mutation and
// settles the action it belongs to.
func (p *Processor) CompletePending(ctx context.Context, pendingID string, success bool, errMsg string) (*models.PendingExternalAction, error) {
	p.reviewMu.Lock()
	defer p.reviewMu.Unlock()

	pa, err := p.store.GetPendingAction(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if pa.Status.IsTerminal() {
		return pa, fmt.Errorf("%w: %s", ErrAlreadyCompleted, pa.ID)
	}
	now := p.now()
	pa.CompletedAt = &now
	if success {
		pa.Status = models.ActionExecuted
	} else {
		pa.Status = models.ActionFailed
		pa.Error = errMsg
	}
	if err := p.store.UpdatePendingAction(ctx, pa); err != nil {
		return nil, fmt.Errorf("update pending action: %w", err)
	}

	if pa.ActionID == "" {
		return pa, nil
	}
	a, err := p.store.GetAction(ctx, pa.ActionID)
	if err != nil {
		return pa, err
	}
	if a.Status != models.ActionPending {
		return pa, nil
	}
	var handlerErr error
	if !success {
		handlerErr = fmt.Errorf("external %s failed: %s", pa.Operation, errMsg)
	}
	p.settle(a, Outcome{Executed: success, Result: a.Result}, handlerErr, pa.Provider)
	if err := p.store.UpdateAction(ctx, a); err != nil {
		return pa, fmt.Errorf("update action: %w", err)
	}
	p.metrics.Action(ctx, string(a.Type), string(a.Status))
	return pa, nil
}

// ── Side-effect helpers ─────────────────────────────────────

// target is where a handler's side effect lands.
type target struct {
	providerName string
	provider     crm.Provider // nil for an unregistered external provider
	external     bool
	userID       string
	actionID     string
	alertID      string
}

func (p *Processor) target(source string, external bool, userID string) target {
	t := target{providerName: source, external: external, userID: userID}
	if source == "" {
		t.providerName = crm.LocalName
	}
	if prov, ok := p.registry.Get(t.providerName); ok {
		t.provider = prov
	} else if !external {
		t.provider = p.registry.Local()
		t.providerName = crm.LocalName
	}
	return t
}

// enqueue appends an external mutation to the pending queue.
func (p *Processor) enqueue(ctx context.Context, t target, op, entityType, entityID string, payload map[string]interface{}) (Outcome, error) {
	pa := &models.PendingExternalAction{
		ID:         uuid.New().String(),
		ActionID:   t.actionID,
		AlertID:    t.alertID,
		Provider:   t.providerName,
		UserID:     t.userID,
		Operation:  op,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Status:     models.ActionPending,
		CreatedAt:  p.now(),
	}
	if err := p.store.EnqueuePendingAction(ctx, pa); err != nil {
		return Outcome{}, fmt.Errorf("enqueue external action: %w", err)
	}
	log.Info().Str("pending_id", pa.ID).Str("provider", pa.Provider).Str("operation", op).Msg("External CRM mutation queued")
	return Outcome{Queued: true, Result: map[string]interface{}{"pendingActionId": pa.ID, "provider": pa.Provider}}, nil
}

func (p *Processor) createTask(ctx context.Context, t target, in crm.TaskInput) (Outcome, error) {
	if strings.TrimSpace(in.Subject) == "" {
		return Outcome{}, fmt.Errorf("%w: task subject is required", ErrInvalidData)
	}
	if t.external {
		return p.enqueue(ctx, t, OpCreateTask, in.EntityType, in.EntityID, toMap(in))
	}
	id, err := t.provider.CreateTask(ctx, t.userID, in)
	if err != nil {
		return Outcome{}, fmt.Errorf("create task: %w", err)
	}
	return Outcome{Executed: true, Result: map[string]interface{}{"taskId": id}}, nil
}

func (p *Processor) createNote(ctx context.Context, t target, in crm.NoteInput) (Outcome, error) {
	if strings.TrimSpace(in.Body) == "" {
		return Outcome{}, fmt.Errorf("%w: note body is required", ErrInvalidData)
	}
	if t.external {
		return p.enqueue(ctx, t, OpCreateNote, in.EntityType, in.EntityID, toMap(in))
	}
	id, err := t.provider.CreateNote(ctx, t.userID, in)
	if err != nil {
		return Outcome{}, fmt.Errorf("create note: %w", err)
	}
	return Outcome{Executed: true, Result: map[string]interface{}{"noteId": id}}, nil
}

func (p *Processor) updateRecord(ctx context.Context, t target, entityType, entityID string, fields map[string]interface{}) (Outcome, error) {
	if entityID == "" {
		return Outcome{}, fmt.Errorf("%w: %s id is required", ErrInvalidData, entityType)
	}
	if len(fields) == 0 {
		return Outcome{}, fmt.Errorf("%w: no fields to update", ErrInvalidData)
	}
	if t.external {
		return p.enqueue(ctx, t, OpUpdateRecord, entityType, entityID, map[string]interface{}{"fields": fields})
	}
	w, ok := t.provider.(crm.RecordWriter)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoWriter, t.providerName)
	}
	if err := w.UpdateRecord(ctx, t.userID, entityType, entityID, fields); err != nil {
		return Outcome{}, fmt.Errorf("update %s: %w", entityType, err)
	}
	return Outcome{Executed: true, Result: map[string]interface{}{
		"entityType": entityType, "entityId": entityID, "fields": fields,
	}}, nil
}

// sendNotification delivers a notification as a user-facing alert. Inside
// a run the alert counts against the run's alert budget.
func (p *Processor) sendNotification(ctx context.Context, a *models.Action, quota AlertQuota) (Outcome, error) {
	title := str(a.Data, "title", "subject")
	if title == "" {
		return Outcome{}, fmt.Errorf("%w: notification title is required", ErrInvalidData)
	}
	if quota != nil && !quota.Reserve() {
		return Outcome{}, ErrAlertBudget
	}
	now := p.now()
	alert := &models.Alert{
		ID:               uuid.New().String(),
		AgentID:          a.AgentID,
		ExecutionID:      a.ExecutionID,
		UserID:           a.UserID,
		Source:           a.Source,
		Type:             "NOTIFICATION",
		Priority:         a.Priority,
		Title:            title,
		Description:      str(a.Data, "message", "body", "description"),
		EntityType:       str(a.Data, "entityType"),
		EntityID:         str(a.Data, "entityId"),
		SuggestedActions: []models.SuggestedAction{},
		Status:           models.AlertPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.store.CreateAlert(ctx, alert); err != nil {
		return Outcome{}, fmt.Errorf("create notification alert: %w", err)
	}
	if quota != nil {
		quota.Created(alert.ID)
	}
	p.dispatch(ctx, notify.NewEvent(notify.EventAlertCreated, a.AgentID, a.ExecutionID, a.UserID,
		map[string]interface{}{"alertId": alert.ID, "title": alert.Title, "priority": string(alert.Priority)}))
	return Outcome{Executed: true, Result: map[string]interface{}{"alertId": alert.ID}}, nil
}

// dispatch hands ev to the notifier without waiting for delivery.
func (p *Processor) dispatch(ctx context.Context, ev notify.Event) {
	if p.notifier != nil {
		p.notifier.Publish(ctx, ev, nil)
	}
}

// ── Data helpers ────────────────────────────────────────────

// str returns the first non-empty string value among keys.
func str(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func timeVal(data map[string]interface{}, keys ...string) *time.Time {
	s := str(data, keys...)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func taskFromData(data map[string]interface{}, fallbackSubject string, priority models.Priority) crm.TaskInput {
	subject := str(data, "subject", "title", "label")
	if subject == "" {
		subject = fallbackSubject
	}
	if p := str(data, "priority"); p != "" {
		priority = models.NormalizePriority(p)
	}
	return crm.TaskInput{
		Subject:     subject,
		Description: str(data, "description", "notes", "body"),
		DueDate:     timeVal(data, "dueDate", "dateTime", "scheduledAt"),
		Priority:    priority,
		EntityType:  str(data, "entityType"),
		EntityID:    str(data, "entityId"),
		AssigneeID:  str(data, "assigneeId"),
	}
}

func noteFromData(data map[string]interface{}) crm.NoteInput {
	return crm.NoteInput{
		Title:      str(data, "title", "subject"),
		Body:       str(data, "body", "content", "note", "description"),
		EntityType: str(data, "entityType"),
		EntityID:   str(data, "entityId"),
	}
}

// fieldsFrom returns data["fields"] when present, otherwise every key that
// does not identify the record.
func fieldsFrom(data map[string]interface{}) map[string]interface{} {
	if f, ok := data["fields"].(map[string]interface{}); ok {
		return f
	}
	out := make(map[string]interface{})
	for k, v := range data {
		switch k {
		case "entityId", "entityType", "id", "leadId", "opportunityId", "accountId", "reason":
			continue
		}
		out[k] = v
	}
	return out
}

func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}
