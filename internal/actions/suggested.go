package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/internal/notify"
	"github.com/agentoven/crm-agents/internal/parser"
	"github.com/agentoven/crm-agents/pkg/models"
)

var (
	// ErrUnknownSuggestedAction is returned when a user invokes a suggested
	// action whose type is outside the dispatch table.
	ErrUnknownSuggestedAction = errors.New("actions: unknown suggested action type")
	// ErrSuggestedActionNotFound is returned when neither the id nor its
	// positional form matches an entry on the alert.
	ErrSuggestedActionNotFound = errors.New("actions: suggested action not found")
)

// FindSuggested returns the index of the suggested action with the given
// id, falling back to the positional form "action-<i>".
func FindSuggested(list []models.SuggestedAction, id string) (int, error) {
	for i := range list {
		if list[i].ID == id {
			return i, nil
		}
	}
	for i := range list {
		if parser.PositionalID(i) == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrSuggestedActionNotFound, id)
}

// ResolveAlert acknowledges or dismisses a pending alert.
func (p *Processor) ResolveAlert(ctx context.Context, alertID string, status models.AlertStatus, by string) (*models.Alert, error) {
	if status != models.AlertAcknowledged && status != models.AlertDismissed {
		return nil, fmt.Errorf("%w: alerts are resolved to ACKNOWLEDGED or DISMISSED, not %s", models.ErrInvalidTransition, status)
	}
	p.reviewMu.Lock()
	defer p.reviewMu.Unlock()

	alert, err := p.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if err := alert.Transition(status, by, p.now()); err != nil {
		return alert, err
	}
	if err := p.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	return alert, nil
}

// ExecuteSuggested runs one suggested action a user picked from a pending
// alert. overrides replace keys of the action's pre-filled data. On success
// the suggested action is marked executed and the alert becomes ACTIONED;
// on failure the alert is left untouched.
func (p *Processor) ExecuteSuggested(ctx context.Context, alertID, suggestedID, userID string, overrides map[string]interface{}) (*models.Alert, *models.SuggestedAction, error) {
	p.reviewMu.Lock()
	defer p.reviewMu.Unlock()

	alert, err := p.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, nil, err
	}
	if alert.Status != models.AlertPending {
		return alert, nil, fmt.Errorf("%w: alert %s is %s", models.ErrInvalidTransition, alert.ID, alert.Status)
	}
	idx, err := FindSuggested(alert.SuggestedActions, suggestedID)
	if err != nil {
		return alert, nil, err
	}
	sa := &alert.SuggestedActions[idx]
	if !models.KnownSuggestedActionTypes[sa.Type] {
		raw := sa.RawType
		if raw == "" {
			raw = string(sa.Type)
		}
		return alert, nil, fmt.Errorf("%w: %s", ErrUnknownSuggestedAction, raw)
	}

	data := mergeData(sa.Data, overrides)
	if str(data, "entityType") == "" && alert.EntityType != "" {
		data["entityType"] = alert.EntityType
	}
	if str(data, "entityId") == "" && alert.EntityID != "" {
		data["entityId"] = alert.EntityID
	}

	source := alert.Source
	t := p.target(source, source != "" && source != crm.LocalName, userID)
	t.alertID = alert.ID

	out, err := p.runSuggested(ctx, alert, sa, data, t)
	if err != nil {
		log.Warn().Err(err).Str("alert", alert.ID).Str("suggested", sa.ID).Str("type", string(sa.Type)).Msg("Suggested action failed")
		return alert, nil, err
	}

	now := p.now()
	sa.Executed = true
	sa.ExecutedAt = &now
	sa.Result = out.Result
	if sa.Result == nil {
		sa.Result = map[string]interface{}{}
	}
	sa.Result["queued"] = out.Queued
	if err := alert.Transition(models.AlertActioned, userID, now); err != nil {
		return alert, nil, err
	}
	if err := p.store.UpdateAlert(ctx, alert); err != nil {
		return nil, nil, fmt.Errorf("update alert: %w", err)
	}

	p.dispatch(ctx, notify.NewEvent(notify.EventAlertActioned, alert.AgentID, alert.ExecutionID, userID,
		map[string]interface{}{"alertId": alert.ID, "suggestedActionId": sa.ID, "type": string(sa.Type)}))
	log.Info().Str("alert", alert.ID).Str("suggested", sa.ID).Str("type", string(sa.Type)).Msg("⚡ Suggested action executed")

	executed := *sa
	return alert, &executed, nil
}

// runSuggested is the suggested-action dispatch table.
func (p *Processor) runSuggested(ctx context.Context, alert *models.Alert, sa *models.SuggestedAction, data map[string]interface{}, t target) (Outcome, error) {
	entityType := str(data, "entityType")
	entityID := str(data, "entityId")

	switch sa.Type {
	case models.SuggestSendEmail:
		return p.requestEmail(ctx, alert, data, t)

	case models.SuggestScheduleCall, models.SuggestScheduleMeeting:
		fallback := sa.Label
		if fallback == "" {
			kind := "Call"
			if sa.Type == models.SuggestScheduleMeeting {
				kind = "Meeting"
			}
			fallback = kind + ": " + alert.Title
		}
		in := taskFromData(data, fallback, alert.Priority)
		if in.DueDate == nil {
			return Outcome{}, fmt.Errorf("%w: %s requires dateTime", ErrInvalidData, sa.Type)
		}
		return p.createTask(ctx, t, in)

	case models.SuggestCreateTask:
		return p.createTask(ctx, t, taskFromData(data, sa.Label, alert.Priority))

	case models.SuggestUpdateStatus:
		status := str(data, "status", "newStatus")
		if status == "" {
			return Outcome{}, fmt.Errorf("%w: UPDATE_STATUS requires status", ErrInvalidData)
		}
		return p.updateRecord(ctx, t, defaultString(entityType, "lead"), entityID, map[string]interface{}{"status": status})

	case models.SuggestUpdateStage:
		stage := str(data, "stage", "newStage")
		if stage == "" {
			return Outcome{}, fmt.Errorf("%w: UPDATE_STAGE requires stage", ErrInvalidData)
		}
		return p.updateRecord(ctx, t, defaultString(entityType, "opportunity"), entityID, map[string]interface{}{"stage": stage})

	case models.SuggestCloseDeal:
		stage := "Closed Won"
		if o := strings.ToLower(str(data, "outcome", "result")); o == "lost" || o == "closed_lost" {
			stage = "Closed Lost"
		}
		fields := map[string]interface{}{"stage": stage}
		if reason := str(data, "reason"); reason != "" {
			fields["closeReason"] = reason
		}
		return p.updateRecord(ctx, t, "opportunity", entityID, fields)

	case models.SuggestLogActivity, models.SuggestAddNote:
		in := noteFromData(data)
		if in.Title == "" {
			in.Title = sa.Label
		}
		return p.createNote(ctx, t, in)
	}
	return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSuggestedAction, sa.Type)
}

// emailRelay is the pending-queue provider name for email requests.
const emailRelay = "notify"

// requestEmail queues a send-email request and relays it through the
// notification channels. The receiving system settles the pending entry;
// a relay no channel accepted fails it.
func (p *Processor) requestEmail(ctx context.Context, alert *models.Alert, data map[string]interface{}, t target) (Outcome, error) {
	to, subject, body := str(data, "to"), str(data, "subject"), str(data, "body")
	var missing []string
	for _, f := range [][2]string{{"to", to}, {"subject", subject}, {"body", body}} {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return Outcome{}, fmt.Errorf("%w: SEND_EMAIL requires %s", ErrInvalidData, strings.Join(missing, ", "))
	}
	if p.notifier == nil || p.notifier.Subscribers(notify.EventEmailRequested) == 0 {
		return Outcome{}, ErrNoChannel
	}

	entityType, entityID := str(data, "entityType"), str(data, "entityId")
	relay := target{providerName: emailRelay, external: true, userID: t.userID, alertID: alert.ID}
	out, err := p.enqueue(ctx, relay, OpSendEmail, entityType, entityID, map[string]interface{}{
		"to": to, "subject": subject, "body": body,
	})
	if err != nil {
		return Outcome{}, err
	}
	pendingID, _ := out.Result["pendingActionId"].(string)

	bg := context.WithoutCancel(ctx)
	p.notifier.Publish(ctx, notify.NewEvent(notify.EventEmailRequested, alert.AgentID, alert.ExecutionID, alert.UserID,
		map[string]interface{}{
			"to": to, "subject": subject, "body": body, "pendingActionId": pendingID,
			"alertId": alert.ID, "entityType": entityType, "entityId": entityID,
		}), func(results []notify.Result) {
		for _, r := range results {
			if r.Success {
				return
			}
		}
		if _, err := p.CompletePending(bg, pendingID, false, "email request was not accepted by any channel"); err != nil {
			log.Warn().Err(err).Str("pending_id", pendingID).Msg("Failed to settle undelivered email request")
		}
	})

	out.Result["to"] = to
	out.Result["subject"] = subject
	return out, nil
}

func mergeData(base, overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
