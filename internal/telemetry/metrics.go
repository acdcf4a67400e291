package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentoven/crm-agents"

// Metrics holds the engine's counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	executions metric.Int64Counter
	llmCalls   metric.Int64Counter
	actions    metric.Int64Counter
	alerts     metric.Int64Counter
}

// NewMetrics creates the counters on the global meter provider. Until Init
// installs an exporter the global provider is a no-op.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error
	if m.executions, err = meter.Int64Counter("crmagents.executions",
		metric.WithDescription("Agent executions by terminal status")); err != nil {
		log.Warn().Err(err).Msg("Failed to create executions counter")
	}
	if m.llmCalls, err = meter.Int64Counter("crmagents.llm_calls",
		metric.WithDescription("Model calls made by agent executions")); err != nil {
		log.Warn().Err(err).Msg("Failed to create llm_calls counter")
	}
	if m.actions, err = meter.Int64Counter("crmagents.actions",
		metric.WithDescription("Agent actions by status")); err != nil {
		log.Warn().Err(err).Msg("Failed to create actions counter")
	}
	if m.alerts, err = meter.Int64Counter("crmagents.alerts",
		metric.WithDescription("Alerts created by agent executions")); err != nil {
		log.Warn().Err(err).Msg("Failed to create alerts counter")
	}
	return m
}

// Tracer returns the engine tracer.
func Tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

func (m *Metrics) Execution(ctx context.Context, agentID, status string) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID), attribute.String("status", status)))
}

func (m *Metrics) LLMCall(ctx context.Context, agentID string) {
	if m == nil || m.llmCalls == nil {
		return
	}
	m.llmCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID)))
}

func (m *Metrics) Action(ctx context.Context, actionType, status string) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", actionType), attribute.String("status", status)))
}

func (m *Metrics) Alert(ctx context.Context, agentID string, n int) {
	if m == nil || m.alerts == nil || n == 0 {
		return
	}
	m.alerts.Add(ctx, int64(n), metric.WithAttributes(attribute.String("agent", agentID)))
}
