// Package budget tracks what one execution has consumed against its
// resource limits. The orchestrator asks it before starting each unit of
// work; it never aborts work already in flight.
package budget

import (
	"sync"
	"time"

	"github.com/agentoven/crm-agents/pkg/models"
)

// Rates are the per-1K-token prices used for cost estimation.
type Rates struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Usage is a point-in-time copy of the counters.
type Usage struct {
	ElapsedMs      int64   `json:"elapsedMs"`
	LLMCalls       int     `json:"llmCalls"`
	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	AlertsCreated  int     `json:"alertsCreated"`
	ActionsCreated int     `json:"actionsCreated"`
	EstimatedCost  float64 `json:"estimatedCost"`
}

// Enforcer is the single authority on whether an execution may start more work.
type Enforcer struct {
	limits models.ResourceLimits
	rates  Rates
	now    func() time.Time
	start  time.Time

	mu             sync.Mutex
	llmCalls       int
	inputTokens    int64
	outputTokens   int64
	alertsCreated  int
	actionsCreated int
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// New starts the clock on a budget with already-defaulted limits.
func New(limits models.ResourceLimits, rates Rates, opts ...Option) *Enforcer {
	e := &Enforcer{limits: limits, rates: rates, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	e.start = e.now()
	return e
}

// Limits returns the ceilings in force.
func (e *Enforcer) Limits() models.ResourceLimits { return e.limits }

// Elapsed returns milliseconds since the budget started.
func (e *Enforcer) Elapsed() int64 {
	return e.now().Sub(e.start).Milliseconds()
}

// SoftCutoff leaves one twelfth of the hard limit for finalization
// (55s of a 60s limit).
func (e *Enforcer) SoftCutoff() int64 {
	max := int64(e.limits.MaxExecutionTimeMs)
	return max - max/12
}

// ShouldStop reports whether no new unit of work may start.
func (e *Enforcer) ShouldStop() bool {
	return e.Elapsed() >= e.SoftCutoff()
}

// CanCallLLM reports whether another model call fits in the budget.
func (e *Enforcer) CanCallLLM() bool {
	e.mu.Lock()
	calls := e.llmCalls
	e.mu.Unlock()
	return calls < e.limits.MaxLLMCalls && !e.ShouldStop()
}

// RecordLLMCall counts one model call and its token usage.
func (e *Enforcer) RecordLLMCall(inputTokens, outputTokens int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.llmCalls++
	e.inputTokens += inputTokens
	e.outputTokens += outputTokens
}

// AlertRoom returns how many of n alerts still fit under the ceiling.
func (e *Enforcer) AlertRoom(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return room(n, e.limits.MaxAlertsPerExecution-e.alertsCreated)
}

// ActionRoom returns how many of n actions still fit under the ceiling.
func (e *Enforcer) ActionRoom(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return room(n, e.limits.MaxActionsPerExecution-e.actionsCreated)
}

func room(n, left int) int {
	if left < 0 {
		left = 0
	}
	if n < left {
		return n
	}
	return left
}

func (e *Enforcer) RecordAlert() {
	e.mu.Lock()
	e.alertsCreated++
	e.mu.Unlock()
}

func (e *Enforcer) RecordAction() {
	e.mu.Lock()
	e.actionsCreated++
	e.mu.Unlock()
}

// Usage snapshots the counters and the estimated cost.
func (e *Enforcer) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Usage{
		ElapsedMs:      e.Elapsed(),
		LLMCalls:       e.llmCalls,
		InputTokens:    e.inputTokens,
		OutputTokens:   e.outputTokens,
		AlertsCreated:  e.alertsCreated,
		ActionsCreated: e.actionsCreated,
		EstimatedCost:  Cost(e.inputTokens, e.outputTokens, e.rates),
	}
}

// Cost prices token usage at the given rates.
func Cost(inputTokens, outputTokens int64, r Rates) float64 {
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K
}

// Apply writes the usage counters onto an execution record.
func (u Usage) Apply(exec *models.Execution) {
	exec.LLMCalls = u.LLMCalls
	exec.InputTokens = u.InputTokens
	exec.OutputTokens = u.OutputTokens
	exec.AlertsCreated = u.AlertsCreated
	exec.ActionsCreated = u.ActionsCreated
	exec.EstimatedCost = u.EstimatedCost
}
