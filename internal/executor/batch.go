package executor

import (
	"context"
	"fmt"

	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/pkg/models"
)

// analyzeOpportunities walks the user's opportunities one at a time. The
// budget is checked before each entity starts; work already started is
// never interrupted. A failing entity is logged and skipped.
func (r *run) analyzeOpportunities(ctx context.Context) error {
	res, err := r.provider.GetOpportunities(ctx, r.req.UserID, crm.Filters{Limit: r.e.batchSize})
	if err != nil {
		return fmt.Errorf("list opportunities: %w", err)
	}
	r.total = len(res.Items)
	r.trail.Info(ctx, models.CategoryInit, "Batch analysis started", map[string]interface{}{
		"entities": r.total, "totalCount": res.TotalCount, "softCutoffMs": r.budget.SoftCutoff(),
	})

	for i, opp := range res.Items {
		if r.budget.ShouldStop() {
			r.stoppedEarly = true
			r.trail.Info(ctx, models.CategoryResult, "Time budget reached, stopping batch", map[string]interface{}{
				"processed": i, "remaining": r.total - i, "elapsedMs": r.budget.Elapsed(),
			})
			break
		}
		if !r.budget.CanCallLLM() {
			r.stoppedEarly = true
			r.trail.Info(ctx, models.CategoryResult, "Model call budget reached, stopping batch", map[string]interface{}{
				"processed": i, "remaining": r.total - i, "llmCalls": r.budget.Usage().LLMCalls,
			})
			break
		}

		s := scope{EntityType: "opportunity", EntityID: opp.ID, Event: r.req.TriggerEvent, Payload: r.req.Payload}
		if err := r.analyzeScope(ctx, s); err != nil {
			r.failed++
			r.trail.Warn(ctx, models.CategoryError, "Opportunity analysis skipped", map[string]interface{}{
				"opportunityId": opp.ID, "error": err.Error(),
			})
			continue
		}
		r.analyzed++
	}
	return nil
}
