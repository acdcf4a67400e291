// Package actions runs the action pipeline: classifying model-requested
// actions, executing the auto-eligible ones, gating the rest behind
// approval, and executing suggested actions a user picks from an alert.
package actions

import "github.com/agentoven/crm-agents/pkg/models"

// RequiresApproval applies the approval policy. Any one of the following
// escalates an action: the agent's own policy, a HIGH (or CRITICAL)
// priority, a record-mutating type, or a type the engine doesn't recognize.
func RequiresApproval(agent *models.AgentDefinition, t models.ActionType, p models.Priority) bool {
	switch {
	case agent != nil && agent.RequiresApproval:
		return true
	case p == models.PriorityHigh || p == models.PriorityCritical:
		return true
	case models.MutatingActionTypes[t]:
		return true
	case !models.AutoActionTypes[t]:
		return true
	}
	return false
}
