package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/crm-agents/internal/contextbuilder"
	"github.com/agentoven/crm-agents/internal/llm"
	"github.com/agentoven/crm-agents/pkg/models"
)

const defaultSystemPrompt = "You are a CRM analysis agent. You review sales data and report risks, opportunities and next steps."

// responseContract tells the model the shape the parser expects.
const responseContract = `Respond with a single JSON object in a fenced json block:
{
  "summary": string,
  "alerts": [{"type", "priority": "LOW|MEDIUM|HIGH|CRITICAL", "title", "description", "recommendation",
              "entityType", "entityId", "entityName",
              "suggestedActions": [{"id", "type", "label", "description", "icon", "data": {}}]}],
  "actions": [{"type", "priority", "data": {}}],
  "insights": [{"category", "finding", "evidence", "impact"}],
  "recommendations": [{"priority", "action", "reason", "expectedOutcome"}]
}
Action types: CREATE_TASK, CREATE_NOTE, SEND_NOTIFICATION, UPDATE_LEAD, UPDATE_OPPORTUNITY, UPDATE_ACCOUNT.
Suggested action types: SEND_EMAIL (data: to, subject, body), SCHEDULE_CALL, SCHEDULE_MEETING (data: dateTime),
CREATE_TASK, UPDATE_STATUS (data: status), UPDATE_STAGE (data: stage), LOG_ACTIVITY, ADD_NOTE, CLOSE_DEAL.`

// scope is the unit one model call analyzes.
type scope struct {
	EntityType string
	EntityID   string
	Event      string
	Payload    map[string]interface{}
}

func (s scope) label() string {
	if s.EntityID == "" {
		return "all"
	}
	return s.EntityType + ":" + s.EntityID
}

func buildRequest(agent *models.AgentDefinition, defaultModel string, c *contextbuilder.Context, s scope) *llm.Request {
	system := strings.TrimSpace(agent.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	system += "\n\n" + responseContract
	if len(agent.AlertTypes) > 0 {
		system += "\nPreferred alert types: " + strings.Join(agent.AlertTypes, ", ") + "."
	}

	var user strings.Builder
	if p := strings.TrimSpace(agent.AnalysisPrompt); p != "" {
		user.WriteString(p)
		user.WriteString("\n\n")
	}
	if s.EntityID != "" {
		fmt.Fprintf(&user, "Focus on %s %s.\n", s.EntityType, s.EntityID)
	}
	if s.Event != "" {
		fmt.Fprintf(&user, "Triggered by CRM event %q.\n", s.Event)
		if len(s.Payload) > 0 {
			if data, err := json.Marshal(s.Payload); err == nil {
				fmt.Fprintf(&user, "Event payload: %s\n", data)
			}
		}
	}
	user.WriteString("\n")
	user.WriteString(c.Text())
	if f := strings.TrimSpace(agent.OutputFormat); f != "" {
		user.WriteString("\n\nOutput format notes: ")
		user.WriteString(f)
	}

	model := agent.Model
	if model == "" {
		model = defaultModel
	}
	return &llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user.String()},
		},
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	}
}
