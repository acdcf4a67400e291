package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/crm-agents/pkg/models"
)

const payload = `{
  "summary": "Two deals at risk",
  "alerts": [{
    "type": "DEAL_RISK", "priority": "high", "title": "Acme stalled",
    "entityType": "opportunity", "entityId": "opp-1",
    "suggestedActions": [{"type": "schedule call", "label": "Call champion", "data": {"when": "tomorrow"}}]
  }],
  "actions": [{"type": "CREATE_TASK", "priority": "MEDIUM", "data": {"subject": "Follow up"}}],
  "insights": [{"category": "pipeline", "finding": "stage age", "evidence": {"days": 42}, "impact": "high"}],
  "recommendations": [{"priority": "HIGH", "action": "call", "reason": "silence", "expectedOutcome": "re-engage"}]
}`

func TestParse_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		strategy string
	}{
		{"fenced json", "Here you go:\n```json\n" + payload + "\n```\nThanks", StrategyFencedJSON},
		{"fenced json uppercase tag", "```JSON\n" + payload + "```", StrategyFencedJSON},
		{"fenced untagged", "Result:\n```\n" + payload + "\n```", StrategyFencedObject},
		{"fenced other tag", "```javascript\n" + payload + "\n```", StrategyFencedObject},
		{"prose wrapped", "Sure! " + payload + " Let me know.", StrategyBraceSpan},
		{"bare", payload, StrategyBraceSpan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			assert.Equal(t, tt.strategy, got.Strategy)
			assert.Empty(t, got.ParseError)
			assert.Equal(t, "Two deals at risk", got.Result.Summary)
			require.Len(t, got.Result.Alerts, 1)
			require.Len(t, got.Result.Actions, 1)
		})
	}
}

func TestParse_WrappingIsByteIdentical(t *testing.T) {
	wrappings := []string{
		"```json\n" + payload + "\n```",
		"```\n" + payload + "\n```",
		"prefix " + payload + " suffix",
		payload,
	}
	var want []byte
	for i, w := range wrappings {
		got, err := json.Marshal(Parse(w).Result)
		require.NoError(t, err)
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, string(want), string(got), "wrapping %d", i)
	}
}

func TestParse_MalformedNeverFails(t *testing.T) {
	inputs := []string{
		"",
		"no json here at all",
		"```json\n{not json}\n```",
		"{ \"summary\": \"unterminated",
		"} backwards {",
		"```\nplain text block\n```",
	}
	for _, in := range inputs {
		got := Parse(in)
		assert.Equal(t, StrategyRawText, got.Strategy, "input %q", in)
		assert.NotEmpty(t, got.ParseError, "input %q", in)
		assert.NotNil(t, got.Result.Alerts)
		assert.NotNil(t, got.Result.Actions)
		assert.NotNil(t, got.Result.Insights)
		assert.NotNil(t, got.Result.Recommendations)
	}
	assert.Equal(t, "no json here at all", Parse("  no json here at all ").Result.Summary)
}

func TestParse_FallsThroughBadFence(t *testing.T) {
	text := "```json\n{broken\n```\nActual: {\"summary\": \"ok\"}"
	got := Parse(text)
	// The brace span covers the broken fence too, so every strategy fails.
	assert.Equal(t, StrategyRawText, got.Strategy)

	text = "```json\n{broken\n```\n```\n{\"summary\": \"ok\"}\n```"
	got = Parse(text)
	assert.Equal(t, StrategyFencedObject, got.Strategy)
	assert.Equal(t, "ok", got.Result.Summary)
}

func TestParse_DropsMalformedElements(t *testing.T) {
	got := Parse(`{"summary": "s", "actions": [{"type": "CREATE_NOTE"}, "garbage", {"type": 7}]}`)
	require.Len(t, got.Result.Actions, 1)
	assert.Equal(t, "CREATE_NOTE", got.Result.Actions[0].Type)
}

func TestFirstDefined_Order(t *testing.T) {
	never := func(string) (*models.AgentResult, bool) { return nil, false }
	a := func(string) (*models.AgentResult, bool) { return &models.AgentResult{Summary: "a"}, true }
	b := func(string) (*models.AgentResult, bool) { return &models.AgentResult{Summary: "b"}, true }

	r, idx := FirstDefined(never, a, b)("x")
	assert.Equal(t, 1, idx)
	assert.Equal(t, "a", r.Summary)

	r, idx = FirstDefined(never)("x")
	assert.Nil(t, r)
	assert.Equal(t, -1, idx)
}

func TestActionRequests_UnknownVariant(t *testing.T) {
	got := Parse(`{"summary": "s", "actions": [
		{"type": "update-opportunity", "priority": "urgent"},
		{"type": "LAUNCH_ROCKET", "priority": "low"}
	]}`)
	reqs := got.ActionRequests()
	require.Len(t, reqs, 2)

	assert.Equal(t, models.ActionUpdateOpportunity, reqs[0].Type)
	assert.Equal(t, models.PriorityCritical, reqs[0].Priority)
	assert.NotNil(t, reqs[0].Data)

	assert.Equal(t, models.ActionUnknown, reqs[1].Type)
	assert.Equal(t, "LAUNCH_ROCKET", reqs[1].RawType)
}

func TestSuggestedActions_PositionalIDs(t *testing.T) {
	got := SuggestedActions([]models.SuggestedActionSpec{
		{Type: "send email"},
		{ID: "keep-me", Type: "CLOSE_DEAL"},
		{Type: "teleport"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "action-0", got[0].ID)
	assert.Equal(t, models.SuggestSendEmail, got[0].Type)
	assert.Equal(t, "keep-me", got[1].ID)
	assert.Equal(t, "action-2", got[2].ID)
	assert.Equal(t, models.SuggestUnknown, got[2].Type)
	assert.Equal(t, "teleport", got[2].RawType)
}
