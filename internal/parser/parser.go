// Package parser recovers the structured agent result from a model's raw
// reply. Extraction strategies are pure functions tried in order; the first
// one that yields decodable JSON wins. Parse never fails: when nothing
// decodes, the raw text becomes the summary.
package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentoven/crm-agents/pkg/models"
)

// Strategy names reported in ParsedResult.Strategy.
const (
	StrategyFencedJSON   = "fenced_json"
	StrategyFencedObject = "fenced_object"
	StrategyBraceSpan    = "brace_span"
	StrategyRawText      = "raw_text"
)

// Strategy extracts a candidate JSON object from text. ok is false when the
// strategy does not apply or its candidate does not decode.
type Strategy func(text string) (result *models.AgentResult, ok bool)

// ParsedResult is the parser's only output.
type ParsedResult struct {
	Result     models.AgentResult `json:"result"`
	Strategy   string             `json:"strategy"`
	ParseError string             `json:"parseError,omitempty"`
}

var (
	fencedJSONRe = regexp.MustCompile("(?is)```\\s*json\\s*\\n?(.*?)```")
	fencedAnyRe  = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\s*\\n?(.*?)```")
)

// FencedJSON parses the first fenced block tagged json.
func FencedJSON(text string) (*models.AgentResult, bool) {
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		if r, err := decode(m[1]); err == nil {
			return r, true
		}
	}
	return nil, false
}

// FencedObject parses the first fenced block, tagged or not, whose content
// starts with '{'.
func FencedObject(text string) (*models.AgentResult, bool) {
	for _, m := range fencedAnyRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if !strings.HasPrefix(body, "{") {
			continue
		}
		if r, err := decode(body); err == nil {
			return r, true
		}
	}
	return nil, false
}

// BraceSpan parses the text between the first '{' and the last '}'.
func BraceSpan(text string) (*models.AgentResult, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	r, err := decode(text[start : end+1])
	return r, err == nil
}

// FirstDefined composes strategies left to right; the first ok result wins.
// The returned index identifies the winning strategy, or -1.
func FirstDefined(strategies ...Strategy) func(text string) (*models.AgentResult, int) {
	return func(text string) (*models.AgentResult, int) {
		for i, s := range strategies {
			if r, ok := s(text); ok {
				return r, i
			}
		}
		return nil, -1
	}
}

var (
	strategyNames = []string{StrategyFencedJSON, StrategyFencedObject, StrategyBraceSpan}
	extract       = FirstDefined(FencedJSON, FencedObject, BraceSpan)
)

// Parse returns the structured result for text. It never panics and never
// returns nil slices.
func Parse(text string) (out ParsedResult) {
	defer func() {
		if r := recover(); r != nil {
			out = fallback(text, "parser panic")
		}
	}()

	r, idx := extract(text)
	if r == nil {
		return fallback(text, diagnose(text))
	}
	normalize(r)
	return ParsedResult{Result: *r, Strategy: strategyNames[idx]}
}

func fallback(text, reason string) ParsedResult {
	r := models.AgentResult{Summary: strings.TrimSpace(text)}
	normalize(&r)
	return ParsedResult{Result: r, Strategy: StrategyRawText, ParseError: reason}
}

// diagnose reports why the widest candidate failed to decode.
func diagnose(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "no JSON object found in response"
	}
	if _, err := decode(text[start : end+1]); err != nil {
		return err.Error()
	}
	return "no strategy produced a result"
}

// decode reads a candidate object leniently: the top level must be a JSON
// object, but a malformed element inside a list is dropped rather than
// failing the whole reply.
func decode(candidate string) (*models.AgentResult, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &top); err != nil {
		return nil, err
	}

	var r models.AgentResult
	if raw, ok := top["summary"]; ok {
		if err := json.Unmarshal(raw, &r.Summary); err != nil {
			r.Summary = string(raw)
		}
	}
	r.Alerts = decodeList[models.AlertSpec](top["alerts"])
	r.Actions = decodeList[models.ActionSpec](top["actions"])
	r.Insights = decodeList[models.Insight](top["insights"])
	r.Recommendations = decodeList[models.Recommendation](top["recommendations"])
	return &r, nil
}

func decodeList[T any](raw json.RawMessage) []T {
	if len(raw) == 0 {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	out := make([]T, 0, len(elems))
	for _, e := range elems {
		var v T
		if err := json.Unmarshal(e, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func normalize(r *models.AgentResult) {
	if r.Alerts == nil {
		r.Alerts = []models.AlertSpec{}
	}
	if r.Actions == nil {
		r.Actions = []models.ActionSpec{}
	}
	if r.Insights == nil {
		r.Insights = []models.Insight{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []models.Recommendation{}
	}
}

// ── Typed Boundary ──────────────────────────────────────────

// ActionRequest is an action descriptor validated against the known action
// types. Unrecognized discriminators become ActionUnknown with RawType kept.
type ActionRequest struct {
	Type     models.ActionType
	RawType  string
	Priority models.Priority
	Data     map[string]interface{}
}

// ActionRequests converts the parsed action specs into typed requests.
func (p ParsedResult) ActionRequests() []ActionRequest {
	out := make([]ActionRequest, 0, len(p.Result.Actions))
	for _, a := range p.Result.Actions {
		req := ActionRequest{
			Type:     models.NormalizeActionType(a.Type),
			Priority: models.NormalizePriority(a.Priority),
			Data:     a.Data,
		}
		if req.Type == models.ActionUnknown {
			req.RawType = a.Type
		}
		if req.Data == nil {
			req.Data = map[string]interface{}{}
		}
		out = append(out, req)
	}
	return out
}

// SuggestedActions converts an alert's suggested-action specs into typed
// descriptors. A missing id is filled with its positional form action-<i>.
func SuggestedActions(specs []models.SuggestedActionSpec) []models.SuggestedAction {
	out := make([]models.SuggestedAction, 0, len(specs))
	for i, s := range specs {
		sa := models.SuggestedAction{
			ID:          s.ID,
			Type:        models.NormalizeSuggestedActionType(s.Type),
			Label:       s.Label,
			Description: s.Description,
			Icon:        s.Icon,
			Data:        s.Data,
		}
		if sa.ID == "" {
			sa.ID = PositionalID(i)
		}
		if sa.Type == models.SuggestUnknown {
			sa.RawType = s.Type
		}
		out = append(out, sa)
	}
	return out
}

// PositionalID is the fallback id of the suggested action at index i.
func PositionalID(i int) string {
	return "action-" + strconv.Itoa(i)
}
