// Package contextbuilder picks the CRM source for a run and assembles the
// facts the model sees, one labeled section per enabled tool.
package contextbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/pkg/models"
)

// Tool names that map to context sections.
const (
	ToolOpportunities  = "get_opportunities"
	ToolAccounts       = "get_accounts"
	ToolContacts       = "get_contacts"
	ToolLeads          = "get_leads"
	ToolActivities     = "get_activities"
	ToolAccountSignals = "get_account_signals"
)

// sectionOrder fixes the order sections appear in, independent of fetch timing.
var sectionOrder = []string{
	ToolOpportunities, ToolAccounts, ToolContacts, ToolLeads, ToolActivities, ToolAccountSignals,
}

var sectionTitles = map[string]string{
	ToolOpportunities:  "Opportunities",
	ToolAccounts:       "Accounts",
	ToolContacts:       "Contacts",
	ToolLeads:          "Leads",
	ToolActivities:     "Recent Activities",
	ToolAccountSignals: "Account Signals",
}

// externalObjects maps tools to the object names used in describe/query.
var externalObjects = map[string]string{
	ToolOpportunities: "opportunity",
	ToolAccounts:      "account",
	ToolContacts:      "contact",
	ToolLeads:         "lead",
}

// ErrNoSource is returned when neither the requested provider nor the
// local database is available.
var ErrNoSource = errors.New("contextbuilder: no connected CRM source")

// Request describes one context build.
type Request struct {
	Agent            *models.AgentDefinition
	UserID           string
	TargetEntityType string
	TargetEntityID   string

	// Runtime overrides. When set they take precedence over the agent's saved
	// external-CRM settings.
	UseExternal *bool
	Provider    string
}

// Section is one labeled block of facts.
type Section struct {
	Tool  string `json:"tool"`
	Title string `json:"title"`
	Count int    `json:"count"`
	Total int    `json:"total"`
	Body  string `json:"-"`
}

// Omission records a section that could not be fetched.
type Omission struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// Context is the assembled prompt input.
type Context struct {
	Source   string              `json:"source"`
	External bool                `json:"external"`
	Sections []Section           `json:"sections"`
	Omitted  []Omission          `json:"omitted,omitempty"`
	Signals  []crm.AccountSignal `json:"-"`
}

// Text concatenates the sections in their fixed order.
func (c *Context) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data source: %s\n", c.Source)
	for _, s := range c.Sections {
		fmt.Fprintf(&b, "\n## %s (%d of %d)\n%s", s.Title, s.Count, s.Total, s.Body)
	}
	return b.String()
}

// Builder assembles contexts against a provider registry.
type Builder struct {
	registry *crm.Registry
	maxItems int
}

// New creates a builder. maxItems caps the rows fetched per section.
func New(registry *crm.Registry, maxItems int) *Builder {
	if maxItems <= 0 {
		maxItems = 50
	}
	return &Builder{registry: registry, maxItems: maxItems}
}

// probes returns provider names in the order they should be tried.
func probes(req Request) []string {
	useExternal := req.Agent.UseExternalCRM
	provider := req.Agent.ExternalProvider
	if req.UseExternal != nil {
		useExternal = *req.UseExternal
	}
	if req.Provider != "" {
		provider = req.Provider
	}
	var names []string
	if useExternal && provider != "" && provider != crm.LocalName {
		names = append(names, provider)
	}
	return append(names, crm.LocalName)
}

// SelectSource returns the first connected provider from the probe list.
func (b *Builder) SelectSource(ctx context.Context, req Request) (crm.Provider, error) {
	for _, name := range probes(req) {
		p, ok := b.registry.Get(name)
		if !ok {
			log.Warn().Str("provider", name).Msg("Requested CRM provider not registered, falling back")
			continue
		}
		connected, err := p.IsConnected(ctx, req.UserID)
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Str("user", req.UserID).Msg("CRM connection probe failed")
			continue
		}
		if connected {
			return p, nil
		}
		log.Info().Str("provider", name).Str("user", req.UserID).Msg("CRM provider not connected, falling back")
	}
	return nil, ErrNoSource
}

// Build selects the source and fetches every enabled section in parallel.
// A failing section is omitted and reported; it never fails the build.
func (b *Builder) Build(ctx context.Context, req Request) (*Context, error) {
	provider, err := b.SelectSource(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.BuildFrom(ctx, provider, req), nil
}

// BuildFrom assembles a context from an already selected provider.
func (b *Builder) BuildFrom(ctx context.Context, provider crm.Provider, req Request) *Context {
	out := &Context{Source: provider.Name(), External: provider.Name() != crm.LocalName}

	var tools []string
	for _, t := range sectionOrder {
		if req.Agent.HasTool(t) {
			tools = append(tools, t)
		}
	}

	type fetched struct {
		section *Section
		signals []crm.AccountSignal
		err     error
	}
	results := make([]fetched, len(tools))

	var g errgroup.Group
	g.SetLimit(4)
	for i, tool := range tools {
		i, tool := i, tool
		g.Go(func() error {
			sec, sigs, err := b.fetch(ctx, provider, out.External, tool, req)
			results[i] = fetched{section: sec, signals: sigs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		switch {
		case r.err != nil:
			log.Warn().Err(r.err).Str("tool", tools[i]).Str("provider", out.Source).Msg("Context section omitted")
			out.Omitted = append(out.Omitted, Omission{Tool: tools[i], Error: r.err.Error()})
		case r.section != nil:
			out.Sections = append(out.Sections, *r.section)
			out.Signals = append(out.Signals, r.signals...)
		}
	}
	return out
}

func (b *Builder) filters(tool string, req Request) crm.Filters {
	f := crm.Filters{Limit: b.maxItems}
	switch strings.ToLower(req.TargetEntityType) {
	case "opportunity":
		if tool == ToolOpportunities {
			f.ID = req.TargetEntityID
		}
	case "account":
		switch tool {
		case ToolAccounts:
			f.ID = req.TargetEntityID
		case ToolOpportunities, ToolContacts, ToolAccountSignals:
			f.AccountID = req.TargetEntityID
		}
	case "lead":
		if tool == ToolLeads {
			f.ID = req.TargetEntityID
		}
	case "contact":
		if tool == ToolContacts {
			f.ID = req.TargetEntityID
		}
	}
	return f
}

func (b *Builder) fetch(ctx context.Context, p crm.Provider, external bool, tool string, req Request) (*Section, []crm.AccountSignal, error) {
	f := b.filters(tool, req)

	if ext, ok := p.(crm.ExternalProvider); ok && external {
		if object, ok := externalObjects[tool]; ok {
			sec, err := b.fetchExternal(ctx, ext, tool, object, req.UserID, f)
			return sec, nil, err
		}
	}

	switch tool {
	case ToolOpportunities:
		res, err := p.GetOpportunities(ctx, req.UserID, f)
		if err != nil {
			return nil, nil, err
		}
		return jsonSection(tool, res.Items, res.TotalCount), nil, nil
	case ToolAccounts:
		res, err := p.GetAccounts(ctx, req.UserID, f)
		if err != nil {
			return nil, nil, err
		}
		return jsonSection(tool, res.Items, res.TotalCount), nil, nil
	case ToolContacts:
		res, err := p.GetContacts(ctx, req.UserID, f)
		if err != nil {
			return nil, nil, err
		}
		return jsonSection(tool, res.Items, res.TotalCount), nil, nil
	case ToolLeads:
		res, err := p.GetLeads(ctx, req.UserID, f)
		if err != nil {
			return nil, nil, err
		}
		return jsonSection(tool, res.Items, res.TotalCount), nil, nil
	case ToolActivities:
		if req.TargetEntityID == "" {
			return nil, nil, nil
		}
		res, err := p.GetActivities(ctx, req.UserID, req.TargetEntityID, req.TargetEntityType, f)
		if err != nil {
			return nil, nil, err
		}
		return jsonSection(tool, res.Items, res.TotalCount), nil, nil
	case ToolAccountSignals:
		src, ok := p.(crm.SignalSource)
		if !ok {
			return nil, nil, nil
		}
		res, err := src.GetAccountSignals(ctx, req.UserID, f)
		if err != nil {
			return nil, nil, err
		}
		return signalSection(res), res.Items, nil
	}
	return nil, nil, fmt.Errorf("unknown tool %q", tool)
}

// fetchExternal discovers the object's fields before querying them.
func (b *Builder) fetchExternal(ctx context.Context, p crm.ExternalProvider, tool, object, userID string, f crm.Filters) (*Section, error) {
	schema, err := p.Describe(ctx, userID, object)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", object, err)
	}
	fields := make([]string, 0, len(schema.Fields))
	for _, fi := range schema.Fields {
		fields = append(fields, fi.Name)
	}
	res, err := p.Query(ctx, userID, object, fields, f)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", object, err)
	}
	return jsonSection(tool, res.Items, res.TotalCount), nil
}

func jsonSection[T any](tool string, items []T, total int) *Section {
	var b strings.Builder
	for _, it := range items {
		line, err := json.Marshal(it)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return &Section{Tool: tool, Title: sectionTitles[tool], Count: len(items), Total: total, Body: b.String()}
}

func signalSection(res *crm.ListResult[crm.AccountSignal]) *Section {
	var b strings.Builder
	for _, s := range res.Items {
		fmt.Fprintf(&b, "[%s] %s (%s, confidence %.2f, account %s)\n", s.Strength(), s.Title, s.Type, s.Confidence, s.AccountID)
	}
	return &Section{
		Tool: ToolAccountSignals, Title: sectionTitles[ToolAccountSignals],
		Count: len(res.Items), Total: res.TotalCount, Body: b.String(),
	}
}
