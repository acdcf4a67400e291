package contextbuilder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/pkg/models"
)

// flakyProvider fails contact fetches and describe calls.
type flakyProvider struct {
	*crm.MemoryProvider
}

func (f flakyProvider) GetContacts(context.Context, string, crm.Filters) (*crm.ListResult[crm.Contact], error) {
	return nil, errors.New("contacts API timed out")
}

func (f flakyProvider) Describe(_ context.Context, _ string, object string) (*crm.ObjectSchema, error) {
	if object == "contact" {
		return nil, errors.New("describe denied")
	}
	return f.MemoryProvider.Describe(context.Background(), "", object)
}

func seeded(name string) *crm.MemoryProvider {
	p := crm.NewMemoryProvider(name)
	p.AddOpportunities(
		crm.Opportunity{ID: "opp-1", Name: "Acme renewal", AccountID: "acc-1", Stage: "Negotiation", Amount: 50000},
		crm.Opportunity{ID: "opp-2", Name: "Globex upsell", AccountID: "acc-2", Stage: "Discovery", Amount: 12000},
	)
	p.AddAccounts(crm.Account{ID: "acc-1", Name: "Acme"})
	p.AddContacts(crm.Contact{ID: "c-1", AccountID: "acc-1", FirstName: "Ada", LastName: "Lovelace"})
	p.AddSignals(crm.AccountSignal{ID: "s-1", AccountID: "acc-1", Type: "FUNDING", Title: "Series C raised", Confidence: 0.85, DetectedAt: time.Now()})
	return p
}

func agent(tools ...string) *models.AgentDefinition {
	return &models.AgentDefinition{ID: "a1", EnabledTools: tools}
}

func TestSelectSource_ProbeOrder(t *testing.T) {
	local := seeded(crm.LocalName)
	sf := seeded("salesforce")
	reg := crm.NewRegistry(local)
	reg.Register(sf)
	b := New(reg, 10)
	ctx := context.Background()

	a := agent()
	a.UseExternalCRM = true
	a.ExternalProvider = "salesforce"

	p, err := b.SelectSource(ctx, Request{Agent: a, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "salesforce", p.Name())

	sf.SetConnected("u1", false)
	p, err = b.SelectSource(ctx, Request{Agent: a, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, crm.LocalName, p.Name(), "disconnected provider falls back to local")

	sf.SetConnected("u1", true)
	off := false
	p, err = b.SelectSource(ctx, Request{Agent: a, UserID: "u1", UseExternal: &off})
	require.NoError(t, err)
	assert.Equal(t, crm.LocalName, p.Name(), "runtime override wins over agent default")

	on := true
	p, err = b.SelectSource(ctx, Request{Agent: agent(), UserID: "u1", UseExternal: &on, Provider: "salesforce"})
	require.NoError(t, err)
	assert.Equal(t, "salesforce", p.Name())
}

func TestSelectSource_NoSource(t *testing.T) {
	local := crm.NewMemoryProvider(crm.LocalName)
	local.SetConnected("u1", false)
	_, err := New(crm.NewRegistry(local), 10).SelectSource(context.Background(), Request{Agent: agent(), UserID: "u1"})
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestBuild_ToolDrivenSectionsInOrder(t *testing.T) {
	b := New(crm.NewRegistry(seeded(crm.LocalName)), 10)
	c, err := b.Build(context.Background(), Request{
		Agent:  agent(ToolAccountSignals, ToolOpportunities),
		UserID: "u1",
	})
	require.NoError(t, err)
	require.Len(t, c.Sections, 2)
	assert.Equal(t, ToolOpportunities, c.Sections[0].Tool)
	assert.Equal(t, ToolAccountSignals, c.Sections[1].Tool)
	assert.Equal(t, 2, c.Sections[0].Count)
	assert.Contains(t, c.Text(), "[STRONG] Series C raised")
	assert.NotContains(t, c.Text(), "Accounts", "tools not enabled are not fetched")
	require.Len(t, c.Signals, 1)
	assert.Equal(t, models.SignalStrong, c.Signals[0].Strength())
}

func TestBuild_TargetNarrowsSection(t *testing.T) {
	b := New(crm.NewRegistry(seeded(crm.LocalName)), 10)
	c, err := b.Build(context.Background(), Request{
		Agent: agent(ToolOpportunities), UserID: "u1",
		TargetEntityType: "opportunity", TargetEntityID: "opp-2",
	})
	require.NoError(t, err)
	require.Len(t, c.Sections, 1)
	assert.Equal(t, 1, c.Sections[0].Count)
	assert.Contains(t, c.Sections[0].Body, "Globex upsell")
}

func TestBuild_FailedSectionOmitted(t *testing.T) {
	b := New(crm.NewRegistry(flakyProvider{seeded(crm.LocalName)}), 10)
	c, err := b.Build(context.Background(), Request{
		Agent: agent(ToolOpportunities, ToolContacts, ToolAccounts), UserID: "u1",
	})
	require.NoError(t, err)
	assert.Len(t, c.Sections, 2)
	require.Len(t, c.Omitted, 1)
	assert.Equal(t, ToolContacts, c.Omitted[0].Tool)
	assert.Contains(t, c.Omitted[0].Error, "timed out")
}

func TestBuild_ExternalDescribeThenQuery(t *testing.T) {
	reg := crm.NewRegistry(seeded(crm.LocalName))
	reg.Register(flakyProvider{seeded("oracle_cx")})
	b := New(reg, 10)

	a := agent(ToolOpportunities, ToolContacts)
	a.UseExternalCRM = true
	a.ExternalProvider = "oracle_cx"

	c, err := b.Build(context.Background(), Request{Agent: a, UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, c.External)
	assert.Equal(t, "oracle_cx", c.Source)
	require.Len(t, c.Sections, 1)
	assert.Contains(t, c.Sections[0].Body, `"stage":"Negotiation"`)
	require.Len(t, c.Omitted, 1)
	assert.Contains(t, c.Omitted[0].Error, "describe contact")
}
