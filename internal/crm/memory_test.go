package crm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedDoc = `{
  "opportunities": [
    {"id": "opp-1", "name": "Acme renewal", "accountId": "acc-1", "stage": "Negotiation", "amount": 50000},
    {"id": "opp-2", "name": "Globex expansion", "accountId": "acc-2", "stage": "Discovery", "amount": 12000},
    {"id": "opp-3", "name": "Initech pilot", "accountId": "acc-1", "stage": "Negotiation", "amount": 8000}
  ],
  "accounts": [{"id": "acc-1", "name": "Acme"}, {"id": "acc-2", "name": "Globex"}],
  "leads": [{"id": "lead-1", "firstName": "Ada", "lastName": "Lovelace", "status": "New"}],
  "signals": [
    {"id": "s1", "accountId": "acc-1", "type": "FUNDING", "title": "Series C", "confidence": 0.4},
    {"id": "s2", "accountId": "acc-1", "type": "HIRING", "title": "New CRO", "confidence": 0.9}
  ]
}`

func seeded(t *testing.T) *MemoryProvider {
	t.Helper()
	m := NewMemoryProvider(LocalName)
	require.NoError(t, m.LoadSeed(strings.NewReader(seedDoc)))
	return m
}

func TestLoadSeed_RejectsMalformed(t *testing.T) {
	m := NewMemoryProvider(LocalName)
	assert.Error(t, m.LoadSeed(strings.NewReader("{not json")))
}

func TestGetOpportunities_FiltersAndPages(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	res, err := m.GetOpportunities(ctx, "u1", Filters{Stage: "negotiation"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)

	res, err = m.GetOpportunities(ctx, "u1", Filters{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 3, res.TotalCount)
	assert.True(t, res.HasMore)

	res, err = m.GetOpportunities(ctx, "u1", Filters{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "opp-3", res.Items[0].ID)
	assert.False(t, res.HasMore)
}

func TestGetAccountSignals_StrongestFirst(t *testing.T) {
	m := seeded(t)
	res, err := m.GetAccountSignals(context.Background(), "u1", Filters{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "s2", res.Items[0].ID)
	assert.EqualValues(t, "STRONG", res.Items[0].Strength())
	assert.EqualValues(t, "MODERATE", res.Items[1].Strength())
}

func TestUpdateRecord(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateRecord(ctx, "u1", "opportunity", "opp-2", map[string]interface{}{"stage": "Closed Won"}))
	res, err := m.GetOpportunities(ctx, "u1", Filters{ID: "opp-2"})
	require.NoError(t, err)
	assert.Equal(t, "Closed Won", res.Items[0].Stage)

	require.NoError(t, m.UpdateRecord(ctx, "u1", "lead", "lead-1", map[string]interface{}{"status": "Qualified"}))
	assert.Len(t, m.Updates(), 2)

	assert.Error(t, m.UpdateRecord(ctx, "u1", "opportunity", "missing", nil))
}

func TestDescribeThenQuery(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	schema, err := m.Describe(ctx, "u1", "opportunity")
	require.NoError(t, err)
	var names []string
	for _, f := range schema.Fields {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "stage")
	assert.Contains(t, names, "amount")

	res, err := m.Query(ctx, "u1", "opportunity", []string{"id", "stage"}, Filters{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, Record{"id": "opp-1", "stage": "Negotiation"}, res.Items[0])

	_, err = m.Describe(ctx, "u1", "spaceship")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	local := NewMemoryProvider(LocalName)
	reg := NewRegistry(local)
	reg.Register(NewMemoryProvider("salesforce"))

	assert.Equal(t, []string{"local", "salesforce"}, reg.Names())
	p, ok := reg.Get("salesforce")
	require.True(t, ok)
	assert.Equal(t, "salesforce", p.Name())
	_, ok = reg.Get("hubspot")
	assert.False(t, ok)
	assert.Same(t, local, reg.Local())
}
