package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Provider         = (*MemoryProvider)(nil)
	_ ExternalProvider = (*MemoryProvider)(nil)
	_ SignalSource     = (*MemoryProvider)(nil)
	_ RecordWriter     = (*MemoryProvider)(nil)
)

// MemoryProvider is an in-process CRM used for local development and
// tests. It can stand in for the local database or, under another name,
// for an external connector.
type MemoryProvider struct {
	name string

	mu            sync.RWMutex
	disconnected  map[string]bool // user id → not connected
	opportunities []Opportunity
	accounts      []Account
	contacts      []Contact
	leads         []Lead
	activities    []Activity
	signals       []AccountSignal
	tasks         []TaskInput
	notes         []NoteInput
	updates       []RecordUpdate
}

// RecordUpdate is one applied UpdateRecord call.
type RecordUpdate struct {
	EntityType string
	EntityID   string
	Fields     map[string]interface{}
}

// NewMemoryProvider creates an empty provider registered under name.
func NewMemoryProvider(name string) *MemoryProvider {
	return &MemoryProvider{name: name, disconnected: make(map[string]bool)}
}

func (m *MemoryProvider) Name() string { return m.name }

// SetConnected toggles the connection state reported for userID.
func (m *MemoryProvider) SetConnected(userID string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected[userID] = !connected
}

func (m *MemoryProvider) IsConnected(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.disconnected[userID], nil
}

// ── Seeding ─────────────────────────────────────────────────

func (m *MemoryProvider) AddOpportunities(items ...Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opportunities = append(m.opportunities, items...)
}

func (m *MemoryProvider) AddAccounts(items ...Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, items...)
}

func (m *MemoryProvider) AddContacts(items ...Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = append(m.contacts, items...)
}

func (m *MemoryProvider) AddLeads(items ...Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads = append(m.leads, items...)
}

func (m *MemoryProvider) AddActivities(items ...Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, items...)
}

func (m *MemoryProvider) AddSignals(items ...AccountSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, items...)
}

// Seed is the JSON layout accepted by LoadSeed.
type Seed struct {
	Opportunities []Opportunity   `json:"opportunities"`
	Accounts      []Account       `json:"accounts"`
	Contacts      []Contact       `json:"contacts"`
	Leads         []Lead          `json:"leads"`
	Activities    []Activity      `json:"activities"`
	Signals       []AccountSignal `json:"signals"`
}

// LoadSeed appends the records of a Seed document read from r.
func (m *MemoryProvider) LoadSeed(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode crm seed: %w", err)
	}
	m.AddOpportunities(seed.Opportunities...)
	m.AddAccounts(seed.Accounts...)
	m.AddContacts(seed.Contacts...)
	m.AddLeads(seed.Leads...)
	m.AddActivities(seed.Activities...)
	m.AddSignals(seed.Signals...)
	return nil
}

// Tasks returns every task created through the provider.
func (m *MemoryProvider) Tasks() []TaskInput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TaskInput(nil), m.tasks...)
}

// Notes returns every note created through the provider.
func (m *MemoryProvider) Notes() []NoteInput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]NoteInput(nil), m.notes...)
}

// Updates returns every record update applied through the provider.
func (m *MemoryProvider) Updates() []RecordUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordUpdate(nil), m.updates...)
}

// ── Reads ───────────────────────────────────────────────────

func page[T any](items []T, f Filters) *ListResult[T] {
	total := len(items)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < total {
		end = start + f.Limit
	}
	return &ListResult[T]{
		Items:      append([]T(nil), items[start:end]...),
		TotalCount: total,
		HasMore:    end < total,
	}
}

func match(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

func (m *MemoryProvider) GetOpportunities(_ context.Context, _ string, f Filters) (*ListResult[Opportunity], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Opportunity
	for _, o := range m.opportunities {
		if match(f.ID, o.ID) && match(f.Stage, o.Stage) && match(f.OwnerID, o.OwnerID) && match(f.AccountID, o.AccountID) {
			out = append(out, o)
		}
	}
	return page(out, f), nil
}

func (m *MemoryProvider) GetAccounts(_ context.Context, _ string, f Filters) (*ListResult[Account], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	for _, a := range m.accounts {
		if match(f.ID, a.ID) && match(f.OwnerID, a.OwnerID) && match(f.AccountID, a.ID) {
			out = append(out, a)
		}
	}
	return page(out, f), nil
}

func (m *MemoryProvider) GetContacts(_ context.Context, _ string, f Filters) (*ListResult[Contact], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Contact
	for _, c := range m.contacts {
		if match(f.ID, c.ID) && match(f.OwnerID, c.OwnerID) && match(f.AccountID, c.AccountID) {
			out = append(out, c)
		}
	}
	return page(out, f), nil
}

func (m *MemoryProvider) GetLeads(_ context.Context, _ string, f Filters) (*ListResult[Lead], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Lead
	for _, l := range m.leads {
		if match(f.ID, l.ID) && match(f.Status, l.Status) && match(f.OwnerID, l.OwnerID) {
			out = append(out, l)
		}
	}
	return page(out, f), nil
}

// GetActivities returns activities for one entity, newest first.
func (m *MemoryProvider) GetActivities(_ context.Context, _ string, entityID, entityType string, f Filters) (*ListResult[Activity], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Activity
	for _, a := range m.activities {
		if match(entityID, a.EntityID) && match(entityType, a.EntityType) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return page(out, f), nil
}

func (m *MemoryProvider) GetAccountSignals(_ context.Context, _ string, f Filters) (*ListResult[AccountSignal], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AccountSignal
	for _, s := range m.signals {
		if match(f.AccountID, s.AccountID) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return page(out, f), nil
}

// ── Writes ──────────────────────────────────────────────────

func (m *MemoryProvider) CreateTask(_ context.Context, _ string, in TaskInput) (string, error) {
	if strings.TrimSpace(in.Subject) == "" {
		return "", fmt.Errorf("crm: task subject is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, in)
	return uuid.New().String(), nil
}

func (m *MemoryProvider) CreateNote(_ context.Context, _ string, in NoteInput) (string, error) {
	if strings.TrimSpace(in.Body) == "" {
		return "", fmt.Errorf("crm: note body is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, in)
	return uuid.New().String(), nil
}

func (m *MemoryProvider) UpdateRecord(_ context.Context, _ string, entityType, entityID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch strings.ToLower(entityType) {
	case "opportunity":
		for i := range m.opportunities {
			if m.opportunities[i].ID == entityID {
				if v, ok := fields["stage"].(string); ok {
					m.opportunities[i].Stage = v
				}
				m.opportunities[i].UpdatedAt = time.Now().UTC()
				m.updates = append(m.updates, RecordUpdate{EntityType: entityType, EntityID: entityID, Fields: fields})
				return nil
			}
		}
	case "lead":
		for i := range m.leads {
			if m.leads[i].ID == entityID {
				if v, ok := fields["status"].(string); ok {
					m.leads[i].Status = v
				}
				m.leads[i].UpdatedAt = time.Now().UTC()
				m.updates = append(m.updates, RecordUpdate{EntityType: entityType, EntityID: entityID, Fields: fields})
				return nil
			}
		}
	case "account":
		for i := range m.accounts {
			if m.accounts[i].ID == entityID {
				m.accounts[i].UpdatedAt = time.Now().UTC()
				m.updates = append(m.updates, RecordUpdate{EntityType: entityType, EntityID: entityID, Fields: fields})
				return nil
			}
		}
	}
	return fmt.Errorf("crm: %s %s not found", entityType, entityID)
}

// ── Describe / Query ────────────────────────────────────────

func (m *MemoryProvider) rows(object string) ([]Record, error) {
	var src interface{}
	switch strings.ToLower(object) {
	case "opportunity":
		src = m.opportunities
	case "account":
		src = m.accounts
	case "contact":
		src = m.contacts
	case "lead":
		src = m.leads
	default:
		return nil, fmt.Errorf("crm: unknown object %q", object)
	}
	data, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var out []Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe lists the fields present on the object's records.
func (m *MemoryProvider) Describe(_ context.Context, _ string, object string) (*ObjectSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, err := m.rows(object)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, r := range rows {
		for k := range r {
			seen[k] = true
		}
	}
	schema := &ObjectSchema{Object: object}
	for k := range seen {
		schema.Fields = append(schema.Fields, FieldInfo{Name: k})
	}
	sort.Slice(schema.Fields, func(i, j int) bool { return schema.Fields[i].Name < schema.Fields[j].Name })
	return schema, nil
}

// Query returns records projected onto fields.
func (m *MemoryProvider) Query(_ context.Context, _ string, object string, fields []string, f Filters) (*ListResult[Record], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, err := m.rows(object)
	if err != nil {
		return nil, err
	}
	projected := make([]Record, 0, len(rows))
	for _, r := range rows {
		if id, _ := r["id"].(string); !match(f.ID, id) {
			continue
		}
		if acct, _ := r["accountId"].(string); !match(f.AccountID, acct) {
			continue
		}
		p := make(Record, len(fields))
		for _, k := range fields {
			if v, ok := r[k]; ok {
				p[k] = v
			}
		}
		projected = append(projected, p)
	}
	return page(projected, f), nil
}
