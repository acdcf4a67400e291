// Package crm defines the CRM data provider surface the engine reads facts
// from and writes follow-up records to. Concrete connectors (local database,
// Salesforce, Oracle CX) implement Provider; the engine never talks to a CRM
// any other way.
package crm

import (
	"context"
	"time"

	"github.com/agentoven/crm-agents/pkg/models"
)

// LocalName is the registry name of the engine's own database provider.
const LocalName = "local"

// Filters narrows list operations. Zero values mean "no filter".
type Filters struct {
	ID           string     `json:"id,omitempty"`
	Stage        string     `json:"stage,omitempty"`
	Status       string     `json:"status,omitempty"`
	OwnerID      string     `json:"ownerId,omitempty"`
	AccountID    string     `json:"accountId,omitempty"`
	UpdatedSince *time.Time `json:"updatedSince,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// ListResult is the uniform shape of every list operation.
type ListResult[T any] struct {
	Items      []T  `json:"items"`
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
}

// ── Entities ────────────────────────────────────────────────

type Opportunity struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	AccountID      string     `json:"accountId,omitempty"`
	AccountName    string     `json:"accountName,omitempty"`
	Stage          string     `json:"stage"`
	Amount         float64    `json:"amount"`
	Probability    float64    `json:"probability"`
	CloseDate      *time.Time `json:"closeDate,omitempty"`
	OwnerID        string     `json:"ownerId,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type Account struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Industry      string    `json:"industry,omitempty"`
	Website       string    `json:"website,omitempty"`
	AnnualRevenue float64   `json:"annualRevenue,omitempty"`
	Employees     int       `json:"employees,omitempty"`
	OwnerID       string    `json:"ownerId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Contact struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId,omitempty"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Title     string    `json:"title,omitempty"`
	OwnerID   string    `json:"ownerId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Lead struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Company   string    `json:"company,omitempty"`
	Email     string    `json:"email,omitempty"`
	Status    string    `json:"status"`
	Source    string    `json:"source,omitempty"`
	Score     int       `json:"score"`
	OwnerID   string    `json:"ownerId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Activity struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"` // CALL, EMAIL, MEETING, TASK, NOTE
	Subject     string    `json:"subject"`
	Description string    `json:"description,omitempty"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// AccountSignal is an externally detected event about an account
// (funding round, leadership change, intent spike) with a confidence score.
type AccountSignal struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// Strength buckets the signal's confidence.
func (s AccountSignal) Strength() models.SignalStrength {
	return models.StrengthFor(s.Confidence)
}

// Record is a schemaless row returned by an external provider.
type Record map[string]interface{}

// ── Write Inputs ────────────────────────────────────────────

type TaskInput struct {
	Subject     string          `json:"subject"`
	Description string          `json:"description,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	EntityType  string          `json:"entityType,omitempty"`
	EntityID    string          `json:"entityId,omitempty"`
	AssigneeID  string          `json:"assigneeId,omitempty"`
}

type NoteInput struct {
	Title      string `json:"title,omitempty"`
	Body       string `json:"body"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
}

// ── Provider Interfaces ─────────────────────────────────────

// Provider is the CRM data provider contract.
type Provider interface {
	Name() string
	IsConnected(ctx context.Context, userID string) (bool, error)

	GetOpportunities(ctx context.Context, userID string, f Filters) (*ListResult[Opportunity], error)
	GetAccounts(ctx context.Context, userID string, f Filters) (*ListResult[Account], error)
	GetContacts(ctx context.Context, userID string, f Filters) (*ListResult[Contact], error)
	GetLeads(ctx context.Context, userID string, f Filters) (*ListResult[Lead], error)
	GetActivities(ctx context.Context, userID, entityID, entityType string, f Filters) (*ListResult[Activity], error)

	// CreateTask and CreateNote return the id of the created record.
	CreateTask(ctx context.Context, userID string, in TaskInput) (string, error)
	CreateNote(ctx context.Context, userID string, in NoteInput) (string, error)
}

// FieldInfo describes one field of an external object.
type FieldInfo struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Type  string `json:"type,omitempty"`
}

type ObjectSchema struct {
	Object string      `json:"object"`
	Fields []FieldInfo `json:"fields"`
}

// ExternalProvider is implemented by connectors whose field set varies per
// org. Callers describe an object first and query only the fields it has.
type ExternalProvider interface {
	Provider
	Describe(ctx context.Context, userID, object string) (*ObjectSchema, error)
	Query(ctx context.Context, userID, object string, fields []string, f Filters) (*ListResult[Record], error)
}

// SignalSource exposes account signals. Providers without signals simply
// don't implement it.
type SignalSource interface {
	GetAccountSignals(ctx context.Context, userID string, f Filters) (*ListResult[AccountSignal], error)
}

// RecordWriter applies a field update to a local record. External
// providers never receive synchronous writes; their mutations are queued.
type RecordWriter interface {
	UpdateRecord(ctx context.Context, userID, entityType, entityID string, fields map[string]interface{}) error
}
