// Package agents manages agent definitions: creation with a unique slug,
// owner-only edits, publishing immutable versions, enable/disable and
// deletion.
package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/internal/trigger"
	"github.com/agentoven/crm-agents/pkg/models"
)

var (
	// ErrForbidden is returned when a non-owner modifies an agent.
	ErrForbidden = errors.New("agents: only the owner may modify this agent")
	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("agents: invalid agent definition")
)

const maxSlugAttempts = 100

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "agent"
	}
	return s
}

// Service applies agent lifecycle rules on top of the agent store.
type Service struct {
	store    store.AgentStore
	onChange func(ctx context.Context)
	now      func() time.Time
}

// NewService creates the service. onChange, when set, runs after every
// change that can affect triggers.
func NewService(s store.AgentStore, onChange func(ctx context.Context)) *Service {
	return &Service{
		store:    s,
		onChange: onChange,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) changed(ctx context.Context) {
	if s.onChange != nil {
		s.onChange(ctx)
	}
}

func (s *Service) List(ctx context.Context) ([]models.AgentDefinition, error) {
	return s.store.ListAgents(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*models.AgentDefinition, error) {
	return s.store.GetAgent(ctx, id)
}

func (s *Service) Versions(ctx context.Context, id string) ([]models.AgentVersion, error) {
	if _, err := s.store.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAgentVersions(ctx, id)
}

// ── Create ──────────────────────────────────────────────────

// Create stores a new draft agent owned by ownerID together with its
// initial version snapshot.
func (s *Service) Create(ctx context.Context, ownerID string, in *models.AgentDefinition) (*models.AgentDefinition, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	now := s.now()
	agent := *in
	agent.ID = uuid.New().String()
	agent.OwnerID = ownerID
	agent.Version = models.DefaultAgentVersion
	agent.IsDraft = true
	agent.IsPublished = false
	agent.RunCount, agent.SuccessCount, agent.FailureCount = 0, 0, 0
	agent.LastRunAt = nil
	agent.CreatedAt = now
	agent.UpdatedAt = now

	base := Slugify(agent.Name)
	if in.Slug != "" {
		base = Slugify(in.Slug)
	}
	var err error
	for i := 1; i <= maxSlugAttempts; i++ {
		agent.Slug = base
		if i > 1 {
			agent.Slug = base + "-" + strconv.Itoa(i)
		}
		if err = s.store.CreateAgent(ctx, &agent); !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	if err := s.snapshot(ctx, &agent, ownerID, "Initial version"); err != nil {
		return nil, err
	}
	log.Info().Str("agent", agent.ID).Str("slug", agent.Slug).Str("owner", ownerID).Msg("🤖 Agent created")
	s.changed(ctx)
	return &agent, nil
}

// ── Update ──────────────────────────────────────────────────

// Update replaces the editable configuration of an agent. Identity,
// ownership, version, lifecycle flags and counters are kept.
func (s *Service) Update(ctx context.Context, userID, id string, in *models.AgentDefinition) (*models.AgentDefinition, error) {
	agent, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := validate(in); err != nil {
		return nil, err
	}

	agent.Name = in.Name
	agent.Description = in.Description
	agent.SystemPrompt = in.SystemPrompt
	agent.AnalysisPrompt = in.AnalysisPrompt
	agent.OutputFormat = in.OutputFormat
	agent.Model = in.Model
	agent.Temperature = in.Temperature
	agent.MaxTokens = in.MaxTokens
	agent.EnabledTools = in.EnabledTools
	agent.Trigger = in.Trigger
	agent.TargetEntityTypes = in.TargetEntityTypes
	agent.AlertTypes = in.AlertTypes
	agent.RequiresApproval = in.RequiresApproval
	agent.Limits = in.Limits
	agent.UseExternalCRM = in.UseExternalCRM
	agent.ExternalProvider = in.ExternalProvider
	agent.UpdatedAt = s.now()

	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	s.changed(ctx)
	return agent, nil
}

// Publish bumps the patch version and records an immutable snapshot.
// A published agent is no longer a draft and is enabled.
func (s *Service) Publish(ctx context.Context, userID, id, notes string) (*models.AgentDefinition, error) {
	agent, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	agent.Version = models.BumpPatch(agent.Version)
	agent.IsDraft = false
	agent.IsPublished = true
	agent.IsEnabled = true
	agent.UpdatedAt = s.now()

	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if notes == "" {
		notes = "Published " + agent.Version
	}
	if err := s.snapshot(ctx, agent, userID, notes); err != nil {
		return nil, err
	}
	log.Info().Str("agent", agent.ID).Str("version", agent.Version).Msg("📦 Agent published")
	s.changed(ctx)
	return agent, nil
}

// SetEnabled toggles whether triggers run the agent.
func (s *Service) SetEnabled(ctx context.Context, userID, id string, enabled bool) (*models.AgentDefinition, error) {
	agent, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	agent.IsEnabled = enabled
	agent.UpdatedAt = s.now()
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	s.changed(ctx)
	return agent, nil
}

// Delete removes an agent. The store refuses while a run is in progress.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	log.Info().Str("agent", id).Msg("Agent deleted")
	s.changed(ctx)
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func (s *Service) owned(ctx context.Context, userID, id string) (*models.AgentDefinition, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.OwnerID != userID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return agent, nil
}

func (s *Service) snapshot(ctx context.Context, agent *models.AgentDefinition, by, notes string) error {
	v := &models.AgentVersion{
		ID:          uuid.New().String(),
		AgentID:     agent.ID,
		Version:     agent.Version,
		Snapshot:    *agent,
		ChangeNotes: notes,
		CreatedBy:   by,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateAgentVersion(ctx, v); err != nil {
		return fmt.Errorf("create agent version: %w", err)
	}
	return nil
}

func validate(a *models.AgentDefinition) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if a.Trigger.Cron != "" {
		if err := trigger.ValidateCron(a.Trigger.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for _, ev := range a.Trigger.Events {
		if ev.Event == "" {
			return fmt.Errorf("%w: event subscription needs a name", ErrInvalid)
		}
		if ev.DebounceMs < 0 {
			return fmt.Errorf("%w: debounceMs must not be negative", ErrInvalid)
		}
		if strings.TrimSpace(ev.Condition) != "" {
			if _, err := trigger.CompileCondition(ev.Condition); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	}
	l := a.Limits
	if l.MaxExecutionTimeMs < 0 || l.MaxLLMCalls < 0 || l.MaxAlertsPerExecution < 0 || l.MaxActionsPerExecution < 0 {
		return fmt.Errorf("%w: limits must be positive", ErrInvalid)
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalid)
	}
	if a.UseExternalCRM && a.ExternalProvider == "" {
		return fmt.Errorf("%w: externalProvider is required when useExternalCrm is set", ErrInvalid)
	}
	return nil
}
