package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents     map[string]*models.AgentDefinition       `json:"agents"`
	Versions   map[string][]*models.AgentVersion        `json:"versions"` // key: agent id
	Executions map[string]*models.Execution             `json:"executions"`
	Logs       map[string][]*models.ExecutionLog        `json:"logs"` // key: execution id
	Alerts     map[string]*models.Alert                 `json:"alerts"`
	Actions    map[string]*models.Action                `json:"actions"`
	Pending    map[string]*models.PendingExternalAction `json:"pending"`
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. It backs the engine
// when PostgreSQL is not configured; with a data directory it snapshots to
// disk so records survive restarts.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*models.AgentDefinition
	versions   map[string][]*models.AgentVersion
	executions map[string]*models.Execution
	logs       map[string][]*models.ExecutionLog
	alerts     map[string]*models.Alert
	actions    map[string]*models.Action
	pending    map[string]*models.PendingExternalAction

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty,
// data is persisted to dataDir/data.json and reloaded on startup.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		agents:     make(map[string]*models.AgentDefinition),
		versions:   make(map[string][]*models.AgentVersion),
		executions: make(map[string]*models.Execution),
		logs:       make(map[string][]*models.ExecutionLog),
		alerts:     make(map[string]*models.Alert),
		actions:    make(map[string]*models.Action),
		pending:    make(map[string]*models.PendingExternalAction),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Agents:     m.agents,
		Versions:   m.versions,
		Executions: m.executions,
		Logs:       m.logs,
		Alerts:     m.alerts,
		Actions:    m.actions,
		Pending:    m.pending,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Versions != nil {
		m.versions = snap.Versions
	}
	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Logs != nil {
		m.logs = snap.Logs
	}
	if snap.Alerts != nil {
		m.alerts = snap.Alerts
	}
	if snap.Actions != nil {
		m.actions = snap.Actions
	}
	if snap.Pending != nil {
		m.pending = snap.Pending
	}

	// A process that died mid-run leaves RUNNING executions behind.
	orphaned := 0
	now := time.Now().UTC()
	for _, e := range m.executions {
		if e.Status == models.ExecutionRunning {
			_ = e.Finish(models.ExecutionFailed, now)
			e.ErrorMessage = "process restarted before execution finished"
			orphaned++
		}
	}

	log.Info().
		Int("agents", len(m.agents)).
		Int("executions", len(m.executions)).
		Int("alerts", len(m.alerts)).
		Int("orphaned_executions", orphaned).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.AgentDefinition, 0, len(m.agents))
	for _, a := range m.agents {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	copy := *a
	return &copy, nil
}

func (m *MemoryStore) GetAgentBySlug(_ context.Context, slug string) (*models.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Slug == slug {
			copy := *a
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent", Key: slug}
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.AgentDefinition) error {
	m.mu.Lock()
	for _, a := range m.agents {
		if a.Slug == agent.Slug {
			m.mu.Unlock()
			return ErrConflict
		}
	}
	copy := *agent
	m.agents[agent.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.AgentDefinition) error {
	m.mu.Lock()
	current, ok := m.agents[agent.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	carryRunCounters(agent, current)
	copy := *agent
	m.agents[agent.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.agents[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	for _, e := range m.executions {
		if e.AgentID == id && e.Status == models.ExecutionRunning {
			m.mu.Unlock()
			return ErrAgentInUse
		}
	}
	delete(m.agents, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) RecordAgentRun(_ context.Context, id string, success bool, at time.Time) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	a.RunCount++
	if success {
		a.SuccessCount++
	} else {
		a.FailureCount++
	}
	a.LastRunAt = &at
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// CreateAgentVersion appends to the agent's version history. Versions must
// increase monotonically.
func (m *MemoryStore) CreateAgentVersion(_ context.Context, v *models.AgentVersion) error {
	m.mu.Lock()
	history := m.versions[v.AgentID]
	if n := len(history); n > 0 && models.CompareSemver(v.Version, history[n-1].Version) <= 0 {
		m.mu.Unlock()
		return ErrConflict
	}
	copy := *v
	m.versions[v.AgentID] = append(history, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ListAgentVersions returns all historical versions of an agent (oldest first).
func (m *MemoryStore) ListAgentVersions(_ context.Context, agentID string) ([]models.AgentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[agentID]
	result := make([]models.AgentVersion, len(versions))
	for i, v := range versions {
		result[i] = *v
	}
	return result, nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) CreateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	copy := *exec
	m.executions[exec.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	existing, ok := m.executions[exec.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "execution", Key: exec.ID}
	}
	if existing.Status.IsTerminal() {
		m.mu.Unlock()
		return ErrImmutable
	}
	copy := *exec
	m.executions[exec.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	copy := *e
	return &copy, nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Execution
	for _, e := range m.executions {
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit := limitOr(filter.Limit, 100); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Execution Log Store ─────────────────────────────────────

func (m *MemoryStore) AppendExecutionLog(_ context.Context, entry *models.ExecutionLog) error {
	m.mu.Lock()
	copy := *entry
	m.logs[entry.ExecutionID] = append(m.logs[entry.ExecutionID], &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListExecutionLogs(_ context.Context, executionID string) ([]models.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[executionID]
	result := make([]models.ExecutionLog, len(entries))
	for i, e := range entries {
		result[i] = *e
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// ── Alert Store ─────────────────────────────────────────────

func cloneAlert(a *models.Alert) *models.Alert {
	copy := *a
	copy.SuggestedActions = append([]models.SuggestedAction(nil), a.SuggestedActions...)
	return &copy
}

func (m *MemoryStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	m.alerts[alert.ID] = cloneAlert(alert)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "alert", Key: id}
	}
	return cloneAlert(a), nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	if _, ok := m.alerts[alert.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "alert", Key: alert.ID}
	}
	m.alerts[alert.ID] = cloneAlert(alert)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Alert
	for _, a := range m.alerts {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		if filter.ExecutionID != "" && a.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		result = append(result, *cloneAlert(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit := limitOr(filter.Limit, 100); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Action Store ────────────────────────────────────────────

func cloneAction(a *models.Action) *models.Action {
	copy := *a
	copy.History = append([]models.ActionTransition(nil), a.History...)
	return &copy
}

func (m *MemoryStore) CreateAction(_ context.Context, action *models.Action) error {
	m.mu.Lock()
	m.actions[action.ID] = cloneAction(action)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAction(_ context.Context, id string) (*models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	return cloneAction(a), nil
}

func (m *MemoryStore) UpdateAction(_ context.Context, action *models.Action) error {
	m.mu.Lock()
	if _, ok := m.actions[action.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "action", Key: action.ID}
	}
	m.actions[action.ID] = cloneAction(action)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListActions(_ context.Context, filter ActionFilter) ([]models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Action
	for _, a := range m.actions {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		if filter.ExecutionID != "" && a.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		result = append(result, *cloneAction(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit := limitOr(filter.Limit, 100); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Pending External Action Store ───────────────────────────

func (m *MemoryStore) EnqueuePendingAction(_ context.Context, pa *models.PendingExternalAction) error {
	m.mu.Lock()
	copy := *pa
	m.pending[pa.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPendingAction(_ context.Context, id string) (*models.PendingExternalAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pa, ok := m.pending[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "pending action", Key: id}
	}
	copy := *pa
	return &copy, nil
}

func (m *MemoryStore) UpdatePendingAction(_ context.Context, pa *models.PendingExternalAction) error {
	m.mu.Lock()
	if _, ok := m.pending[pa.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "pending action", Key: pa.ID}
	}
	copy := *pa
	m.pending[pa.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPendingActions(_ context.Context, provider string, status models.ActionStatus, limit int) ([]models.PendingExternalAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.PendingExternalAction
	for _, pa := range m.pending {
		if provider != "" && pa.Provider != provider {
			continue
		}
		if status != "" && pa.Status != status {
			continue
		}
		result = append(result, *pa)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit = limitOr(limit, 100); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
