// Package audit records the append-only trace of one execution. Every entry
// is persisted, mirrored to the process log and published to live tails.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/pkg/models"
)

// Trail appends entries for a single execution in the order they are
// written. Persistence failures are logged and remembered, never returned
// to the caller mid-phase.
type Trail struct {
	store       store.ExecutionLogStore
	hub         *Hub
	executionID string
	agentID     string
	now         func() time.Time

	mu     sync.Mutex
	seq    int
	err    error
	closed bool
}

// NewTrail starts a trail. hub may be nil.
func NewTrail(s store.ExecutionLogStore, hub *Hub, executionID, agentID string) *Trail {
	return &Trail{
		store:       s,
		hub:         hub,
		executionID: executionID,
		agentID:     agentID,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Log appends one entry.
func (t *Trail) Log(ctx context.Context, level models.LogLevel, category models.LogCategory, msg string, data map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.seq++
	entry := models.ExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: t.executionID,
		Seq:         t.seq,
		Timestamp:   t.now(),
		Level:       level,
		Category:    category,
		Message:     msg,
		Data:        data,
	}

	if err := t.store.AppendExecutionLog(ctx, &entry); err != nil {
		if t.err == nil {
			t.err = err
		}
		log.Error().Err(err).Str("execution_id", t.executionID).Msg("Failed to persist execution log")
	}

	log.WithLevel(zerologLevel(level)).
		Str("execution_id", t.executionID).
		Str("agent", t.agentID).
		Str("category", string(category)).
		Fields(data).
		Msg(msg)

	if t.hub != nil {
		t.hub.Publish(entry)
	}
}

func (t *Trail) Debug(ctx context.Context, c models.LogCategory, msg string, data map[string]interface{}) {
	t.Log(ctx, models.LevelDebug, c, msg, data)
}

func (t *Trail) Info(ctx context.Context, c models.LogCategory, msg string, data map[string]interface{}) {
	t.Log(ctx, models.LevelInfo, c, msg, data)
}

func (t *Trail) Warn(ctx context.Context, c models.LogCategory, msg string, data map[string]interface{}) {
	t.Log(ctx, models.LevelWarn, c, msg, data)
}

func (t *Trail) Error(ctx context.Context, c models.LogCategory, msg string, data map[string]interface{}) {
	t.Log(ctx, models.LevelError, c, msg, data)
}

// Err returns the first persistence error, if any.
func (t *Trail) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close ends the live stream. Later entries are dropped.
func (t *Trail) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.hub != nil {
		t.hub.Finish(t.executionID)
	}
}

func zerologLevel(l models.LogLevel) zerolog.Level {
	switch l {
	case models.LevelDebug:
		return zerolog.DebugLevel
	case models.LevelWarn:
		return zerolog.WarnLevel
	case models.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
