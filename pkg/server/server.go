// Package server provides the public entry point for initializing the CRM
// agent engine.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start()
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/internal/actions"
	"github.com/agentoven/crm-agents/internal/agents"
	"github.com/agentoven/crm-agents/internal/api"
	"github.com/agentoven/crm-agents/internal/api/handlers"
	"github.com/agentoven/crm-agents/internal/audit"
	"github.com/agentoven/crm-agents/internal/config"
	"github.com/agentoven/crm-agents/internal/contextbuilder"
	"github.com/agentoven/crm-agents/internal/crm"
	"github.com/agentoven/crm-agents/internal/executor"
	"github.com/agentoven/crm-agents/internal/llm"
	"github.com/agentoven/crm-agents/internal/notify"
	"github.com/agentoven/crm-agents/internal/store"
	"github.com/agentoven/crm-agents/internal/telemetry"
	"github.com/agentoven/crm-agents/internal/trigger"
)

const (
	contextMaxItems   = 25
	hubEntriesPerExec = 500
	hubMaxFinished    = 200
)

// Server holds the initialized engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the engine's record store.
	Store store.Store

	// CRM is the provider registry. External connectors register here.
	CRM *crm.Registry

	// Dispatcher owns the cron schedule and event debounce timers.
	Dispatcher *trigger.Dispatcher

	// Notifier delivers engine events to notification channels.
	Notifier *notify.Service

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig builds every component from cfg and wires them together.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics := telemetry.NewMetrics()

	dataStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := dataStore.Migrate(ctx); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	local := crm.NewMemoryProvider(crm.LocalName)
	if cfg.CRM.SeedFile != "" {
		if err := seedLocalCRM(local, cfg.CRM.SeedFile); err != nil {
			dataStore.Close()
			return nil, err
		}
	}
	registry := crm.NewRegistry(local)

	notifier := notify.NewService(cfg.Notify)
	hub := audit.NewHub(hubEntriesPerExec, hubMaxFinished)
	processor := actions.NewProcessor(dataStore, registry, notifier, metrics)

	exec := executor.New(executor.Options{
		Store:    dataStore,
		Builder:  contextbuilder.New(registry, contextMaxItems),
		LLM:      llm.NewOpenAIClient(cfg.LLM),
		Actions:  processor,
		Notifier: notifier,
		Hub:      hub,
		Metrics:  metrics,
		Engine:   cfg.Engine,
		Model:    cfg.LLM.DefaultModel,
	})
	log.Info().Str("model", cfg.LLM.DefaultModel).Msg("✅ Agent executor initialized")

	dispatcher := trigger.NewDispatcher(exec, dataStore,
		time.Duration(cfg.Engine.DefaultDebounceMs)*time.Millisecond)
	if err := dispatcher.Reload(ctx); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("load triggers: %w", err)
	}

	agentSvc := agents.NewService(dataStore, func(ctx context.Context) {
		if err := dispatcher.Reload(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to reload triggers")
		}
	})

	h := handlers.New(dataStore, agentSvc, exec, processor, dispatcher, hub)

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        dataStore,
		CRM:          registry,
		Dispatcher:   dispatcher,
		Notifier:     notifier,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Start begins cron scheduling.
func (s *Server) Start() {
	s.Dispatcher.Start()
}

// Stop halts triggers, waits for in-flight runs and then drains queued
// notifications until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.Dispatcher.Stop(ctx); err != nil {
		return err
	}
	return s.Notifier.Close(ctx)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return pg, nil
	}
	mem := store.NewMemoryStore(cfg.DataDir)
	log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
	return mem, nil
}

func seedLocalCRM(p *crm.MemoryProvider, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open crm seed: %w", err)
	}
	defer f.Close()
	if err := p.LoadSeed(f); err != nil {
		return err
	}
	log.Info().Str("file", path).Msg("🌱 Local CRM seeded")
	return nil
}
