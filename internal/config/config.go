package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/crm-agents/pkg/models"
)

// Config holds all configuration for the CRM agent engine.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	LogFormat string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	LLM       LLMConfig
	Engine    EngineConfig
	Notify    NotifyConfig
	CRM       CRMConfig
}

type DatabaseConfig struct {
	// URL selects PostgreSQL when set; otherwise the in-memory store is used.
	URL            string
	MaxConnections int
	DataDir        string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	// MetricsEndpoint is the OTLP/HTTP collector for metrics. Empty disables metrics export.
	MetricsEndpoint string
	ServiceName     string
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	TimeoutSec   int
}

// EngineConfig carries engine-wide defaults applied when an agent leaves a
// limit unset.
type EngineConfig struct {
	Limits            models.ResourceLimits
	CostInputPer1K    float64
	CostOutputPer1K   float64
	DefaultDebounceMs int
}

type CRMConfig struct {
	// SeedFile is a JSON document of records loaded into the local CRM at startup.
	SeedFile string
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	return &Config{
		Port:      envInt("CRMAGENTS_PORT", 8080),
		Version:   envStr("CRMAGENTS_VERSION", "0.1.0"),
		LogLevel:  envStr("CRMAGENTS_LOG_LEVEL", "info"),
		LogFormat: envStr("CRMAGENTS_LOG_FORMAT", "console"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			DataDir:        envStr("CRMAGENTS_DATA_DIR", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:         envBool("OTEL_ENABLED", false),
			OTLPEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			MetricsEndpoint: envStr("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", ""),
			ServiceName:     envStr("OTEL_SERVICE_NAME", "crm-agents"),
		},
		LLM: LLMConfig{
			BaseURL:      envStr("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:       envStr("LLM_API_KEY", ""),
			DefaultModel: envStr("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			TimeoutSec:   envInt("LLM_TIMEOUT_SECONDS", 120),
		},
		Engine: EngineConfig{
			Limits: models.ResourceLimits{
				MaxExecutionTimeMs:     envInt("AGENT_MAX_EXECUTION_MS", 60000),
				MaxLLMCalls:            envInt("AGENT_MAX_LLM_CALLS", 10),
				MaxAlertsPerExecution:  envInt("AGENT_MAX_ALERTS", 25),
				MaxActionsPerExecution: envInt("AGENT_MAX_ACTIONS", 25),
			},
			CostInputPer1K:    envFloat("LLM_COST_INPUT_PER_1K", 0.003),
			CostOutputPer1K:   envFloat("LLM_COST_OUTPUT_PER_1K", 0.015),
			DefaultDebounceMs: envInt("TRIGGER_DEFAULT_DEBOUNCE_MS", 5000),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("NOTIFY_WEBHOOK_SECRET", ""),
		},
		CRM: CRMConfig{
			SeedFile: envStr("CRM_SEED_FILE", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
