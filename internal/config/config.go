// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all recorder configuration.
type Config struct {
	// Storage settings.
	DataDir      string // Working directory for the recorder.
	DatabasePath string // SQLite file; defaults to <DataDir>/traces.db.

	// Judge settings: the resolved provider record consumed by the
	// LanguageJudge adapter. Credential files and dot-path lookups belong
	// to the frontend; only the resolved values arrive here.
	JudgeProvider string // "openai" or any OpenAI-compatible provider name.
	JudgeModel    string
	JudgeAPIKey   string
	JudgeBaseURL  string // optional override for compatible endpoints
	JudgeTimeout  time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	dataDir := envStr("AGENTREPLAY_DATA_DIR", ".agent-replay")
	cfg := Config{
		DataDir:       dataDir,
		DatabasePath:  envStr("AGENTREPLAY_DB_PATH", filepath.Join(dataDir, "traces.db")),
		JudgeProvider: envStr("AGENTREPLAY_JUDGE_PROVIDER", "openai"),
		JudgeModel:    envStr("AGENTREPLAY_JUDGE_MODEL", "gpt-4o-mini"),
		JudgeAPIKey:   envStr("OPENAI_API_KEY", ""),
		JudgeBaseURL:  envStr("AGENTREPLAY_JUDGE_BASE_URL", ""),
		JudgeTimeout:  envDuration("AGENTREPLAY_JUDGE_TIMEOUT", 60*time.Second),
		OTELEndpoint:  envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:   envStr("OTEL_SERVICE_NAME", "agentreplay"),
		LogLevel:      envStr("AGENTREPLAY_LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: AGENTREPLAY_DB_PATH is required")
	}
	if c.JudgeTimeout <= 0 {
		return fmt.Errorf("config: AGENTREPLAY_JUDGE_TIMEOUT must be positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
