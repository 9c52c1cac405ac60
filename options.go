package agentreplay

import (
	"log/slog"

	"github.com/agentreplay/agentreplay/pkg/llm"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	dataDir      string
	databasePath string
	logger       *slog.Logger
	version      string
	judge        llm.Judge
	seedPolicies bool
}

// WithDataDir overrides the working directory from config
// (AGENTREPLAY_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithDatabasePath overrides the SQLite file path from config
// (AGENTREPLAY_DB_PATH env var).
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithJudge replaces the judge built from config. Use this to plug in a
// custom LanguageJudge implementation or a test fake.
func WithJudge(j llm.Judge) Option {
	return func(o *resolvedOptions) { o.judge = j }
}

// WithDefaultPolicies seeds the default guardrail policy set on startup when
// the policy table is empty.
func WithDefaultPolicies() Option {
	return func(o *resolvedOptions) { o.seedPolicies = true }
}
