// Package storage provides the embedded SQLite storage layer for agentreplay.
//
// It owns the schema and its version ledger, opens the database in WAL mode
// with foreign keys enforced, and is the sole writer of durable state. All
// multi-row writes run inside a single transaction via DoTx; other components
// compose on top of the read and write methods defined here.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/agentreplay/agentreplay/internal/telemetry"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// schemaVersion is the latest schema this build knows how to apply.
// Upgrades append a migration path in runMigrations and bump this constant.
const schemaVersion = 1

// timeLayout is the stored timestamp format. Fixed fractional width keeps
// lexicographic ordering aligned with chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store wraps the SQLite handle. SQLite permits one writer at a time; WAL
// journaling allows concurrent readers. The single-connection pool makes the
// database's own write serialisation the concurrency contract.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	tracesIngested metric.Int64Counter
	stepsAppended  metric.Int64Counter
	evalsCreated   metric.Int64Counter
}

// Open ensures the parent directory exists, opens the database, applies
// pragmas, and runs any pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// A single connection serialises writes and keeps in-transaction reads
	// on the same snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	meter := telemetry.Meter("agentreplay/storage")
	s.tracesIngested, _ = meter.Int64Counter("agentreplay.traces.ingested")
	s.stepsAppended, _ = meter.Int64Counter("agentreplay.steps.appended")
	s.evalsCreated, _ = meter.Int64Counter("agentreplay.evals.created")

	return s, nil
}

// DB returns the underlying handle for use by tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("storage: set pragma %q: %w", q, err)
		}
	}
	return nil
}

// runMigrations applies any schema gap between the recorded version and
// schemaVersion. Forward-only; each version runs inside one transaction.
func (s *Store) runMigrations(ctx context.Context) error {
	return s.DoTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL
			);
		`); err != nil {
			return fmt.Errorf("storage: create schema_version: %w", err)
		}

		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM schema_version;`,
		).Scan(&current); err != nil {
			return fmt.Errorf("storage: read schema version: %w", err)
		}
		if current > schemaVersion {
			return fmt.Errorf("storage: database schema version %d is newer than supported %d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			if err := applyMigration(ctx, tx, v); err != nil {
				return fmt.Errorf("storage: apply migration v%d: %w", v, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?);`,
				v, formatTime(time.Now()),
			); err != nil {
				return fmt.Errorf("storage: record migration v%d: %w", v, err)
			}
			s.logger.Info("storage: migration applied", "version", v)
		}
		return nil
	})
}

func applyMigration(ctx context.Context, tx *sql.Tx, version int) error {
	switch version {
	case 1:
		return applySchemaV1(ctx, tx)
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

func applySchemaV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_traces (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			agent_version TEXT,
			"trigger" TEXT NOT NULL DEFAULT 'manual'
				CHECK ("trigger" IN ('manual', 'user_message', 'cron', 'webhook', 'api', 'event')),
			status TEXT NOT NULL DEFAULT 'running'
				CHECK (status IN ('running', 'completed', 'failed', 'timeout')),
			input TEXT NOT NULL DEFAULT '{}',
			output TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			total_duration_ms INTEGER,
			total_tokens INTEGER,
			total_cost_usd REAL,
			error TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			parent_trace_id TEXT REFERENCES agent_traces(id) ON DELETE SET NULL,
			forked_from_step INTEGER,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_trace_steps (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL REFERENCES agent_traces(id) ON DELETE CASCADE,
			step_number INTEGER NOT NULL CHECK (step_number > 0),
			step_type TEXT NOT NULL
				CHECK (step_type IN ('thought', 'tool_call', 'llm_call', 'retrieval', 'output', 'decision', 'error', 'guard_check')),
			name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			output TEXT,
			started_at TEXT,
			ended_at TEXT,
			duration_ms INTEGER,
			tokens_used INTEGER,
			model TEXT,
			error TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			UNIQUE (trace_id, step_number)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_trace_snapshots (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL UNIQUE REFERENCES agent_trace_steps(id) ON DELETE CASCADE,
			context_window TEXT NOT NULL DEFAULT '{}',
			environment TEXT NOT NULL DEFAULT '{}',
			tool_state TEXT NOT NULL DEFAULT '{}',
			token_count INTEGER NOT NULL DEFAULT 0 CHECK (token_count >= 0)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_trace_evals (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL REFERENCES agent_traces(id) ON DELETE CASCADE,
			evaluator_type TEXT NOT NULL
				CHECK (evaluator_type IN ('rubric', 'llm_judge', 'policy_check')),
			evaluator_name TEXT NOT NULL,
			score REAL NOT NULL,
			passed INTEGER NOT NULL CHECK (passed IN (0, 1)),
			details TEXT NOT NULL DEFAULT '{}',
			evaluated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS guardrail_policies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			action TEXT NOT NULL
				CHECK (action IN ('allow', 'deny', 'warn', 'require_review')),
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1 CHECK (enabled IN (0, 1)),
			match_pattern TEXT NOT NULL DEFAULT '{}',
			action_params TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_traces_status ON agent_traces(status);`,
		`CREATE INDEX IF NOT EXISTS idx_traces_agent_name ON agent_traces(agent_name);`,
		`CREATE INDEX IF NOT EXISTS idx_traces_started_at ON agent_traces(started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_traces_parent ON agent_traces(parent_trace_id);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_trace_number ON agent_trace_steps(trace_id, step_number);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_trace_type ON agent_trace_steps(trace_id, step_type);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_step ON agent_trace_snapshots(step_id);`,
		`CREATE INDEX IF NOT EXISTS idx_evals_trace ON agent_trace_evals(trace_id);`,
		`CREATE INDEX IF NOT EXISTS idx_policies_action ON guardrail_policies(action);`,
		`CREATE INDEX IF NOT EXISTS idx_policies_enabled ON guardrail_policies(enabled);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// DoTx runs fn inside a transaction, committing on nil and rolling back on
// error. This is the transactional primitive every multi-row write uses.
func (s *Store) DoTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// translateErr maps driver-level constraint failures onto the API error
// taxonomy before they cross the package boundary.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", msg, model.ErrInvalidInput)
	case strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("%s: %w", msg, model.ErrInvalidInput)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%s: %w", msg, model.ErrInvalidInput)
	}
	return err
}

// ── Column codecs ──────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate plain RFC3339 written by older tools reading the same file.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// objectText serialises a structured column. nil maps become "{}" so stored
// text is always a JSON value; encoding/json sorts map keys, which keeps
// equal-content objects byte-equal — the diff engine depends on this.
func objectText(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", model.Invalidf("value is not JSON-serialisable (%v)", err)
	}
	return string(b), nil
}

// objectTextOrNull serialises an optional structured column; nil stays NULL.
func objectTextOrNull(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	text, err := objectText(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: text, Valid: true}, nil
}

func tagsText(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", model.Invalidf("tags are not JSON-serialisable (%v)", err)
	}
	return string(b), nil
}

func parseObject(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func parseObjectPtr(s sql.NullString) map[string]any {
	if !s.Valid {
		return nil
	}
	return parseObject(s.String)
}

func parseTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
