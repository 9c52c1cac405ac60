// Package agentreplay is the public API for embedding the agentreplay trace
// recorder: a local flight data recorder for AI agent executions.
//
// Frontends construct an App and call its methods directly:
//
//	app, err := agentreplay.New(
//	    agentreplay.WithDataDir(".agent-replay"),
//	    agentreplay.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close()
//
//	trace, err := app.IngestTrace(ctx, model.TraceInput{AgentName: "planner"})
//
// The import graph enforces a strict no-cycle rule: agentreplay (root)
// imports internal/* and pkg/*, but internal/* never imports the root.
// Entity types live in pkg/model so both sides of the boundary share them.
package agentreplay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/agentreplay/agentreplay/internal/config"
	"github.com/agentreplay/agentreplay/internal/service/diff"
	"github.com/agentreplay/agentreplay/internal/service/guardrail"
	"github.com/agentreplay/agentreplay/internal/service/judge"
	"github.com/agentreplay/agentreplay/internal/service/rubric"
	"github.com/agentreplay/agentreplay/internal/service/summary"
	"github.com/agentreplay/agentreplay/internal/storage"
	"github.com/agentreplay/agentreplay/internal/telemetry"
	"github.com/agentreplay/agentreplay/pkg/llm"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// Summary is a bounded plain-text digest of a trace or diff.
type Summary = summary.Summary

// CostEstimate is the projected spend of running judge presets.
type CostEstimate = judge.CostEstimate

// Stats is an aggregate view of the recorder's contents.
type Stats = storage.Stats

// CustomRubric is a user-provided pattern rubric.
type CustomRubric = rubric.CustomRubric

// CustomCriterion is one pattern criterion of a custom rubric.
type CustomCriterion = rubric.CustomCriterion

// App is the recorder lifecycle. Construct with New(), release with Close().
type App struct {
	cfg          config.Config
	db           *storage.Store
	differ       *diff.Engine
	rubrics      *rubric.Evaluator
	judges       *judge.Evaluator
	guard        *guardrail.Matcher
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New opens the store (running migrations), wires the evaluators, and
// returns a ready App. The only goroutine it starts is the telemetry
// exporter's periodic reader, and only when an OTLP endpoint is configured.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "traces.db")
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("agentreplay starting", "version", version, "db", cfg.DatabasePath)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	judgeImpl := o.judge
	if judgeImpl == nil && cfg.JudgeAPIKey != "" {
		judgeImpl = llm.NewOpenAIJudge(llm.OpenAIConfig{
			APIKey:   cfg.JudgeAPIKey,
			Model:    cfg.JudgeModel,
			BaseURL:  cfg.JudgeBaseURL,
			Provider: cfg.JudgeProvider,
			Timeout:  cfg.JudgeTimeout,
		})
		logger.Info("judge: configured", "provider", cfg.JudgeProvider, "model", cfg.JudgeModel)
	} else if judgeImpl == nil {
		logger.Info("judge: disabled (no credential resolved)")
	}

	app := &App{
		cfg:          cfg,
		db:           db,
		differ:       diff.New(db, logger),
		rubrics:      rubric.New(db, logger),
		judges:       judge.New(db, judgeImpl, logger),
		guard:        guardrail.New(db, logger),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	if o.seedPolicies {
		if err := app.guard.SeedDefaults(context.Background()); err != nil {
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("seed policies: %w", err)
		}
	}
	return app, nil
}

// Close releases the store and flushes telemetry.
func (a *App) Close() error {
	err := a.db.Close()
	if shutdownErr := a.otelShutdown(context.Background()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	a.logger.Info("agentreplay stopped")
	return err
}

// ── Trace repository ───────────────────────────────────────────────────────────

// IngestTrace stores a fully-materialised trace with its steps and snapshots
// in one transaction.
func (a *App) IngestTrace(ctx context.Context, in model.TraceInput) (model.Trace, error) {
	return a.db.IngestTrace(ctx, in)
}

// AppendStep adds one step to a running trace. Terminal traces reject with
// model.ErrInvalidState.
func (a *App) AppendStep(ctx context.Context, traceID string, in model.StepInput) (model.Step, error) {
	return a.db.AppendStep(ctx, traceID, in)
}

// GetTrace returns the resolved view of a trace by id or unique id prefix,
// or nil when nothing matches.
func (a *App) GetTrace(ctx context.Context, idOrPrefix string) (*model.ResolvedTrace, error) {
	return a.db.GetTrace(ctx, idOrPrefix)
}

// ListTraces returns one page of traces plus the unpaginated total.
func (a *App) ListTraces(ctx context.Context, filter model.ListFilter) (model.TracePage, error) {
	return a.db.ListTraces(ctx, filter)
}

// UpdateTrace applies a partial update; an empty patch is a no-op returning
// the current row.
func (a *App) UpdateTrace(ctx context.Context, id string, patch model.TracePatch) (model.Trace, error) {
	return a.db.UpdateTrace(ctx, id, patch)
}

// DeleteTrace removes a trace with its steps, snapshots, and verdicts.
func (a *App) DeleteTrace(ctx context.Context, id string) error {
	return a.db.DeleteTrace(ctx, id)
}

// GetStepSnapshot returns the snapshot attached to the given step of a
// trace, or nil when the step carries none.
func (a *App) GetStepSnapshot(ctx context.Context, traceID string, stepNumber int) (*model.Snapshot, error) {
	return a.db.GetStepSnapshot(ctx, traceID, stepNumber)
}

// CreateEval stores an externally-computed verdict for a trace.
func (a *App) CreateEval(ctx context.Context, traceID string, in model.EvalInput) (model.EvalVerdict, error) {
	return a.db.CreateEval(ctx, traceID, in)
}

// Stats computes aggregate counts across the store.
func (a *App) Stats(ctx context.Context) (Stats, error) {
	return a.db.TraceStats(ctx)
}

// ── Diff and fork ──────────────────────────────────────────────────────────────

// DiffTraces compares two traces step by step and reports the first
// divergence.
func (a *App) DiffTraces(ctx context.Context, leftID, rightID string) (model.TraceDiff, error) {
	return a.differ.Compare(ctx, leftID, rightID)
}

// ForkTrace copies the prefix of a parent trace up to fromStep into a new
// running trace, optionally overriding the input and the fork-point
// snapshot environment.
func (a *App) ForkTrace(ctx context.Context, parentID string, fromStep int, modifiedInput, modifiedEnv map[string]any) (model.ForkResult, error) {
	return a.db.ForkTrace(ctx, parentID, fromStep, modifiedInput, modifiedEnv)
}

// ── Evaluation ─────────────────────────────────────────────────────────────────

// RunRubric evaluates a built-in rubric preset and stores the verdict.
func (a *App) RunRubric(ctx context.Context, traceID, presetName string) (model.EvalVerdict, error) {
	return a.rubrics.RunPreset(ctx, traceID, presetName)
}

// RunCustomRubric evaluates a user-provided pattern rubric and stores the
// verdict.
func (a *App) RunCustomRubric(ctx context.Context, traceID string, custom CustomRubric) (model.EvalVerdict, error) {
	return a.rubrics.RunCustom(ctx, traceID, custom)
}

// RunJudge evaluates a judge preset through the configured LanguageJudge.
// Judge failures surface without writing a verdict.
func (a *App) RunJudge(ctx context.Context, traceID, presetName string) (model.EvalVerdict, error) {
	return a.judges.Run(ctx, traceID, presetName)
}

// RunJudgeBatch runs several judge presets concurrently against one trace.
func (a *App) RunJudgeBatch(ctx context.Context, traceID string, presetNames []string) ([]model.EvalVerdict, error) {
	return a.judges.RunBatch(ctx, traceID, presetNames)
}

// EstimateJudgeCost projects the cost of running presets against a trace
// under the given model's rate, without calling the judge.
func (a *App) EstimateJudgeCost(resolved *model.ResolvedTrace, presetNames []string, modelName string) (CostEstimate, error) {
	return judge.EstimateCost(resolved, presetNames, modelName)
}

// SummarizeTrace compresses a resolved trace into a bounded digest.
func (a *App) SummarizeTrace(resolved *model.ResolvedTrace, maxTokenBudget int) Summary {
	return summary.Trace(resolved, maxTokenBudget)
}

// SummarizeDiff compresses a diff plus both sides into a bounded digest.
func (a *App) SummarizeDiff(d model.TraceDiff, left, right *model.ResolvedTrace) Summary {
	return summary.Diff(d, left, right)
}

// RubricPresetNames lists the built-in rubric presets.
func (a *App) RubricPresetNames() []string {
	return rubric.PresetNames()
}

// JudgePresetNames lists the built-in judge presets.
func (a *App) JudgePresetNames() []string {
	return judge.PresetNames()
}

// ── Guardrails ─────────────────────────────────────────────────────────────────

// AddPolicy stores a guardrail policy; names are globally unique.
func (a *App) AddPolicy(ctx context.Context, in model.PolicyInput) (model.Policy, error) {
	return a.db.AddPolicy(ctx, in)
}

// ListPolicies returns every policy ordered by priority.
func (a *App) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	return a.db.ListPolicies(ctx)
}

// RemovePolicy deletes a policy by id or name.
func (a *App) RemovePolicy(ctx context.Context, idOrName string) error {
	return a.db.RemovePolicy(ctx, idOrName)
}

// TestPolicies evaluates every enabled policy against every step of a trace.
func (a *App) TestPolicies(ctx context.Context, traceID string) ([]model.StepMatches, error) {
	return a.guard.TestPolicies(ctx, traceID)
}
