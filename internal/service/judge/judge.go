// Package judge delegates trace scoring to an external LanguageJudge and
// stores the parsed verdicts with cost accounting. This is the only
// suspension point in the evaluation pipeline: everything else is synchronous
// against the embedded store.
package judge

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/agentreplay/agentreplay/internal/service/rubric"
	"github.com/agentreplay/agentreplay/internal/service/summary"
	"github.com/agentreplay/agentreplay/internal/storage"
	"github.com/agentreplay/agentreplay/pkg/llm"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// Parsed is a judge response reduced to the verdict fields.
type Parsed struct {
	Score   float64
	Passed  bool
	Details map[string]any
}

// Preset declares one judge evaluation: the prompts, the response parser,
// and an optional applicability gate that skips the judge entirely.
type Preset struct {
	Name         string
	Threshold    float64
	SystemPrompt string
	UserPrompt   func(traceSummary string) string
	Parse        func(text string) (Parsed, error)
	Applicable   func(ctx rubric.Context) bool // nil means always applicable
}

// rawResponseLimit bounds the raw text kept in a parse-failure verdict.
const rawResponseLimit = 2000

// Evaluator runs judge presets against resolved traces.
type Evaluator struct {
	db     *storage.Store
	judge  llm.Judge
	logger *slog.Logger
}

// New creates a judge evaluator. judge may be nil when no provider is
// configured; Run then fails without a verdict for every preset that would
// call the judge. An inapplicable preset still records its skipped verdict.
func New(db *storage.Store, judge llm.Judge, logger *slog.Logger) *Evaluator {
	return &Evaluator{db: db, judge: judge, logger: logger}
}

// Run executes one judge preset against a trace.
//
// Judge failures surface to the caller and write no verdict. A response that
// cannot be parsed DOES write a verdict: score 0, failed, with the raw text
// preserved in details.
func (e *Evaluator) Run(ctx context.Context, traceID, presetName string) (model.EvalVerdict, error) {
	preset, ok := Presets[presetName]
	if !ok {
		return model.EvalVerdict{}, fmt.Errorf("judge: unknown preset %q: %w", presetName, model.ErrNotFound)
	}

	resolved, err := e.db.MustGetTrace(ctx, traceID)
	if err != nil {
		return model.EvalVerdict{}, err
	}

	if preset.Applicable != nil && !preset.Applicable(rubric.ContextFor(resolved)) {
		e.logger.Debug("judge: preset not applicable, skipping call",
			"trace_id", resolved.ID, "preset", presetName)
		return e.db.CreateEval(ctx, resolved.ID, model.EvalInput{
			EvaluatorType: model.EvaluatorLLMJudge,
			EvaluatorName: presetName,
			Score:         1.0,
			Passed:        true,
			Details: map[string]any{
				"skipped": true,
				"reason":  "Not applicable to this trace",
			},
		})
	}

	if e.judge == nil {
		return model.EvalVerdict{}, &llm.Error{
			Kind: llm.ErrAuth, Provider: "none",
			Message: "no language judge configured",
		}
	}

	digest := summary.Trace(resolved, summary.DefaultTokenBudget)
	resp, err := e.judge.Call(ctx, llm.Request{
		System:    preset.SystemPrompt,
		Prompt:    preset.UserPrompt(digest.Text),
		MaxTokens: 1024,
	})
	if err != nil {
		return model.EvalVerdict{}, err
	}

	parsed, parseErr := preset.Parse(resp.Text)
	if parseErr != nil {
		raw := resp.Text
		if len(raw) > rawResponseLimit {
			raw = raw[:rawResponseLimit]
		}
		parsed = Parsed{
			Score:  0,
			Passed: false,
			Details: map[string]any{
				"parse_error":  true,
				"raw_response": raw,
			},
		}
		e.logger.Warn("judge: response parse failed",
			"trace_id", resolved.ID, "preset", presetName, "error", parseErr)
	}

	if parsed.Details == nil {
		parsed.Details = map[string]any{}
	}
	parsed.Details["llm_model"] = resp.Model
	parsed.Details["llm_provider"] = resp.Provider
	parsed.Details["input_tokens"] = resp.InputTokens
	parsed.Details["output_tokens"] = resp.OutputTokens
	parsed.Details["cost_usd"] = resp.CostEstimateUSD
	parsed.Details["latency_ms"] = resp.LatencyMs

	e.logger.Info("judge: preset evaluated",
		"trace_id", resolved.ID, "preset", presetName,
		"score", parsed.Score, "passed", parsed.Passed,
		"cost_usd", resp.CostEstimateUSD, "latency_ms", resp.LatencyMs)

	return e.db.CreateEval(ctx, resolved.ID, model.EvalInput{
		EvaluatorType: model.EvaluatorLLMJudge,
		EvaluatorName: presetName,
		Score:         parsed.Score,
		Passed:        parsed.Passed,
		Details:       parsed.Details,
	})
}

// RunBatch runs several presets concurrently against one trace and returns
// the verdicts in preset order. The first failure cancels the rest.
func (e *Evaluator) RunBatch(ctx context.Context, traceID string, presetNames []string) ([]model.EvalVerdict, error) {
	verdicts := make([]model.EvalVerdict, len(presetNames))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range presetNames {
		i, name := i, name
		g.Go(func() error {
			v, err := e.Run(gctx, traceID, name)
			if err != nil {
				return fmt.Errorf("preset %s: %w", name, err)
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return verdicts, nil
}
