// Package rubric provides deterministic trace evaluation: named built-in
// presets and user-provided pattern rubrics, both scored as weighted means
// over per-criterion checks.
package rubric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/agentreplay/agentreplay/internal/storage"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// Context is the resolved material a criterion checks against.
type Context struct {
	Input  map[string]any
	Output map[string]any
	Steps  []model.Step
	Error  *string
}

// CheckResult is one criterion's score with a human-readable explanation.
type CheckResult struct {
	Score   float64
	Details string
}

// Criterion is a named, weighted check over a trace context.
type Criterion struct {
	Name        string
	Description string
	Weight      float64
	Check       func(Context) CheckResult
}

// Preset is a named rubric: criteria plus a pass threshold.
type Preset struct {
	Name      string
	Threshold float64
	Criteria  []Criterion
}

// Evaluator runs rubrics over resolved traces and persists the verdicts.
type Evaluator struct {
	db     *storage.Store
	logger *slog.Logger
}

// New creates a rubric evaluator.
func New(db *storage.Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{db: db, logger: logger}
}

// RunPreset evaluates a built-in preset against a trace and stores the
// verdict. Unknown preset names fail with model.ErrNotFound.
func (e *Evaluator) RunPreset(ctx context.Context, traceID, presetName string) (model.EvalVerdict, error) {
	preset, ok := Presets[presetName]
	if !ok {
		return model.EvalVerdict{}, fmt.Errorf("rubric: unknown preset %q: %w", presetName, model.ErrNotFound)
	}

	resolved, err := e.db.MustGetTrace(ctx, traceID)
	if err != nil {
		return model.EvalVerdict{}, err
	}

	score, passed, details := Score(preset, ContextFor(resolved))
	e.logger.Debug("rubric: preset evaluated",
		"trace_id", resolved.ID, "preset", presetName, "score", score, "passed", passed)

	return e.db.CreateEval(ctx, resolved.ID, model.EvalInput{
		EvaluatorType: model.EvaluatorRubric,
		EvaluatorName: presetName,
		Score:         score,
		Passed:        passed,
		Details:       details,
	})
}

// ContextFor builds the criterion context from a resolved trace.
func ContextFor(resolved *model.ResolvedTrace) Context {
	return Context{
		Input:  resolved.Input,
		Output: resolved.Output,
		Steps:  resolved.Steps,
		Error:  resolved.Error,
	}
}

// Score runs every criterion and aggregates the weighted mean, rounded to
// three decimals. A zero weight sum yields score 0. Details record each
// criterion's score, weight, and explanation under "criteria".
func Score(preset Preset, ctx Context) (float64, bool, map[string]any) {
	criteria := map[string]any{}
	var weightedSum, weightSum float64

	for _, c := range preset.Criteria {
		result := c.Check(ctx)
		if result.Score < 0 {
			result.Score = 0
		} else if result.Score > 1 {
			result.Score = 1
		}
		weightedSum += result.Score * c.Weight
		weightSum += c.Weight
		criteria[c.Name] = map[string]any{
			"score":   round3(result.Score),
			"weight":  c.Weight,
			"details": result.Details,
		}
	}

	overall := 0.0
	if weightSum > 0 {
		overall = round3(weightedSum / weightSum)
	}
	passed := overall >= preset.Threshold

	return overall, passed, map[string]any{
		"threshold": preset.Threshold,
		"criteria":  criteria,
	}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// jsonText serialises a value for pattern checks. nil renders as the empty
// string so absent outputs never match anything.
func jsonText(v map[string]any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// tokenize lowercases s and returns the alphanumeric runs longer than four
// characters, for the retrieval-grounding overlap check.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 4 {
			out = append(out, f)
		}
	}
	return out
}

// compileInsensitive compiles pattern as a case-insensitive regexp. Invalid
// patterns return a nil regexp with the compile error; callers score 0 and
// record why instead of failing the run.
func compileInsensitive(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
