package rubric

import (
	"context"
	"fmt"

	"github.com/agentreplay/agentreplay/pkg/model"
)

// CustomRubric is a user-provided rubric of regex criteria.
type CustomRubric struct {
	Name      string            `json:"name"`
	Threshold *float64          `json:"threshold,omitempty"` // default 0.7
	Criteria  []CustomCriterion `json:"criteria"`
}

// CustomCriterion tests a case-insensitive pattern against the trace's
// serialised input, output, and step outputs. Score is 1.0 iff the match
// result equals Expected.
type CustomCriterion struct {
	Name     string   `json:"name"`
	Pattern  string   `json:"pattern"`
	Expected bool     `json:"expected"`
	Weight   *float64 `json:"weight,omitempty"` // default 1
}

// Validate checks a custom rubric before evaluation.
func (r CustomRubric) Validate() error {
	if r.Name == "" {
		return model.Invalidf("name: must not be empty")
	}
	if len(r.Criteria) == 0 {
		return model.Invalidf("criteria: must not be empty")
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 1) {
		return model.Invalidf("threshold: must be in [0, 1]")
	}
	for i, c := range r.Criteria {
		if c.Name == "" {
			return model.Invalidf("criteria[%d].name: must not be empty", i)
		}
		if c.Pattern == "" {
			return model.Invalidf("criteria[%d].pattern: must not be empty", i)
		}
		if c.Weight != nil && *c.Weight < 0 {
			return model.Invalidf("criteria[%d].weight: must not be negative", i)
		}
	}
	return nil
}

// RunCustom evaluates a custom rubric against a trace and stores the verdict.
// An invalid regex does not fail the run: that criterion scores 0 with the
// compile error recorded in its details.
func (e *Evaluator) RunCustom(ctx context.Context, traceID string, custom CustomRubric) (model.EvalVerdict, error) {
	if err := custom.Validate(); err != nil {
		return model.EvalVerdict{}, err
	}

	resolved, err := e.db.MustGetTrace(ctx, traceID)
	if err != nil {
		return model.EvalVerdict{}, err
	}

	rubricCtx := ContextFor(resolved)
	haystack := jsonText(rubricCtx.Input) + jsonText(rubricCtx.Output)
	for _, step := range rubricCtx.Steps {
		haystack += jsonText(step.Output)
	}

	threshold := 0.7
	if custom.Threshold != nil {
		threshold = *custom.Threshold
	}

	preset := Preset{Name: custom.Name, Threshold: threshold}
	for _, c := range custom.Criteria {
		weight := 1.0
		if c.Weight != nil {
			weight = *c.Weight
		}
		pattern := c.Pattern
		expected := c.Expected
		preset.Criteria = append(preset.Criteria, Criterion{
			Name:   c.Name,
			Weight: weight,
			Check: func(Context) CheckResult {
				re, err := compileInsensitive(pattern)
				if err != nil {
					return CheckResult{Score: 0, Details: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
				}
				matched := re.MatchString(haystack)
				if matched == expected {
					return CheckResult{Score: 1.0, Details: fmt.Sprintf("pattern %q matched=%v as expected", pattern, matched)}
				}
				return CheckResult{Score: 0, Details: fmt.Sprintf("pattern %q matched=%v, expected %v", pattern, matched, expected)}
			},
		})
	}

	score, passed, details := Score(preset, rubricCtx)
	e.logger.Debug("rubric: custom rubric evaluated",
		"trace_id", resolved.ID, "rubric", custom.Name, "score", score, "passed", passed)

	return e.db.CreateEval(ctx, resolved.ID, model.EvalInput{
		EvaluatorType: model.EvaluatorRubric,
		EvaluatorName: custom.Name,
		Score:         score,
		Passed:        passed,
		Details:       details,
	})
}
