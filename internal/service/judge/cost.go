package judge

import (
	"fmt"

	"github.com/agentreplay/agentreplay/internal/service/summary"
	"github.com/agentreplay/agentreplay/pkg/llm"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// promptOverheadTokens approximates the preset prompt text wrapped around
// the trace digest, and maxOutputTokens is the completion cap every judge
// call uses.
const (
	promptOverheadTokens = 200
	maxOutputTokens      = 1024
)

// CostBreakdown is the estimated spend of one preset run.
type CostBreakdown struct {
	Preset       string  `json:"preset"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	EstimatedUSD float64 `json:"estimated_usd"`
}

// CostEstimate is the projected spend of running presets against a trace.
type CostEstimate struct {
	TotalEstimatedUSD float64         `json:"total_estimated_usd"`
	Breakdown         []CostBreakdown `json:"breakdown"`
}

// EstimateCost projects what running the named presets against the trace
// would cost under the given model's rate, without calling the judge.
func EstimateCost(resolved *model.ResolvedTrace, presetNames []string, modelName string) (CostEstimate, error) {
	digest := summary.Trace(resolved, summary.DefaultTokenBudget)
	rate := llm.RateFor(modelName)

	estimate := CostEstimate{Breakdown: []CostBreakdown{}}
	for _, name := range presetNames {
		if _, ok := Presets[name]; !ok {
			return CostEstimate{}, fmt.Errorf("judge: unknown preset %q: %w", name, model.ErrNotFound)
		}
		inputTokens := digest.EstimatedTokens + promptOverheadTokens
		usd := rate.Cost(inputTokens, maxOutputTokens)
		estimate.Breakdown = append(estimate.Breakdown, CostBreakdown{
			Preset:       name,
			InputTokens:  inputTokens,
			OutputTokens: maxOutputTokens,
			EstimatedUSD: usd,
		})
		estimate.TotalEstimatedUSD += usd
	}
	return estimate, nil
}
