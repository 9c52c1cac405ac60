package agentreplay

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentreplay/agentreplay/pkg/llm"
	"github.com/agentreplay/agentreplay/pkg/model"
)

type scriptedJudge struct {
	text string
}

func (s *scriptedJudge) Call(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{
		Text: s.text, Model: "gpt-4o-mini", Provider: "openai",
		InputTokens: 100, OutputTokens: 50, CostEstimateUSD: 0.0001, LatencyMs: 5,
	}, nil
}

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithDataDir(t.TempDir()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithJudge(&scriptedJudge{text: `{"relevance":8,"completeness":8,"coherence":8,"accuracy":8}`}),
	}, opts...)
	app, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestAppRoundTrip(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	trace, err := app.IngestTrace(ctx, model.TraceInput{
		AgentName: "assistant",
		Input:     map[string]any{"ask": "hi"},
		Steps: []model.StepInput{
			{StepNumber: 1, StepType: model.StepThought, Name: "consider"},
			{StepNumber: 2, StepType: model.StepOutput, Name: "reply",
				Output: map[string]any{"text": "hello"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, trace.Status)

	_, err = app.AppendStep(ctx, trace.ID, model.StepInput{
		StepNumber: 3, StepType: model.StepGuardCheck, Name: "final check",
	})
	require.NoError(t, err)

	resolved, err := app.GetTrace(ctx, trace.ID[:10])
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Len(t, resolved.Steps, 3)

	page, err := app.ListTraces(ctx, model.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	digest := app.SummarizeTrace(resolved, 0)
	assert.Contains(t, digest.Text, "TRACE: assistant [RUNNING]")

	stats, err := app.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTraces)
	assert.Equal(t, 3, stats.TotalSteps)

	require.NoError(t, app.DeleteTrace(ctx, trace.ID))
}

func TestAppForkDiffAndEvaluate(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	trace, err := app.IngestTrace(ctx, model.TraceInput{
		AgentName: "worker",
		Status:    model.StatusCompleted,
		Output:    map[string]any{"text": "Hello world"},
		Steps: []model.StepInput{
			{StepNumber: 1, StepType: model.StepToolCall, Name: "fetch",
				Output:   map[string]any{"ok": true},
				Snapshot: &model.SnapshotInput{TokenCount: 64}},
			{StepNumber: 2, StepType: model.StepOutput, Name: "answer"},
		},
	})
	require.NoError(t, err)

	fork, err := app.ForkTrace(ctx, trace.ID, 1, nil, map[string]any{"mode": "replay"})
	require.NoError(t, err)
	assert.Equal(t, 1, fork.StepsCopied)

	snap, err := app.GetStepSnapshot(ctx, fork.ForkedTraceID, 1)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, map[string]any{"mode": "replay"}, snap.Environment)

	diff, err := app.DiffTraces(ctx, trace.ID, fork.ForkedTraceID)
	require.NoError(t, err)
	require.NotNil(t, diff.DivergenceStep)
	assert.Equal(t, 2, *diff.DivergenceStep)

	rubricVerdict, err := app.RunRubric(ctx, trace.ID, "completeness-check")
	require.NoError(t, err)
	assert.True(t, rubricVerdict.Passed)

	customVerdict, err := app.RunCustomRubric(ctx, trace.ID, CustomRubric{
		Name: "hello-check",
		Criteria: []CustomCriterion{
			{Name: "has_hello", Pattern: "hello", Expected: true},
			{Name: "no_error", Pattern: "error|fail", Expected: false},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, customVerdict.Score)
	assert.True(t, customVerdict.Passed)

	judgeVerdict, err := app.RunJudge(ctx, trace.ID, "ai-quality-review")
	require.NoError(t, err)
	assert.Equal(t, 0.8, judgeVerdict.Score)

	resolved, err := app.GetTrace(ctx, trace.ID)
	require.NoError(t, err)
	assert.Len(t, resolved.Evals, 3)

	estimate, err := app.EstimateJudgeCost(resolved, app.JudgePresetNames(), "gpt-4o-mini")
	require.NoError(t, err)
	assert.Len(t, estimate.Breakdown, 4)
	assert.Positive(t, estimate.TotalEstimatedUSD)
}

func TestAppPolicies(t *testing.T) {
	app := newTestApp(t, WithDefaultPolicies())
	ctx := context.Background()

	policies, err := app.ListPolicies(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, policies)

	trace, err := app.IngestTrace(ctx, model.TraceInput{
		AgentName: "ops",
		Steps: []model.StepInput{
			{StepNumber: 1, StepType: model.StepToolCall, Name: "drop_table"},
		},
	})
	require.NoError(t, err)

	results, err := app.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Matches)
	assert.Equal(t, model.ActionDeny, results[0].Matches[0].Action)

	for _, p := range policies {
		require.NoError(t, app.RemovePolicy(ctx, p.Name))
	}
	remaining, err := app.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
