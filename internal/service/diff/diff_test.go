package diff

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentreplay/agentreplay/internal/storage"
	"github.com/agentreplay/agentreplay/pkg/model"
)

func newEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.Open(filepath.Join(t.TempDir(), "traces.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logger), db
}

func threeSteps() []model.StepInput {
	return []model.StepInput{
		{StepNumber: 1, StepType: model.StepThought, Name: "plan",
			Input: map[string]any{"goal": "x"}},
		{StepNumber: 2, StepType: model.StepToolCall, Name: "search",
			Input: map[string]any{"q": "y"}, Output: map[string]any{"hits": 2.0}},
		{StepNumber: 3, StepType: model.StepOutput, Name: "answer",
			Output: map[string]any{"text": "done"}},
	}
}

func TestCompareIdenticalTraces(t *testing.T) {
	engine, db := newEngine(t)
	ctx := context.Background()

	a, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()})
	require.NoError(t, err)
	b, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()})
	require.NoError(t, err)

	result, err := engine.Compare(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Nil(t, result.DivergenceStep)
	assert.Empty(t, result.Diffs)
	assert.Equal(t, 3, result.LeftStepCount)
	assert.Equal(t, 3, result.RightStepCount)
}

func TestCompareSelf(t *testing.T) {
	engine, db := newEngine(t)
	ctx := context.Background()

	a, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()})
	require.NoError(t, err)

	result, err := engine.Compare(ctx, a.ID, a.ID)
	require.NoError(t, err)
	assert.Nil(t, result.DivergenceStep)
	assert.Empty(t, result.Diffs)
}

func TestCompareDivergentStepType(t *testing.T) {
	engine, db := newEngine(t)
	ctx := context.Background()

	a, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()})
	require.NoError(t, err)

	changed := threeSteps()
	changed[1].StepType = model.StepLLMCall
	b, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: changed})
	require.NoError(t, err)

	result, err := engine.Compare(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, result.DivergenceStep)
	assert.Equal(t, 2, *result.DivergenceStep)
	require.NotEmpty(t, result.Diffs)
	assert.Equal(t, "step_type", result.Diffs[0].Field)
	assert.Equal(t, "tool_call", result.Diffs[0].LeftValue)
	assert.Equal(t, "llm_call", result.Diffs[0].RightValue)
}

func TestCompareFieldOrder(t *testing.T) {
	engine, db := newEngine(t)
	ctx := context.Background()

	a, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()})
	require.NoError(t, err)

	// Same step diverges on every compared field; emission preserves the
	// step_type, name, input, output order.
	changed := threeSteps()
	changed[0].StepType = model.StepDecision
	changed[0].Name = "replan"
	changed[0].Input = map[string]any{"goal": "z"}
	changed[0].Output = map[string]any{"new": true}
	b, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: changed})
	require.NoError(t, err)

	result, err := engine.Compare(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, result.DivergenceStep)
	assert.Equal(t, 1, *result.DivergenceStep)
	require.GreaterOrEqual(t, len(result.Diffs), 4)
	assert.Equal(t, "step_type", result.Diffs[0].Field)
	assert.Equal(t, "name", result.Diffs[1].Field)
	assert.Equal(t, "input", result.Diffs[2].Field)
	assert.Equal(t, "output", result.Diffs[3].Field)
}

func TestCompareMissingSides(t *testing.T) {
	engine, db := newEngine(t)
	ctx := context.Background()

	long, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()})
	require.NoError(t, err)
	short, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a", Steps: threeSteps()[:2]})
	require.NoError(t, err)

	result, err := engine.Compare(ctx, long.ID, short.ID)
	require.NoError(t, err)
	require.Len(t, result.Diffs, 1)
	assert.Equal(t, "missing_right", result.Diffs[0].Field)
	assert.Equal(t, 3, result.Diffs[0].StepNumber)
	assert.Equal(t, "answer", result.Diffs[0].LeftValue)
	assert.Nil(t, result.Diffs[0].RightValue)

	reversed, err := engine.Compare(ctx, short.ID, long.ID)
	require.NoError(t, err)
	require.Len(t, reversed.Diffs, 1)
	assert.Equal(t, "missing_left", reversed.Diffs[0].Field)
	assert.Nil(t, reversed.Diffs[0].LeftValue)
	assert.Equal(t, "answer", reversed.Diffs[0].RightValue)
}

func TestCompareNotFound(t *testing.T) {
	engine, db := newEngine(t)
	ctx := context.Background()

	a, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "a"})
	require.NoError(t, err)

	_, err = engine.Compare(ctx, a.ID, "trc_missing00000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
