package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentreplay/agentreplay/pkg/model"
)

func ingestThreeStepTrace(t *testing.T, s *Store) model.Trace {
	t.Helper()
	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	dur := int64(20)
	trace, err := s.IngestTrace(context.Background(), model.TraceInput{
		AgentName:    "planner",
		AgentVersion: strPtrT("1.2.0"),
		Status:       model.StatusFailed,
		Input:        map[string]any{"goal": "book flight"},
		Tags:         []string{"prod", "travel"},
		Steps: []model.StepInput{
			{StepNumber: 1, StepType: model.StepThought, Name: "plan",
				StartedAt: &started, DurationMs: &dur},
			{StepNumber: 2, StepType: model.StepToolCall, Name: "search_flights",
				Input:  map[string]any{"from": "SFO"},
				Output: map[string]any{"flights": 3.0},
				Snapshot: &model.SnapshotInput{
					Environment: map[string]any{"region": "us"},
					ToolState:   map[string]any{"cursor": "abc"},
					TokenCount:  512,
				}},
			{StepNumber: 3, StepType: model.StepError, Name: "payment_failed",
				Error: strPtrT("card declined")},
		},
	})
	require.NoError(t, err)
	return trace
}

func TestForkTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := ingestThreeStepTrace(t, s)

	result, err := s.ForkTrace(ctx, parent.ID, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, result.OriginalTraceID)
	assert.Equal(t, 2, result.ForkedFromStep)
	assert.Equal(t, 2, result.StepsCopied)

	fork, err := s.MustGetTrace(ctx, result.ForkedTraceID)
	require.NoError(t, err)

	// Forks are born running with manual trigger, whatever the parent was.
	assert.Equal(t, model.StatusRunning, fork.Status)
	assert.Equal(t, model.TriggerManual, fork.Trigger)
	require.NotNil(t, fork.ParentTraceID)
	assert.Equal(t, parent.ID, *fork.ParentTraceID)
	require.NotNil(t, fork.ForkedFromStep)
	assert.Equal(t, 2, *fork.ForkedFromStep)
	assert.Equal(t, parent.Input, fork.Input)
	assert.Equal(t, parent.Tags, fork.Tags)
	assert.Equal(t, parent.ID, fork.Metadata["forked_from"])
	assert.Equal(t, float64(2), fork.Metadata["forked_at_step"])

	parentResolved, err := s.MustGetTrace(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, fork.Steps, 2)
	for i, forked := range fork.Steps {
		orig := parentResolved.Steps[i]
		assert.NotEqual(t, orig.ID, forked.ID, "copied steps must carry fresh ids")
		assert.Equal(t, orig.StepNumber, forked.StepNumber)
		assert.Equal(t, orig.StepType, forked.StepType)
		assert.Equal(t, orig.Name, forked.Name)
		assert.Equal(t, orig.Input, forked.Input)
		assert.Equal(t, orig.Output, forked.Output)
		assert.Equal(t, orig.StartedAt, forked.StartedAt)
		assert.Equal(t, orig.DurationMs, forked.DurationMs)
	}

	// The fork-point snapshot is carried over unchanged.
	snap, err := s.GetStepSnapshot(ctx, result.ForkedTraceID, 2)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 512, snap.TokenCount)
	assert.Equal(t, map[string]any{"region": "us"}, snap.Environment)
	assert.Equal(t, map[string]any{"cursor": "abc"}, snap.ToolState)

	// The parent is untouched.
	assert.Equal(t, model.StatusFailed, parentResolved.Status)
	assert.Len(t, parentResolved.Steps, 3)
}

func TestForkTraceOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := ingestThreeStepTrace(t, s)

	result, err := s.ForkTrace(ctx, parent.ID, 2,
		map[string]any{"goal": "book train"},
		map[string]any{"region": "eu"},
	)
	require.NoError(t, err)

	fork, err := s.MustGetTrace(ctx, result.ForkedTraceID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"goal": "book train"}, fork.Input)

	// modified_env replaces only the environment of the fork-point snapshot;
	// tool state and token count carry over.
	snap, err := s.GetStepSnapshot(ctx, result.ForkedTraceID, 2)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, map[string]any{"region": "eu"}, snap.Environment)
	assert.Equal(t, map[string]any{"cursor": "abc"}, snap.ToolState)
	assert.Equal(t, 512, snap.TokenCount)

	// Step inputs are not touched by modified_env.
	assert.Equal(t, map[string]any{"from": "SFO"}, fork.Steps[1].Input)
}

func TestForkTraceErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := ingestThreeStepTrace(t, s)

	_, err := s.ForkTrace(ctx, parent.ID, 0, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = s.ForkTrace(ctx, parent.ID, 4, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	empty, err := s.IngestTrace(ctx, model.TraceInput{AgentName: "empty"})
	require.NoError(t, err)
	_, err = s.ForkTrace(ctx, empty.ID, 1, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = s.ForkTrace(ctx, "trc_missing00000", 1, nil, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestForkTraceAcceptsAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := ingestThreeStepTrace(t, s)

	result, err := s.ForkTrace(ctx, parent.ID, 2, nil, nil)
	require.NoError(t, err)

	// The fork is running, so the timeline can continue past the fork point.
	_, err = s.AppendStep(ctx, result.ForkedTraceID, model.StepInput{
		StepNumber: 3, StepType: model.StepToolCall, Name: "search_trains",
	})
	require.NoError(t, err)
}
