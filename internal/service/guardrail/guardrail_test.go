package guardrail

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

func newMatcher(t *testing.T) (*Matcher, *storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.Open(filepath.Join(t.TempDir(), "traces.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logger), db
}

func strPtrT(s string) *string              { return &s }
func typePtrT(t model.StepType) *model.StepType { return &t }
func boolPtrT(b bool) *bool                 { return &b }

func ingestToolTrace(t *testing.T, db *storage.Store) model.Trace {
	t.Helper()
	trace, err := db.IngestTrace(context.Background(), model.TraceInput{
		AgentName: "ops",
		Steps: []model.StepInput{
			{StepNumber: 1, StepType: model.StepThought, Name: "plan cleanup"},
			{StepNumber: 2, StepType: model.StepToolCall, Name: "delete_records",
				Input:  map[string]any{"table": "sessions"},
				Output: map[string]any{"deleted": 42.0}},
		},
	})
	require.NoError(t, err)
	return trace
}

func TestTestPolicies(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()
	trace := ingestToolTrace(t, db)

	_, err := db.AddPolicy(ctx, model.PolicyInput{
		Name: "deny-deletes", Action: model.ActionDeny, Priority: 100,
		MatchPattern: model.MatchPattern{
			StepType:     typePtrT(model.StepToolCall),
			NameContains: strPtrT("delete"),
		},
	})
	require.NoError(t, err)
	_, err = db.AddPolicy(ctx, model.PolicyInput{
		Name: "warn-sessions-table", Action: model.ActionWarn, Priority: 10,
		MatchPattern: model.MatchPattern{InputContains: strPtrT("sessions")},
	})
	require.NoError(t, err)

	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "one entry per step, in step order")

	assert.Equal(t, 1, results[0].Step.StepNumber)
	assert.Empty(t, results[0].Matches)

	require.Len(t, results[1].Matches, 2)
	// Matches follow policy priority DESC.
	assert.Equal(t, "deny-deletes", results[1].Matches[0].Policy.Name)
	assert.Equal(t, model.ActionDeny, results[1].Matches[0].Action)
	assert.Contains(t, results[1].Matches[0].Reason, "step_type=tool_call")
	assert.Contains(t, results[1].Matches[0].Reason, `name contains "delete"`)
	assert.Equal(t, "warn-sessions-table", results[1].Matches[1].Policy.Name)
}

func TestConjunctionRequiresAllPredicates(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()
	trace := ingestToolTrace(t, db)

	// step_type matches but name does not: no match.
	_, err := db.AddPolicy(ctx, model.PolicyInput{
		Name: "mismatch", Action: model.ActionDeny,
		MatchPattern: model.MatchPattern{
			StepType:     typePtrT(model.StepToolCall),
			NameContains: strPtrT("upload"),
		},
	})
	require.NoError(t, err)

	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Empty(t, r.Matches)
	}
}

func TestEmptyPatternMatchesNothing(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()
	trace := ingestToolTrace(t, db)

	_, err := db.AddPolicy(ctx, model.PolicyInput{
		Name: "catch-all", Action: model.ActionDeny,
	})
	require.NoError(t, err)

	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Empty(t, r.Matches, "an empty pattern must match nothing")
	}
}

func TestInvalidRegexDoesNotMatch(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()
	trace := ingestToolTrace(t, db)

	_, err := db.AddPolicy(ctx, model.PolicyInput{
		Name: "broken-regex", Action: model.ActionDeny,
		MatchPattern: model.MatchPattern{NameRegex: strPtrT("([unclosed")},
	})
	require.NoError(t, err)

	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Empty(t, r.Matches)
	}
}

func TestNameRegexAndOutputContains(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()
	trace := ingestToolTrace(t, db)

	_, err := db.AddPolicy(ctx, model.PolicyInput{
		Name: "regex-rule", Action: model.ActionRequireReview,
		MatchPattern: model.MatchPattern{NameRegex: strPtrT(`^delete_\w+$`)},
	})
	require.NoError(t, err)
	_, err = db.AddPolicy(ctx, model.PolicyInput{
		Name: "output-rule", Action: model.ActionWarn,
		MatchPattern: model.MatchPattern{OutputContains: strPtrT("42")},
	})
	require.NoError(t, err)

	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	require.Len(t, results[1].Matches, 2)
}

func TestDisabledPoliciesIgnored(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()
	trace := ingestToolTrace(t, db)

	_, err := db.AddPolicy(ctx, model.PolicyInput{
		Name: "sleeping", Action: model.ActionDeny, Enabled: boolPtrT(false),
		MatchPattern: model.MatchPattern{NameContains: strPtrT("delete")},
	})
	require.NoError(t, err)

	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Empty(t, r.Matches)
	}
}

func TestTestPoliciesRequiresSteps(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()

	empty, err := db.IngestTrace(ctx, model.TraceInput{AgentName: "quiet"})
	require.NoError(t, err)

	_, err = m.TestPolicies(ctx, empty.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = m.TestPolicies(ctx, "trc_missing00000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSeedDefaults(t *testing.T) {
	m, db := newMatcher(t)
	ctx := context.Background()

	require.NoError(t, m.SeedDefaults(ctx))
	policies, err := db.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	// Idempotent: a second seed adds nothing.
	require.NoError(t, m.SeedDefaults(ctx))
	policies, err = db.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	// The seeded deny rule catches the destructive tool call.
	trace := ingestToolTrace(t, db)
	results, err := m.TestPolicies(ctx, trace.ID)
	require.NoError(t, err)
	require.NotEmpty(t, results[1].Matches)
	assert.Equal(t, "deny-destructive-tools", results[1].Matches[0].Policy.Name)
}
