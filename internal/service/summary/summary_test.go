package summary

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentreplay/agentreplay/pkg/model"
)

func strPtrT(s string) *string { return &s }

func resolvedFixture() *model.ResolvedTrace {
	dur := int64(1200)
	tokens := int64(900)
	return &model.ResolvedTrace{
		Trace: model.Trace{
			AgentName:    "researcher",
			AgentVersion: strPtrT("2.1"),
			Status:       model.StatusCompleted,
			Input:        map[string]any{"question": "why is the sky blue"},
			Output:       map[string]any{"answer": "rayleigh scattering"},
			DurationMs:   &dur,
			TotalTokens:  &tokens,
			Tags:         []string{"physics", "demo"},
		},
		Steps: []model.Step{
			{StepNumber: 1, StepType: model.StepThought, Name: "plan"},
			{StepNumber: 2, StepType: model.StepToolCall, Name: "search",
				Input: map[string]any{"q": "sky"}, Output: map[string]any{"hits": 3.0}},
			{StepNumber: 3, StepType: model.StepOutput, Name: "answer",
				Output: map[string]any{"text": "rayleigh scattering"}},
		},
	}
}

func TestTraceDigest(t *testing.T) {
	digest := Trace(resolvedFixture(), 3000)

	assert.Contains(t, digest.Text, "TRACE: researcher v2.1 [COMPLETED]")
	assert.Contains(t, digest.Text, "INPUT: {\"question\":\"why is the sky blue\"}")
	assert.Contains(t, digest.Text, "OUTPUT: {\"answer\":\"rayleigh scattering\"}")
	assert.Contains(t, digest.Text, "STEPS (3 total, 1200ms, 900 tokens):")
	assert.Contains(t, digest.Text, "1. [thought] plan")
	assert.Contains(t, digest.Text, "2. [tool_call] search")
	assert.Contains(t, digest.Text, "input: {\"q\":\"sky\"}")
	assert.Contains(t, digest.Text, "TAGS: physics, demo")
	assert.Equal(t, (len(digest.Text)+3)/4, digest.EstimatedTokens)
}

func TestTraceDigestError(t *testing.T) {
	resolved := resolvedFixture()
	resolved.Status = model.StatusFailed
	resolved.Error = strPtrT("upstream timeout")

	digest := Trace(resolved, 3000)
	assert.Contains(t, digest.Text, "[FAILED]")
	assert.Contains(t, digest.Text, "ERROR: upstream timeout")
}

func TestTraceDigestBudgetFiltersSteps(t *testing.T) {
	resolved := resolvedFixture()
	resolved.Steps = nil
	for i := 1; i <= 60; i++ {
		stepType := model.StepThought
		if i == 30 {
			stepType = model.StepDecision
		}
		if i == 60 {
			stepType = model.StepOutput
		}
		resolved.Steps = append(resolved.Steps, model.Step{
			StepNumber: i, StepType: stepType,
			Name: fmt.Sprintf("step-%02d", i),
		})
	}

	// A tight budget keeps only error/output/decision steps.
	digest := Trace(resolved, 300)
	assert.NotContains(t, digest.Text, "[thought] step-01")
	assert.Contains(t, digest.Text, "[decision] step-30")
	assert.Contains(t, digest.Text, "[output] step-60")
	assert.Contains(t, digest.Text, "more steps omitted for brevity")
}

func TestTraceDigestTruncatesLongInput(t *testing.T) {
	resolved := resolvedFixture()
	resolved.Input = map[string]any{"blob": strings.Repeat("x", 1000)}

	digest := Trace(resolved, 3000)
	inputLine := ""
	for _, line := range strings.Split(digest.Text, "\n") {
		if strings.HasPrefix(line, "INPUT: ") {
			inputLine = line
		}
	}
	require.NotEmpty(t, inputLine)
	assert.LessOrEqual(t, len(inputLine), len("INPUT: ")+303)
	assert.True(t, strings.HasSuffix(inputLine, "..."))
}

func TestDiffDigest(t *testing.T) {
	left := resolvedFixture()
	right := resolvedFixture()
	right.Status = model.StatusFailed
	right.Error = strPtrT("boom")

	two := 2
	diff := model.TraceDiff{
		LeftStepCount:  3,
		RightStepCount: 3,
		DivergenceStep: &two,
		Diffs: []model.StepDiff{
			{StepNumber: 2, Field: "name", LeftValue: "search", RightValue: "browse"},
		},
	}

	digest := Diff(diff, left, right)
	assert.Contains(t, digest.Text, "LEFT:  researcher [COMPLETED] 3 steps")
	assert.Contains(t, digest.Text, "RIGHT: researcher [FAILED] 3 steps")
	assert.Contains(t, digest.Text, "DIVERGENCE: first difference at step 2")
	assert.Contains(t, digest.Text, "- Step 2, name: LEFT=search | RIGHT=browse")
	assert.Contains(t, digest.Text, "RIGHT ERROR: boom")
}

func TestDiffDigestCapsLines(t *testing.T) {
	left := resolvedFixture()
	right := resolvedFixture()

	one := 1
	diff := model.TraceDiff{DivergenceStep: &one}
	for i := 1; i <= 20; i++ {
		diff.Diffs = append(diff.Diffs, model.StepDiff{
			StepNumber: i, Field: "name", LeftValue: "a", RightValue: "b",
		})
	}

	digest := Diff(diff, left, right)
	assert.Contains(t, digest.Text, "... and 5 more")
	assert.Equal(t, maxDiffLines, strings.Count(digest.Text, "- Step "))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			name: "direct object",
			text: `  {"score": 0.5}  `,
			want: map[string]any{"score": 0.5},
		},
		{
			name: "prose around object",
			text: `Analysis: {"root_cause":"x"} end.`,
			want: map[string]any{"root_cause": "x"},
		},
		{
			name: "fenced with language tag",
			text: "```json\n{\"score\":0.9}\n```",
			want: map[string]any{"score": 0.9},
		},
		{
			name: "fenced without language tag",
			text: "Here you go:\n```\n{\"ok\": true}\n```\nanything else?",
			want: map[string]any{"ok": true},
		},
		{
			name: "nested braces in prose",
			text: `the verdict {"outer": {"inner": 1}} trailing`,
			want: map[string]any{"outer": map[string]any{"inner": 1.0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONFailures(t *testing.T) {
	for _, text := range []string{
		"",
		"no json here",
		"{broken",
		"[1, 2, 3]", // arrays are not verdict objects
	} {
		_, err := ExtractJSON(text)
		assert.ErrorIs(t, err, model.ErrParse, "input %q", text)
	}
}
