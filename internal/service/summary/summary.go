// Package summary compresses resolved traces and diffs into bounded
// plain-text digests used as judge input, and extracts JSON from judge
// responses.
package summary

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentreplay/agentreplay/pkg/model"
)

// DefaultTokenBudget bounds a trace digest when the caller does not.
const DefaultTokenBudget = 3000

// Summary is a digest with its estimated token count (len/4, rounded up).
type Summary struct {
	Text            string `json:"text"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Trace renders a resolved trace into a budget-bounded digest. When the
// character budget cannot fit every step, only the significant ones are kept:
// error, output, and decision steps, plus any step carrying an error.
func Trace(resolved *model.ResolvedTrace, maxTokenBudget int) Summary {
	if maxTokenBudget <= 0 {
		maxTokenBudget = DefaultTokenBudget
	}

	var b strings.Builder

	header := "TRACE: " + resolved.AgentName
	if resolved.AgentVersion != nil {
		header += " v" + *resolved.AgentVersion
	}
	header += " [" + strings.ToUpper(string(resolved.Status)) + "]"
	b.WriteString(header + "\n")

	b.WriteString("INPUT: " + truncate(objectJSON(resolved.Input), 300) + "\n")
	if resolved.Output != nil {
		b.WriteString("OUTPUT: " + truncate(objectJSON(resolved.Output), 300) + "\n")
	}

	stepsHeader := fmt.Sprintf("STEPS (%d total", len(resolved.Steps))
	if resolved.DurationMs != nil {
		stepsHeader += fmt.Sprintf(", %dms", *resolved.DurationMs)
	}
	if resolved.TotalTokens != nil {
		stepsHeader += fmt.Sprintf(", %d tokens", *resolved.TotalTokens)
	}
	stepsHeader += "):"
	b.WriteString(stepsHeader + "\n")

	charBudget := 4*maxTokenBudget - b.Len() - 200
	showAll := charBudget > len(resolved.Steps)*80
	outputLimit := 100
	if charBudget > 2000 {
		outputLimit = 200
	}

	rendered := 0
	written := 0
	truncated := false
	for _, step := range resolved.Steps {
		if !showAll && !significant(step) {
			continue
		}
		line := stepLine(step, outputLimit)
		if written+len(line) > charBudget {
			truncated = true
			break
		}
		b.WriteString(line + "\n")
		written += len(line)
		rendered++
	}
	if truncated || (!showAll && rendered < len(resolved.Steps)) {
		b.WriteString(fmt.Sprintf("... (%d more steps omitted for brevity)\n", len(resolved.Steps)-rendered))
	}

	if resolved.Error != nil {
		b.WriteString("ERROR: " + truncate(*resolved.Error, 200) + "\n")
	}
	if len(resolved.Tags) > 0 {
		b.WriteString("TAGS: " + strings.Join(resolved.Tags, ", ") + "\n")
	}

	text := b.String()
	return Summary{Text: text, EstimatedTokens: (len(text) + 3) / 4}
}

// significant reports whether a step survives budget-driven filtering.
func significant(step model.Step) bool {
	switch step.StepType {
	case model.StepError, model.StepOutput, model.StepDecision:
		return true
	}
	return step.Error != nil
}

func stepLine(step model.Step, outputLimit int) string {
	var parts []string
	if step.DurationMs != nil {
		parts = append(parts, fmt.Sprintf("%dms", *step.DurationMs))
	}
	if step.TokensUsed != nil {
		parts = append(parts, fmt.Sprintf("%d tok", *step.TokensUsed))
	}
	if step.Model != nil {
		parts = append(parts, *step.Model)
	}

	line := fmt.Sprintf("%d. [%s] %s", step.StepNumber, step.StepType, step.Name)
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, ", ") + ")"
	}
	if step.StepType == model.StepToolCall && len(step.Input) > 0 {
		line += " input: " + truncate(objectJSON(step.Input), outputLimit)
	}
	if step.Output != nil {
		line += " -> " + truncate(objectJSON(step.Output), outputLimit)
	}
	if step.Error != nil {
		line += " ERROR: " + truncate(*step.Error, outputLimit)
	}
	return line
}

// maxDiffLines caps the rendered difference list in a diff digest.
const maxDiffLines = 15

// Diff renders a trace diff plus both sides' headers into a bounded digest.
func Diff(diff model.TraceDiff, left, right *model.ResolvedTrace) Summary {
	var b strings.Builder

	b.WriteString("LEFT:  " + sideHeader(left) + "\n")
	b.WriteString("RIGHT: " + sideHeader(right) + "\n")
	b.WriteString("LEFT INPUT: " + truncate(objectJSON(left.Input), 200) + "\n")
	b.WriteString("RIGHT INPUT: " + truncate(objectJSON(right.Input), 200) + "\n")
	if left.Output != nil {
		b.WriteString("LEFT OUTPUT: " + truncate(objectJSON(left.Output), 200) + "\n")
	}
	if right.Output != nil {
		b.WriteString("RIGHT OUTPUT: " + truncate(objectJSON(right.Output), 200) + "\n")
	}

	if diff.DivergenceStep == nil {
		b.WriteString("DIVERGENCE: none, traces are identical in compared fields\n")
	} else {
		b.WriteString(fmt.Sprintf("DIVERGENCE: first difference at step %d\n", *diff.DivergenceStep))
	}

	for i, d := range diff.Diffs {
		if i == maxDiffLines {
			b.WriteString(fmt.Sprintf("... and %d more\n", len(diff.Diffs)-maxDiffLines))
			break
		}
		line := fmt.Sprintf("- Step %d, %s: LEFT=%s | RIGHT=%s",
			d.StepNumber, d.Field, truncate(valueText(d.LeftValue), 80), truncate(valueText(d.RightValue), 80))
		b.WriteString(line + "\n")
	}

	if left.Error != nil {
		b.WriteString("LEFT ERROR: " + truncate(*left.Error, 200) + "\n")
	}
	if right.Error != nil {
		b.WriteString("RIGHT ERROR: " + truncate(*right.Error, 200) + "\n")
	}

	text := b.String()
	return Summary{Text: text, EstimatedTokens: (len(text) + 3) / 4}
}

func sideHeader(t *model.ResolvedTrace) string {
	h := fmt.Sprintf("%s [%s] %d steps", t.AgentName, strings.ToUpper(string(t.Status)), len(t.Steps))
	if t.DurationMs != nil {
		h += fmt.Sprintf(", %dms", *t.DurationMs)
	}
	return h
}

func valueText(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func objectJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
