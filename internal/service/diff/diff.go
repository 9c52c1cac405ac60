// Package diff compares two traces step by step.
//
// Steps are aligned positionally over the step_number-ordered lists; within a
// position the fields step_type, name, input, and output are compared in that
// order. Input and output equality is byte equality of the persisted JSON
// text — the storage layer serialises all writes through encoding/json, whose
// sorted map keys make equal-content objects byte-equal.
package diff

import (
	"context"
	"log/slog"

	"github.com/agentreplay/agentreplay/internal/storage"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// Engine computes trace diffs from the persisted step text.
type Engine struct {
	db     *storage.Store
	logger *slog.Logger
}

// New creates a diff engine.
func New(db *storage.Store, logger *slog.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// Compare diffs two traces and reports the first divergence.
func (e *Engine) Compare(ctx context.Context, leftID, rightID string) (model.TraceDiff, error) {
	resolvedLeft, err := e.db.ResolveTraceID(ctx, leftID)
	if err != nil {
		return model.TraceDiff{}, err
	}
	resolvedRight, err := e.db.ResolveTraceID(ctx, rightID)
	if err != nil {
		return model.TraceDiff{}, err
	}

	left, err := e.db.ListStepTexts(ctx, resolvedLeft)
	if err != nil {
		return model.TraceDiff{}, err
	}
	right, err := e.db.ListStepTexts(ctx, resolvedRight)
	if err != nil {
		return model.TraceDiff{}, err
	}

	result := model.TraceDiff{
		LeftTraceID:    resolvedLeft,
		RightTraceID:   resolvedRight,
		LeftStepCount:  len(left),
		RightStepCount: len(right),
		Diffs:          []model.StepDiff{},
	}

	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(right):
			result.Diffs = append(result.Diffs, model.StepDiff{
				StepNumber: left[i].StepNumber,
				Field:      "missing_right",
				LeftValue:  left[i].Name,
				RightValue: nil,
			})
		case i >= len(left):
			result.Diffs = append(result.Diffs, model.StepDiff{
				StepNumber: right[i].StepNumber,
				Field:      "missing_left",
				LeftValue:  nil,
				RightValue: right[i].Name,
			})
		default:
			result.Diffs = append(result.Diffs, compareStep(left[i], right[i])...)
		}
	}

	if len(result.Diffs) > 0 {
		first := result.Diffs[0].StepNumber
		result.DivergenceStep = &first
	}

	e.logger.Debug("diff: traces compared",
		"left", resolvedLeft, "right", resolvedRight, "diffs", len(result.Diffs))
	return result, nil
}

// compareStep emits one StepDiff per mismatched field, preserving the
// step_type, name, input, output order.
func compareStep(left, right storage.StepText) []model.StepDiff {
	var diffs []model.StepDiff
	num := left.StepNumber

	if left.StepType != right.StepType {
		diffs = append(diffs, model.StepDiff{
			StepNumber: num, Field: "step_type",
			LeftValue: left.StepType, RightValue: right.StepType,
		})
	}
	if left.Name != right.Name {
		diffs = append(diffs, model.StepDiff{
			StepNumber: num, Field: "name",
			LeftValue: left.Name, RightValue: right.Name,
		})
	}
	if left.InputJSON != right.InputJSON {
		diffs = append(diffs, model.StepDiff{
			StepNumber: num, Field: "input",
			LeftValue: left.InputJSON, RightValue: right.InputJSON,
		})
	}
	if !equalOutput(left.OutputJSON, right.OutputJSON) {
		diffs = append(diffs, model.StepDiff{
			StepNumber: num, Field: "output",
			LeftValue: outputValue(left.OutputJSON), RightValue: outputValue(right.OutputJSON),
		})
	}
	return diffs
}

func equalOutput(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func outputValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
