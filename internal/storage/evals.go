package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentreplay/agentreplay/internal/ident"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// CreateEval stores one evaluation verdict. Score is clamped into [0, 1];
// passed is stored explicitly as 0/1, never derived at read time.
func (s *Store) CreateEval(ctx context.Context, traceID string, in model.EvalInput) (model.EvalVerdict, error) {
	if err := in.Validate(); err != nil {
		return model.EvalVerdict{}, err
	}
	resolvedID, err := s.ResolveTraceID(ctx, traceID)
	if err != nil {
		return model.EvalVerdict{}, err
	}

	score := in.Score
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	detailText, err := objectText(in.Details)
	if err != nil {
		return model.EvalVerdict{}, fmt.Errorf("details: %w", err)
	}

	verdict := model.EvalVerdict{
		ID:            ident.NewEval(),
		TraceID:       resolvedID,
		EvaluatorType: in.EvaluatorType,
		EvaluatorName: in.EvaluatorName,
		Score:         score,
		Passed:        in.Passed,
		Details:       parseObject(detailText),
		EvaluatedAt:   time.Now().UTC(),
	}

	passed := 0
	if in.Passed {
		passed = 1
	}
	err = s.DoTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_trace_evals (id, trace_id, evaluator_type, evaluator_name, score, passed, details, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, verdict.ID, resolvedID, string(in.EvaluatorType), in.EvaluatorName,
			score, passed, detailText, formatTime(verdict.EvaluatedAt))
		if err != nil {
			return fmt.Errorf("storage: insert eval: %w", translateErr(err))
		}
		return nil
	})
	if err != nil {
		return model.EvalVerdict{}, err
	}

	if s.evalsCreated != nil {
		s.evalsCreated.Add(ctx, 1)
	}
	s.logger.Debug("storage: eval created",
		"trace_id", resolvedID, "evaluator", in.EvaluatorName, "score", score, "passed", in.Passed)
	return verdict, nil
}

// ListEvals returns all verdicts for a trace ordered by evaluated_at DESC.
func (s *Store) ListEvals(ctx context.Context, traceID string) ([]model.EvalVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, evaluator_type, evaluator_name, score, passed, details, evaluated_at
		FROM agent_trace_evals WHERE trace_id = ? ORDER BY evaluated_at DESC, id;
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list evals: %w", err)
	}
	defer rows.Close()

	evals := []model.EvalVerdict{}
	for rows.Next() {
		var (
			v                     model.EvalVerdict
			evalType, detailText  string
			passed                int
			evaluatedAt           string
		)
		if err := rows.Scan(&v.ID, &v.TraceID, &evalType, &v.EvaluatorName,
			&v.Score, &passed, &detailText, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan eval: %w", err)
		}
		v.EvaluatorType = model.EvaluatorType(evalType)
		v.Passed = passed == 1
		v.Details = parseObject(detailText)
		v.EvaluatedAt = parseTime(evaluatedAt)
		evals = append(evals, v)
	}
	return evals, rows.Err()
}
