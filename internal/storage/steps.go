package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentreplay/agentreplay/internal/ident"
	"github.com/agentreplay/agentreplay/pkg/model"
)

const stepColumns = `id, trace_id, step_number, step_type, name, input, output,
	started_at, ended_at, duration_ms, tokens_used, model, error, metadata`

// AppendStep adds one step (and its snapshot, if supplied) to a running
// trace inside a single transaction. Appending to a terminal trace fails
// with model.ErrInvalidState; a step_number collision surfaces as
// model.ErrInvalidInput via the UNIQUE constraint.
func (s *Store) AppendStep(ctx context.Context, traceID string, in model.StepInput) (model.Step, error) {
	if err := in.Validate(); err != nil {
		return model.Step{}, err
	}
	resolvedID, err := s.ResolveTraceID(ctx, traceID)
	if err != nil {
		return model.Step{}, err
	}

	var stepID string
	err = s.DoTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM agent_traces WHERE id = ?;`, resolvedID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage: trace %q: %w", traceID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: read trace status: %w", err)
		}
		if model.TraceStatus(status).Terminal() {
			return fmt.Errorf("storage: trace %q is %s, steps can only be appended to running traces: %w",
				resolvedID, status, model.ErrInvalidState)
		}

		stepID, err = s.insertStepTx(ctx, tx, resolvedID, in)
		return err
	})
	if err != nil {
		return model.Step{}, err
	}

	if s.stepsAppended != nil {
		s.stepsAppended.Add(ctx, 1)
	}
	return s.getStepRow(ctx, stepID)
}

// insertStepTx inserts one step row plus its optional snapshot. Used by
// ingest and append (fork copies raw rows itself); returns the minted step id.
func (s *Store) insertStepTx(ctx context.Context, tx *sql.Tx, traceID string, in model.StepInput) (string, error) {
	stepID := ident.NewStep()

	inputText, err := objectText(in.Input)
	if err != nil {
		return "", fmt.Errorf("input: %w", err)
	}
	outputText, err := objectTextOrNull(in.Output)
	if err != nil {
		return "", fmt.Errorf("output: %w", err)
	}
	metaText, err := objectText(in.Metadata)
	if err != nil {
		return "", fmt.Errorf("metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_trace_steps (
			id, trace_id, step_number, step_type, name, input, output,
			started_at, ended_at, duration_ms, tokens_used, model, error, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		stepID, traceID, in.StepNumber, string(in.StepType), in.Name, inputText, outputText,
		formatTimePtr(in.StartedAt), formatTimePtr(in.EndedAt), nullInt64(in.DurationMs),
		nullInt64(in.TokensUsed), nullStr(in.Model), nullStr(in.Error), metaText,
	); err != nil {
		return "", fmt.Errorf("storage: insert step: %w", translateErr(err))
	}

	if in.Snapshot != nil {
		if err := s.insertSnapshotTx(ctx, tx, stepID, *in.Snapshot); err != nil {
			return "", err
		}
	}
	return stepID, nil
}

// ListSteps returns all steps of a trace ordered by step_number ASC.
func (s *Store) ListSteps(ctx context.Context, traceID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM agent_trace_steps WHERE trace_id = ? ORDER BY step_number ASC;",
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: step rows: %w", err)
	}
	return steps, nil
}

// StepText is the raw persisted form of the fields the diff engine compares.
// Input and Output are the stored JSON text — equality is byte equality.
type StepText struct {
	StepNumber int
	StepType   string
	Name       string
	InputJSON  string
	OutputJSON *string
}

// ListStepTexts returns the persisted comparison columns of a trace's steps
// ordered by step_number ASC, without decoding the JSON.
func (s *Store) ListStepTexts(ctx context.Context, traceID string) ([]StepText, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_number, step_type, name, input, output
		FROM agent_trace_steps WHERE trace_id = ? ORDER BY step_number ASC;
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list step texts: %w", err)
	}
	defer rows.Close()

	var out []StepText
	for rows.Next() {
		var st StepText
		var output sql.NullString
		if err := rows.Scan(&st.StepNumber, &st.StepType, &st.Name, &st.InputJSON, &output); err != nil {
			return nil, fmt.Errorf("storage: scan step text: %w", err)
		}
		st.OutputJSON = strPtr(output)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) getStepRow(ctx context.Context, id string) (model.Step, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM agent_trace_steps WHERE id = ?;", id,
	)
	step, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Step{}, fmt.Errorf("storage: step %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return step, nil
}

func scanStep(scan func(dest ...any) error) (model.Step, error) {
	var (
		step                model.Step
		stepType, inputText string
		output, startedAt   sql.NullString
		endedAt, mdl, errMsg sql.NullString
		durationMs, tokens  sql.NullInt64
		metaText            string
	)
	if err := scan(
		&step.ID, &step.TraceID, &step.StepNumber, &stepType, &step.Name, &inputText,
		&output, &startedAt, &endedAt, &durationMs, &tokens, &mdl, &errMsg, &metaText,
	); err != nil {
		return model.Step{}, err
	}
	step.StepType = model.StepType(stepType)
	step.Input = parseObject(inputText)
	step.Output = parseObjectPtr(output)
	step.StartedAt = parseTimePtr(startedAt)
	step.EndedAt = parseTimePtr(endedAt)
	step.DurationMs = int64Ptr(durationMs)
	step.TokensUsed = int64Ptr(tokens)
	step.Model = strPtr(mdl)
	step.Error = strPtr(errMsg)
	step.Metadata = parseObject(metaText)
	return step, nil
}
