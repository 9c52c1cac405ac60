package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentreplay/agentreplay/internal/ident"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// ForkTrace creates a child trace by copying the parent's steps (and their
// snapshots) up to and including fromStep, inside one transaction.
//
// The fork is born running regardless of the parent's status, with trigger
// manual, parent linkage set, and the parent's input unless modifiedInput is
// supplied. modifiedEnv replaces only the environment field of the snapshot
// at the fork point; tool state, context window, and token count carry over
// unchanged. Step rows are copied verbatim (timestamps included) with fresh
// ids.
func (s *Store) ForkTrace(ctx context.Context, parentID string, fromStep int, modifiedInput, modifiedEnv map[string]any) (model.ForkResult, error) {
	if fromStep < 1 {
		return model.ForkResult{}, model.Invalidf("from_step: must be a positive integer")
	}
	resolvedParent, err := s.ResolveTraceID(ctx, parentID)
	if err != nil {
		return model.ForkResult{}, err
	}

	parent, err := s.getTraceRow(ctx, resolvedParent)
	if err != nil {
		return model.ForkResult{}, err
	}

	var maxStep sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(step_number) FROM agent_trace_steps WHERE trace_id = ?;`, resolvedParent,
	).Scan(&maxStep); err != nil {
		return model.ForkResult{}, fmt.Errorf("storage: read max step: %w", err)
	}
	if !maxStep.Valid {
		return model.ForkResult{}, fmt.Errorf("storage: trace %q has no steps to fork from: %w",
			resolvedParent, model.ErrInvalidState)
	}
	if int64(fromStep) > maxStep.Int64 {
		return model.ForkResult{}, fmt.Errorf("storage: from_step %d exceeds last step %d: %w",
			fromStep, maxStep.Int64, model.ErrInvalidState)
	}

	forkID := ident.NewTrace()
	now := time.Now()

	inputText, err := objectText(parent.Input)
	if err != nil {
		return model.ForkResult{}, fmt.Errorf("input: %w", err)
	}
	if modifiedInput != nil {
		inputText, err = objectText(modifiedInput)
		if err != nil {
			return model.ForkResult{}, fmt.Errorf("modified_input: %w", err)
		}
	}
	metaText, err := objectText(map[string]any{
		"forked_from":    resolvedParent,
		"forked_at_step": fromStep,
	})
	if err != nil {
		return model.ForkResult{}, err
	}
	tagText, err := tagsText(parent.Tags)
	if err != nil {
		return model.ForkResult{}, err
	}
	envText := ""
	if modifiedEnv != nil {
		envText, err = objectText(modifiedEnv)
		if err != nil {
			return model.ForkResult{}, fmt.Errorf("modified_env: %w", err)
		}
	}

	stepsCopied := 0
	err = s.DoTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_traces (
				id, agent_name, agent_version, "trigger", status, input,
				started_at, tags, metadata, parent_trace_id, forked_from_step, created_at
			) VALUES (?, ?, ?, 'manual', 'running', ?, ?, ?, ?, ?, ?, ?);
		`, forkID, parent.AgentName, nullStr(parent.AgentVersion), inputText,
			formatTime(now), tagText, metaText, resolvedParent, fromStep, formatTime(now),
		); err != nil {
			return fmt.Errorf("storage: insert forked trace: %w", translateErr(err))
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, step_number, step_type, name, input, output, started_at, ended_at,
				duration_ms, tokens_used, model, error, metadata
			FROM agent_trace_steps
			WHERE trace_id = ? AND step_number <= ?
			ORDER BY step_number ASC;
		`, resolvedParent, fromStep)
		if err != nil {
			return fmt.Errorf("storage: read parent steps: %w", err)
		}

		type stepRow struct {
			oldID, name, stepType, input, metadata string
			stepNumber                             int
			output, startedAt, endedAt             sql.NullString
			durationMs, tokensUsed                 sql.NullInt64
			mdl, errMsg                            sql.NullString
		}
		var parentSteps []stepRow
		for rows.Next() {
			var r stepRow
			if err := rows.Scan(&r.oldID, &r.stepNumber, &r.stepType, &r.name, &r.input,
				&r.output, &r.startedAt, &r.endedAt, &r.durationMs, &r.tokensUsed,
				&r.mdl, &r.errMsg, &r.metadata); err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan parent step: %w", err)
			}
			parentSteps = append(parentSteps, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("storage: parent step rows: %w", err)
		}
		rows.Close()

		for _, r := range parentSteps {
			newStepID := ident.NewStep()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_trace_steps (
					id, trace_id, step_number, step_type, name, input, output,
					started_at, ended_at, duration_ms, tokens_used, model, error, metadata
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, newStepID, forkID, r.stepNumber, r.stepType, r.name, r.input, r.output,
				r.startedAt, r.endedAt, r.durationMs, r.tokensUsed, r.mdl, r.errMsg, r.metadata,
			); err != nil {
				return fmt.Errorf("storage: copy step %d: %w", r.stepNumber, translateErr(err))
			}

			var (
				ctxWin, env, toolState string
				tokenCount             int
			)
			err := tx.QueryRowContext(ctx, `
				SELECT context_window, environment, tool_state, token_count
				FROM agent_trace_snapshots WHERE step_id = ?;
			`, r.oldID).Scan(&ctxWin, &env, &toolState, &tokenCount)
			if errors.Is(err, sql.ErrNoRows) {
				stepsCopied++
				continue
			}
			if err != nil {
				return fmt.Errorf("storage: read parent snapshot: %w", err)
			}
			if modifiedEnv != nil && r.stepNumber == fromStep {
				env = envText
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_trace_snapshots (id, step_id, context_window, environment, tool_state, token_count)
				VALUES (?, ?, ?, ?, ?, ?);
			`, ident.NewSnapshot(), newStepID, ctxWin, env, toolState, tokenCount); err != nil {
				return fmt.Errorf("storage: copy snapshot for step %d: %w", r.stepNumber, translateErr(err))
			}
			stepsCopied++
		}
		return nil
	})
	if err != nil {
		return model.ForkResult{}, err
	}

	s.logger.Info("storage: trace forked",
		"parent_trace_id", resolvedParent, "forked_trace_id", forkID,
		"from_step", fromStep, "steps_copied", stepsCopied)

	return model.ForkResult{
		OriginalTraceID: resolvedParent,
		ForkedTraceID:   forkID,
		ForkedFromStep:  fromStep,
		StepsCopied:     stepsCopied,
	}, nil
}
