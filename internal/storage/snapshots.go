package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentreplay/agentreplay/internal/ident"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// insertSnapshotTx stores the single snapshot of a step. The UNIQUE step_id
// constraint enforces at-most-one; a second insert surfaces as invalid input.
func (s *Store) insertSnapshotTx(ctx context.Context, tx *sql.Tx, stepID string, in model.SnapshotInput) error {
	if in.TokenCount < 0 {
		return model.Invalidf("snapshot.token_count: must not be negative")
	}
	ctxText, err := objectText(in.ContextWindow)
	if err != nil {
		return fmt.Errorf("snapshot.context_window: %w", err)
	}
	envText, err := objectText(in.Environment)
	if err != nil {
		return fmt.Errorf("snapshot.environment: %w", err)
	}
	toolText, err := objectText(in.ToolState)
	if err != nil {
		return fmt.Errorf("snapshot.tool_state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_trace_snapshots (id, step_id, context_window, environment, tool_state, token_count)
		VALUES (?, ?, ?, ?, ?, ?);
	`, ident.NewSnapshot(), stepID, ctxText, envText, toolText, in.TokenCount); err != nil {
		return fmt.Errorf("storage: insert snapshot: %w", translateErr(err))
	}
	return nil
}

// GetStepSnapshot returns the snapshot attached to the step at step_number
// of the given trace, or nil when the step carries none.
func (s *Store) GetStepSnapshot(ctx context.Context, traceID string, stepNumber int) (*model.Snapshot, error) {
	resolvedID, err := s.ResolveTraceID(ctx, traceID)
	if err != nil {
		return nil, err
	}

	var (
		snap                        model.Snapshot
		ctxText, envText, toolText string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT sn.id, sn.step_id, sn.context_window, sn.environment, sn.tool_state, sn.token_count
		FROM agent_trace_snapshots sn
		JOIN agent_trace_steps st ON st.id = sn.step_id
		WHERE st.trace_id = ? AND st.step_number = ?;
	`, resolvedID, stepNumber).Scan(
		&snap.ID, &snap.StepID, &ctxText, &envText, &toolText, &snap.TokenCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get snapshot: %w", err)
	}
	snap.ContextWindow = parseObject(ctxText)
	snap.Environment = parseObject(envText)
	snap.ToolState = parseObject(toolText)
	return &snap, nil
}
