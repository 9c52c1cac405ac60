package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentreplay/agentreplay/internal/ident"
	"github.com/agentreplay/agentreplay/pkg/model"
)

const traceColumns = `id, agent_name, agent_version, "trigger", status, input, output,
	started_at, ended_at, total_duration_ms, total_tokens, total_cost_usd, error,
	tags, metadata, parent_trace_id, forked_from_step, created_at`

// IngestTrace stores a fully-materialised trace with its steps and snapshots
// inside one transaction and returns the stored row re-read.
func (s *Store) IngestTrace(ctx context.Context, in model.TraceInput) (model.Trace, error) {
	if err := in.Validate(); err != nil {
		return model.Trace{}, err
	}

	now := time.Now()
	startedAt := now
	if in.StartedAt != nil {
		startedAt = *in.StartedAt
	}
	trigger := in.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}
	status := in.Status
	if status == "" {
		if in.EndedAt != nil {
			status = model.StatusCompleted
		} else {
			status = model.StatusRunning
		}
	}

	traceID := ident.NewTrace()

	inputText, err := objectText(in.Input)
	if err != nil {
		return model.Trace{}, fmt.Errorf("input: %w", err)
	}
	outputText, err := objectTextOrNull(in.Output)
	if err != nil {
		return model.Trace{}, fmt.Errorf("output: %w", err)
	}
	metaText, err := objectText(in.Metadata)
	if err != nil {
		return model.Trace{}, fmt.Errorf("metadata: %w", err)
	}
	tagText, err := tagsText(in.Tags)
	if err != nil {
		return model.Trace{}, err
	}

	err = s.DoTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_traces (
				id, agent_name, agent_version, "trigger", status, input, output,
				started_at, ended_at, total_duration_ms, total_tokens, total_cost_usd,
				error, tags, metadata, parent_trace_id, forked_from_step, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			traceID, in.AgentName, nullStr(in.AgentVersion), string(trigger), string(status),
			inputText, outputText, formatTime(startedAt), formatTimePtr(in.EndedAt),
			nullInt64(in.DurationMs), nullInt64(in.TotalTokens), nullFloat(in.TotalCostUSD),
			nullStr(in.Error), tagText, metaText, nullStr(in.ParentTraceID),
			nullInt(in.ForkedFromStep), formatTime(now),
		); err != nil {
			return fmt.Errorf("storage: insert trace: %w", translateErr(err))
		}

		for i, step := range in.Steps {
			if _, err := s.insertStepTx(ctx, tx, traceID, step); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Trace{}, err
	}

	if s.tracesIngested != nil {
		s.tracesIngested.Add(ctx, 1)
	}
	s.logger.Debug("storage: trace ingested", "trace_id", traceID, "agent", in.AgentName, "steps", len(in.Steps))

	return s.getTraceRow(ctx, traceID)
}

// ResolveTraceID finds a trace id by exact match, falling back to prefix
// resolution. Returns model.ErrNotFound when nothing matches.
func (s *Store) ResolveTraceID(ctx context.Context, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", fmt.Errorf("storage: empty trace id: %w", model.ErrNotFound)
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM agent_traces WHERE id = ?;`, idOrPrefix,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage: resolve trace id: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM agent_traces WHERE id LIKE ? || '%' ORDER BY id LIMIT 1;`, idOrPrefix,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage: trace %q: %w", idOrPrefix, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage: resolve trace prefix: %w", err)
	}
	return id, nil
}

// GetTrace returns the resolved view: the trace with all steps ordered by
// step_number and all verdicts newest-first. Returns (nil, nil) when neither
// the id nor the prefix matches.
func (s *Store) GetTrace(ctx context.Context, idOrPrefix string) (*model.ResolvedTrace, error) {
	id, err := s.ResolveTraceID(ctx, idOrPrefix)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	trace, err := s.getTraceRow(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	evals, err := s.ListEvals(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ResolvedTrace{Trace: trace, Steps: steps, Evals: evals}, nil
}

// MustGetTrace is GetTrace for callers that require the trace to exist.
func (s *Store) MustGetTrace(ctx context.Context, idOrPrefix string) (*model.ResolvedTrace, error) {
	resolved, err := s.GetTrace(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, fmt.Errorf("storage: trace %q: %w", idOrPrefix, model.ErrNotFound)
	}
	return resolved, nil
}

// sortColumns is the whitelist of ListTraces sort keys mapped to columns.
var sortColumns = map[string]string{
	model.SortStartedAt: "started_at",
	model.SortDuration:  "total_duration_ms",
	model.SortTokens:    "total_tokens",
	model.SortCost:      "total_cost_usd",
	model.SortAgentName: "agent_name",
}

// ListTraces returns one page of traces plus the unpaginated total.
func (s *Store) ListTraces(ctx context.Context, filter model.ListFilter) (model.TracePage, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		if !filter.Status.Valid() {
			return model.TracePage{}, model.Invalidf("status: unknown value %q", *filter.Status)
		}
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentName != "" {
		where = append(where, "agent_name LIKE '%' || ? || '%'")
		args = append(args, filter.AgentName)
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(agent_traces.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agent_traces"+whereClause, args...,
	).Scan(&total); err != nil {
		return model.TracePage{}, fmt.Errorf("storage: count traces: %w", err)
	}

	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = model.SortStartedAt
	}
	column, ok := sortColumns[sortBy]
	if !ok {
		return model.TracePage{}, model.Invalidf("sort_by: unknown sort key %q", sortBy)
	}
	direction := "DESC"
	if filter.SortAsc {
		direction = "ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 25
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		"SELECT %s FROM agent_traces%s ORDER BY %s %s LIMIT ? OFFSET ?",
		traceColumns, whereClause, column, direction,
	)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return model.TracePage{}, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	items := []model.Trace{}
	for rows.Next() {
		t, err := scanTrace(rows.Scan)
		if err != nil {
			return model.TracePage{}, fmt.Errorf("storage: scan trace: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return model.TracePage{}, fmt.Errorf("storage: trace rows: %w", err)
	}
	return model.TracePage{Items: items, Total: total}, nil
}

// UpdateTrace writes only the keys present in the patch. An empty patch is a
// no-op returning the current row.
func (s *Store) UpdateTrace(ctx context.Context, id string, patch model.TracePatch) (model.Trace, error) {
	if err := patch.Validate(); err != nil {
		return model.Trace{}, err
	}
	resolvedID, err := s.ResolveTraceID(ctx, id)
	if err != nil {
		return model.Trace{}, err
	}
	if patch.Empty() {
		return s.getTraceRow(ctx, resolvedID)
	}

	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Output != nil {
		text, err := objectText(patch.Output)
		if err != nil {
			return model.Trace{}, fmt.Errorf("output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, text)
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, formatTime(*patch.EndedAt))
	}
	if patch.DurationMs != nil {
		sets = append(sets, "total_duration_ms = ?")
		args = append(args, *patch.DurationMs)
	}
	if patch.TotalTokens != nil {
		sets = append(sets, "total_tokens = ?")
		args = append(args, *patch.TotalTokens)
	}
	if patch.TotalCostUSD != nil {
		sets = append(sets, "total_cost_usd = ?")
		args = append(args, *patch.TotalCostUSD)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.Tags != nil {
		text, err := tagsText(patch.Tags)
		if err != nil {
			return model.Trace{}, err
		}
		sets = append(sets, "tags = ?")
		args = append(args, text)
	}
	if patch.Metadata != nil {
		text, err := objectText(patch.Metadata)
		if err != nil {
			return model.Trace{}, fmt.Errorf("metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, text)
	}

	query := "UPDATE agent_traces SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, append(args, resolvedID)...); err != nil {
		return model.Trace{}, fmt.Errorf("storage: update trace: %w", translateErr(err))
	}
	return s.getTraceRow(ctx, resolvedID)
}

// DeleteTrace removes the trace row; steps, snapshots, and verdicts go with
// it via ON DELETE CASCADE.
func (s *Store) DeleteTrace(ctx context.Context, id string) error {
	resolvedID, err := s.ResolveTraceID(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_traces WHERE id = ?;`, resolvedID)
	if err != nil {
		return fmt.Errorf("storage: delete trace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: trace %q: %w", id, model.ErrNotFound)
	}
	s.logger.Debug("storage: trace deleted", "trace_id", resolvedID)
	return nil
}

func (s *Store) getTraceRow(ctx context.Context, id string) (model.Trace, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+traceColumns+" FROM agent_traces WHERE id = ?;", id,
	)
	t, err := scanTrace(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trace{}, fmt.Errorf("storage: trace %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return t, nil
}

func scanTrace(scan func(dest ...any) error) (model.Trace, error) {
	var (
		t                           model.Trace
		trigger, status             string
		agentVersion, output        sql.NullString
		startedAt, createdAt        string
		endedAt, errMsg, parentID   sql.NullString
		durationMs, totalTokens     sql.NullInt64
		forkedFromStep              sql.NullInt64
		totalCost                   sql.NullFloat64
		inputText, tagText, metaTxt string
	)
	if err := scan(
		&t.ID, &t.AgentName, &agentVersion, &trigger, &status, &inputText, &output,
		&startedAt, &endedAt, &durationMs, &totalTokens, &totalCost, &errMsg,
		&tagText, &metaTxt, &parentID, &forkedFromStep, &createdAt,
	); err != nil {
		return model.Trace{}, err
	}
	t.AgentVersion = strPtr(agentVersion)
	t.Trigger = model.Trigger(trigger)
	t.Status = model.TraceStatus(status)
	t.Input = parseObject(inputText)
	t.Output = parseObjectPtr(output)
	t.StartedAt = parseTime(startedAt)
	t.EndedAt = parseTimePtr(endedAt)
	t.DurationMs = int64Ptr(durationMs)
	t.TotalTokens = int64Ptr(totalTokens)
	t.TotalCostUSD = floatPtr(totalCost)
	t.Error = strPtr(errMsg)
	t.Tags = parseTags(tagText)
	t.Metadata = parseObject(metaTxt)
	t.ParentTraceID = strPtr(parentID)
	t.ForkedFromStep = intPtr(forkedFromStep)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}
