package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentreplay/agentreplay/internal/ident"
	"github.com/agentreplay/agentreplay/pkg/model"
)

const policyColumns = `id, name, description, action, priority, enabled, match_pattern, action_params, tags, created_at, updated_at`

// AddPolicy stores a guardrail policy. Names are globally unique; a duplicate
// surfaces as model.ErrInvalidInput.
func (s *Store) AddPolicy(ctx context.Context, in model.PolicyInput) (model.Policy, error) {
	if err := in.Validate(); err != nil {
		return model.Policy{}, err
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	patternBytes, err := json.Marshal(in.MatchPattern)
	if err != nil {
		return model.Policy{}, model.Invalidf("match_pattern is not JSON-serialisable (%v)", err)
	}
	paramsText, err := objectTextOrNull(in.ActionParams)
	if err != nil {
		return model.Policy{}, fmt.Errorf("action_params: %w", err)
	}
	tagText, err := tagsText(in.Tags)
	if err != nil {
		return model.Policy{}, err
	}

	id := ident.NewPolicy()
	now := formatTime(time.Now())
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}

	err = s.DoTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO guardrail_policies (id, name, description, action, priority, enabled, match_pattern, action_params, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, in.Name, nullStr(in.Description), string(in.Action), in.Priority,
			enabledInt, string(patternBytes), paramsText, tagText, now, now)
		if err != nil {
			return fmt.Errorf("storage: insert policy: %w", translateErr(err))
		}
		return nil
	})
	if err != nil {
		return model.Policy{}, err
	}
	return s.getPolicyRow(ctx, id)
}

// ListPolicies returns every policy ordered by priority DESC, then name.
func (s *Store) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	return s.listPolicies(ctx, false)
}

// ListEnabledPolicies returns only enabled policies, priority DESC — the set
// the guardrail matcher evaluates.
func (s *Store) ListEnabledPolicies(ctx context.Context) ([]model.Policy, error) {
	return s.listPolicies(ctx, true)
}

func (s *Store) listPolicies(ctx context.Context, enabledOnly bool) ([]model.Policy, error) {
	query := "SELECT " + policyColumns + " FROM guardrail_policies"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY priority DESC, name;"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	policies := []model.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// RemovePolicy deletes a policy by id, falling back to name.
func (s *Store) RemovePolicy(ctx context.Context, idOrName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guardrail_policies WHERE id = ?;`, idOrName)
	if err != nil {
		return fmt.Errorf("storage: delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM guardrail_policies WHERE name = ?;`, idOrName)
	if err != nil {
		return fmt.Errorf("storage: delete policy by name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: policy %q: %w", idOrName, model.ErrNotFound)
	}
	return nil
}

func (s *Store) getPolicyRow(ctx context.Context, id string) (model.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+policyColumns+" FROM guardrail_policies WHERE id = ?;", id,
	)
	p, err := scanPolicy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Policy{}, fmt.Errorf("storage: policy %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Policy{}, fmt.Errorf("storage: get policy: %w", err)
	}
	return p, nil
}

func scanPolicy(scan func(dest ...any) error) (model.Policy, error) {
	var (
		p                    model.Policy
		description, params  sql.NullString
		action, patternText  string
		enabled              int
		tagText              string
		createdAt, updatedAt string
	)
	if err := scan(&p.ID, &p.Name, &description, &action, &p.Priority, &enabled,
		&patternText, &params, &tagText, &createdAt, &updatedAt); err != nil {
		return model.Policy{}, err
	}
	p.Description = strPtr(description)
	p.Action = model.GuardAction(action)
	p.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(patternText), &p.MatchPattern); err != nil {
		p.MatchPattern = model.MatchPattern{}
	}
	p.ActionParams = parseObjectPtr(params)
	p.Tags = parseTags(tagText)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}
