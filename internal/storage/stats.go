package storage

import (
	"context"
	"fmt"
)

// Stats is an aggregate view of the recorder's contents.
type Stats struct {
	TotalTraces   int            `json:"total_traces"`
	ByStatus      map[string]int `json:"by_status"`
	DistinctAgents int           `json:"distinct_agents"`
	TotalSteps    int            `json:"total_steps"`
	TotalEvals    int            `json:"total_evals"`
	TotalPolicies int            `json:"total_policies"`
}

// TraceStats computes aggregate counts across the store.
func (s *Store) TraceStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agent_traces GROUP BY status;`)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: trace stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("storage: scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalTraces += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("storage: status rows: %w", err)
	}

	for _, q := range []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(DISTINCT agent_name) FROM agent_traces;`, &stats.DistinctAgents},
		{`SELECT COUNT(*) FROM agent_trace_steps;`, &stats.TotalSteps},
		{`SELECT COUNT(*) FROM agent_trace_evals;`, &stats.TotalEvals},
		{`SELECT COUNT(*) FROM guardrail_policies;`, &stats.TotalPolicies},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("storage: trace stats count: %w", err)
		}
	}
	return stats, nil
}
