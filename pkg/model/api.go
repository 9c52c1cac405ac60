package model

import (
	"math"
	"strconv"
	"time"
)

// TraceInput is the ingest contract for a fully-materialised trace.
// Defaults applied at ingest: Trigger manual, Tags [], Metadata {},
// StartedAt now, and Status derived — running when EndedAt is absent,
// completed when present — unless an explicit Status is supplied.
type TraceInput struct {
	AgentName      string         `json:"agent_name"`
	AgentVersion   *string        `json:"agent_version,omitempty"`
	Trigger        Trigger        `json:"trigger,omitempty"`
	Status         TraceStatus    `json:"status,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	DurationMs     *int64         `json:"total_duration_ms,omitempty"`
	TotalTokens    *int64         `json:"total_tokens,omitempty"`
	TotalCostUSD   *float64       `json:"total_cost_usd,omitempty"`
	Error          *string        `json:"error,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ParentTraceID  *string        `json:"parent_trace_id,omitempty"`
	ForkedFromStep *int           `json:"forked_from_step,omitempty"`
	Steps          []StepInput    `json:"steps,omitempty"`
}

// Validate checks a TraceInput. Messages are field-path prefixed so ingest
// batches can report which trace and field failed.
func (in TraceInput) Validate() error {
	if in.AgentName == "" {
		return Invalidf("agent_name: must not be empty")
	}
	if in.Trigger != "" && !in.Trigger.Valid() {
		return Invalidf("trigger: unknown value %q", in.Trigger)
	}
	if in.Status != "" && !in.Status.Valid() {
		return Invalidf("status: unknown value %q", in.Status)
	}
	if in.DurationMs != nil && *in.DurationMs < 0 {
		return Invalidf("total_duration_ms: must not be negative")
	}
	if in.TotalTokens != nil && *in.TotalTokens < 0 {
		return Invalidf("total_tokens: must not be negative")
	}
	if in.TotalCostUSD != nil && (*in.TotalCostUSD < 0 || isNonFinite(*in.TotalCostUSD)) {
		return Invalidf("total_cost_usd: must be finite and non-negative")
	}
	if (in.ParentTraceID == nil) != (in.ForkedFromStep == nil) {
		return Invalidf("parent_trace_id and forked_from_step: must be set together")
	}
	if in.ForkedFromStep != nil && *in.ForkedFromStep < 1 {
		return Invalidf("forked_from_step: must be a positive integer")
	}
	seen := make(map[int]bool, len(in.Steps))
	for i, s := range in.Steps {
		if err := s.validateAt(i); err != nil {
			return err
		}
		if seen[s.StepNumber] {
			return Invalidf("steps[%d].step_number: duplicate step_number %d", i, s.StepNumber)
		}
		seen[s.StepNumber] = true
	}
	return nil
}

// StepInput is the write contract for one step, used by both ingest and
// append. Input defaults to {} and Metadata to {}.
type StepInput struct {
	StepNumber int            `json:"step_number"`
	StepType   StepType       `json:"step_type"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	TokensUsed *int64         `json:"tokens_used,omitempty"`
	Model      *string        `json:"model,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Snapshot   *SnapshotInput `json:"snapshot,omitempty"`
}

// Validate checks a single StepInput (the append path).
func (in StepInput) Validate() error {
	return in.validateAt(-1)
}

func (in StepInput) validateAt(idx int) error {
	prefix := ""
	if idx >= 0 {
		prefix = "steps[" + strconv.Itoa(idx) + "]."
	}
	if in.StepNumber < 1 {
		return Invalidf("%sstep_number: must be a positive integer", prefix)
	}
	if !in.StepType.Valid() {
		return Invalidf("%sstep_type: unknown value %q", prefix, in.StepType)
	}
	if in.Name == "" {
		return Invalidf("%sname: must not be empty", prefix)
	}
	if in.TokensUsed != nil && *in.TokensUsed < 0 {
		return Invalidf("%stokens_used: must not be negative", prefix)
	}
	if in.Snapshot != nil && in.Snapshot.TokenCount < 0 {
		return Invalidf("%ssnapshot.token_count: must not be negative", prefix)
	}
	return nil
}

// SnapshotInput is the write contract for a per-step state snapshot.
type SnapshotInput struct {
	ContextWindow map[string]any `json:"context_window,omitempty"`
	Environment   map[string]any `json:"environment,omitempty"`
	ToolState     map[string]any `json:"tool_state,omitempty"`
	TokenCount    int            `json:"token_count"`
}

// TracePatch is a partial update for a trace. Only non-nil fields are
// written; a zero-value patch is a no-op returning the current row.
type TracePatch struct {
	Status       *TraceStatus   `json:"status,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	DurationMs   *int64         `json:"total_duration_ms,omitempty"`
	TotalTokens  *int64         `json:"total_tokens,omitempty"`
	TotalCostUSD *float64       `json:"total_cost_usd,omitempty"`
	Error        *string        `json:"error,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Empty reports whether the patch writes nothing.
func (p TracePatch) Empty() bool {
	return p.Status == nil && p.Output == nil && p.EndedAt == nil &&
		p.DurationMs == nil && p.TotalTokens == nil && p.TotalCostUSD == nil &&
		p.Error == nil && p.Tags == nil && p.Metadata == nil
}

// Validate checks the patch fields that carry constraints.
func (p TracePatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return Invalidf("status: unknown value %q", *p.Status)
	}
	if p.DurationMs != nil && *p.DurationMs < 0 {
		return Invalidf("total_duration_ms: must not be negative")
	}
	if p.TotalTokens != nil && *p.TotalTokens < 0 {
		return Invalidf("total_tokens: must not be negative")
	}
	if p.TotalCostUSD != nil && (*p.TotalCostUSD < 0 || isNonFinite(*p.TotalCostUSD)) {
		return Invalidf("total_cost_usd: must be finite and non-negative")
	}
	return nil
}

// Sortable columns for ListFilter. Anything else is rejected.
const (
	SortStartedAt = "started_at"
	SortDuration  = "duration"
	SortTokens    = "tokens"
	SortCost      = "cost"
	SortAgentName = "agent_name"
)

// ListFilter narrows and pages a trace listing. All fields optional.
type ListFilter struct {
	Status    *TraceStatus `json:"status,omitempty"`
	AgentName string       `json:"agent_name,omitempty"` // substring match
	Tag       string       `json:"tag,omitempty"`        // array-contains
	Since     *time.Time   `json:"since,omitempty"`      // lower bound on started_at
	SortBy    string       `json:"sort_by,omitempty"`    // whitelist; default started_at
	SortAsc   bool         `json:"sort_asc,omitempty"`   // default descending
	Limit     int          `json:"limit,omitempty"`      // default 25
	Offset    int          `json:"offset,omitempty"`
}

// TracePage is one page of a trace listing; Total is the unpaginated count.
type TracePage struct {
	Items []Trace `json:"items"`
	Total int     `json:"total"`
}

func isNonFinite(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
