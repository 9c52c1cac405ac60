// Package model defines the entities recorded by agentreplay: traces, steps,
// snapshots, evaluation verdicts, and guardrail policies.
//
// The package is public because the embedding API (the root agentreplay
// package) accepts and returns these types directly. Strings persisted by the
// storage layer remain JSON text for schema stability; the structured fields
// here (Input, Output, Metadata, ...) are the in-memory view.
package model

import "time"

// Trigger is what started an agent execution.
type Trigger string

const (
	TriggerManual      Trigger = "manual"
	TriggerUserMessage Trigger = "user_message"
	TriggerCron        Trigger = "cron"
	TriggerWebhook     Trigger = "webhook"
	TriggerAPI         Trigger = "api"
	TriggerEvent       Trigger = "event"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerUserMessage, TriggerCron, TriggerWebhook, TriggerAPI, TriggerEvent:
		return true
	}
	return false
}

// TraceStatus is the lifecycle state of a trace.
type TraceStatus string

const (
	StatusRunning   TraceStatus = "running"
	StatusCompleted TraceStatus = "completed"
	StatusFailed    TraceStatus = "failed"
	StatusTimeout   TraceStatus = "timeout"
)

// Valid reports whether s is a known status.
func (s TraceStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Terminal reports whether a trace in this status accepts no more steps.
func (s TraceStatus) Terminal() bool {
	return s != StatusRunning
}

// StepType is the category of one atomic action within a trace.
type StepType string

const (
	StepThought    StepType = "thought"
	StepToolCall   StepType = "tool_call"
	StepLLMCall    StepType = "llm_call"
	StepRetrieval  StepType = "retrieval"
	StepOutput     StepType = "output"
	StepDecision   StepType = "decision"
	StepError      StepType = "error"
	StepGuardCheck StepType = "guard_check"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepThought, StepToolCall, StepLLMCall, StepRetrieval,
		StepOutput, StepDecision, StepError, StepGuardCheck:
		return true
	}
	return false
}

// Trace is one recorded agent execution.
type Trace struct {
	ID             string         `json:"id"`
	AgentName      string         `json:"agent_name"`
	AgentVersion   *string        `json:"agent_version,omitempty"`
	Trigger        Trigger        `json:"trigger"`
	Status         TraceStatus    `json:"status"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	DurationMs     *int64         `json:"total_duration_ms,omitempty"`
	TotalTokens    *int64         `json:"total_tokens,omitempty"`
	TotalCostUSD   *float64       `json:"total_cost_usd,omitempty"`
	Error          *string        `json:"error,omitempty"`
	Tags           []string       `json:"tags"`
	Metadata       map[string]any `json:"metadata"`
	ParentTraceID  *string        `json:"parent_trace_id,omitempty"`
	ForkedFromStep *int           `json:"forked_from_step,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Step is one atomic action within a trace. Immutable after insertion.
type Step struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id"`
	StepNumber int            `json:"step_number"`
	StepType   StepType       `json:"step_type"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	TokensUsed *int64         `json:"tokens_used,omitempty"`
	Model      *string        `json:"model,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata"`
}

// Snapshot is frozen auxiliary state attached to a step. At most one per step.
type Snapshot struct {
	ID            string         `json:"id"`
	StepID        string         `json:"step_id"`
	ContextWindow map[string]any `json:"context_window"`
	Environment   map[string]any `json:"environment"`
	ToolState     map[string]any `json:"tool_state"`
	TokenCount    int            `json:"token_count"`
}

// ResolvedTrace is a trace together with its ordered steps and its
// evaluation verdicts (newest first). This is the composite read view every
// downstream component (diff, fork, evaluators, guardrails) consumes.
type ResolvedTrace struct {
	Trace
	Steps []Step        `json:"steps"`
	Evals []EvalVerdict `json:"evals"`
}

// ForkResult describes a completed fork operation.
type ForkResult struct {
	OriginalTraceID string `json:"original_trace_id"`
	ForkedTraceID   string `json:"forked_trace_id"`
	ForkedFromStep  int    `json:"forked_from_step"`
	StepsCopied     int    `json:"steps_copied"`
}

// StepDiff is one field-level difference between two traces at a step.
// Field is one of step_type, name, input, output, missing_left, missing_right.
type StepDiff struct {
	StepNumber int    `json:"step_number"`
	Field      string `json:"field"`
	LeftValue  any    `json:"left_value"`
	RightValue any    `json:"right_value"`
}

// TraceDiff is the result of a step-wise comparison of two traces.
// DivergenceStep is the step_number of the first difference, nil when the
// traces are identical in the compared fields.
type TraceDiff struct {
	LeftTraceID    string     `json:"left_trace_id"`
	RightTraceID   string     `json:"right_trace_id"`
	LeftStepCount  int        `json:"left_step_count"`
	RightStepCount int        `json:"right_step_count"`
	DivergenceStep *int       `json:"divergence_step"`
	Diffs          []StepDiff `json:"diffs"`
}
