package model

import "time"

// GuardAction is what a matched guardrail policy asks the caller to do.
type GuardAction string

const (
	ActionAllow         GuardAction = "allow"
	ActionDeny          GuardAction = "deny"
	ActionWarn          GuardAction = "warn"
	ActionRequireReview GuardAction = "require_review"
)

// Valid reports whether a is a known guard action.
func (a GuardAction) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionWarn, ActionRequireReview:
		return true
	}
	return false
}

// MatchPattern is a conjunction over optional step predicates. A pattern with
// no predicates set matches nothing — empty patterns must not accidentally
// match everything.
type MatchPattern struct {
	StepType       *StepType `json:"step_type,omitempty"`
	NameContains   *string   `json:"name_contains,omitempty"`
	NameRegex      *string   `json:"name_regex,omitempty"`
	InputContains  *string   `json:"input_contains,omitempty"`
	OutputContains *string   `json:"output_contains,omitempty"`
}

// Empty reports whether the pattern has no predicates.
func (p MatchPattern) Empty() bool {
	return p.StepType == nil && p.NameContains == nil && p.NameRegex == nil &&
		p.InputContains == nil && p.OutputContains == nil
}

// Policy is a named guardrail rule matched against trace steps.
type Policy struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  *string        `json:"description,omitempty"`
	Action       GuardAction    `json:"action"`
	Priority     int            `json:"priority"`
	Enabled      bool           `json:"enabled"`
	MatchPattern MatchPattern   `json:"match_pattern"`
	ActionParams map[string]any `json:"action_params,omitempty"`
	Tags         []string       `json:"tags"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PolicyInput is the write contract for adding a policy.
type PolicyInput struct {
	Name         string         `json:"name"`
	Description  *string        `json:"description,omitempty"`
	Action       GuardAction    `json:"action"`
	Priority     int            `json:"priority"`
	Enabled      *bool          `json:"enabled,omitempty"` // default true
	MatchPattern MatchPattern   `json:"match_pattern"`
	ActionParams map[string]any `json:"action_params,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// Validate checks a PolicyInput before storage.
func (in PolicyInput) Validate() error {
	if in.Name == "" {
		return Invalidf("name: must not be empty")
	}
	if !in.Action.Valid() {
		return Invalidf("action: unknown value %q", in.Action)
	}
	if in.MatchPattern.StepType != nil && !in.MatchPattern.StepType.Valid() {
		return Invalidf("match_pattern.step_type: unknown value %q", *in.MatchPattern.StepType)
	}
	return nil
}

// PolicyMatch is one policy that matched a step.
type PolicyMatch struct {
	Policy Policy      `json:"policy"`
	Action GuardAction `json:"action"`
	Reason string      `json:"reason"`
}

// StepMatches pairs a step with every enabled policy that matched it,
// in descending policy priority.
type StepMatches struct {
	Step    Step          `json:"step"`
	Matches []PolicyMatch `json:"matches"`
}
