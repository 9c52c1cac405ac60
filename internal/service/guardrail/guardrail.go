// Package guardrail evaluates enabled policies against the steps of a trace.
//
// A policy's match pattern is a conjunction over optional predicates; a
// pattern with none set matches nothing. Malformed name regexes never crash
// a run: the predicate simply does not match.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/agentreplay/agentreplay/internal/storage"
	"github.com/agentreplay/agentreplay/pkg/model"
)

// Matcher tests guardrail policies against traces.
type Matcher struct {
	db     *storage.Store
	logger *slog.Logger
}

// New creates a guardrail matcher.
func New(db *storage.Store, logger *slog.Logger) *Matcher {
	return &Matcher{db: db, logger: logger}
}

// TestPolicies evaluates every enabled policy against every step of a trace,
// returning one entry per step in step order, matches in descending policy
// priority. A trace with no steps fails with model.ErrNotFound — the matcher
// requires a resolved trace.
func (m *Matcher) TestPolicies(ctx context.Context, traceID string) ([]model.StepMatches, error) {
	resolvedID, err := m.db.ResolveTraceID(ctx, traceID)
	if err != nil {
		return nil, err
	}
	steps, err := m.db.ListSteps(ctx, resolvedID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("guardrail: trace %q has no steps: %w", resolvedID, model.ErrNotFound)
	}
	policies, err := m.db.ListEnabledPolicies(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]model.StepMatches, 0, len(steps))
	for _, step := range steps {
		entry := model.StepMatches{Step: step, Matches: []model.PolicyMatch{}}
		for _, policy := range policies {
			if reason, ok := matchStep(policy.MatchPattern, step); ok {
				entry.Matches = append(entry.Matches, model.PolicyMatch{
					Policy: policy,
					Action: policy.Action,
					Reason: reason,
				})
			}
		}
		results = append(results, entry)
	}

	m.logger.Debug("guardrail: policies tested",
		"trace_id", resolvedID, "steps", len(steps), "policies", len(policies))
	return results, nil
}

// matchStep tests a pattern against one step. All set predicates must hold;
// the returned reason names each predicate that matched.
func matchStep(pattern model.MatchPattern, step model.Step) (string, bool) {
	if pattern.Empty() {
		return "", false
	}

	var reasons []string

	if pattern.StepType != nil {
		if step.StepType != *pattern.StepType {
			return "", false
		}
		reasons = append(reasons, fmt.Sprintf("step_type=%s", *pattern.StepType))
	}
	if pattern.NameContains != nil {
		if !strings.Contains(strings.ToLower(step.Name), strings.ToLower(*pattern.NameContains)) {
			return "", false
		}
		reasons = append(reasons, fmt.Sprintf("name contains %q", *pattern.NameContains))
	}
	if pattern.NameRegex != nil {
		re, err := regexp.Compile("(?i)" + *pattern.NameRegex)
		if err != nil || !re.MatchString(step.Name) {
			return "", false
		}
		reasons = append(reasons, fmt.Sprintf("name matches /%s/", *pattern.NameRegex))
	}
	if pattern.InputContains != nil {
		if !containsInsensitive(objectJSON(step.Input), *pattern.InputContains) {
			return "", false
		}
		reasons = append(reasons, fmt.Sprintf("input contains %q", *pattern.InputContains))
	}
	if pattern.OutputContains != nil {
		haystack := ""
		if step.Output != nil {
			haystack = objectJSON(step.Output)
		}
		if !containsInsensitive(haystack, *pattern.OutputContains) {
			return "", false
		}
		reasons = append(reasons, fmt.Sprintf("output contains %q", *pattern.OutputContains))
	}

	return strings.Join(reasons, ", "), true
}

func containsInsensitive(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func objectJSON(v map[string]any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// SeedDefaults installs a small default policy set if no policies exist yet.
// Idempotent: it does nothing when any policy is already present.
func (m *Matcher) SeedDefaults(ctx context.Context) error {
	existing, err := m.db.ListPolicies(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	strPtr := func(s string) *string { return &s }
	defaults := []model.PolicyInput{
		{
			Name:        "deny-destructive-tools",
			Description: strPtr("Deny tool calls whose name suggests destructive intent"),
			Action:      model.ActionDeny,
			Priority:    100,
			MatchPattern: model.MatchPattern{
				StepType:  stepTypePtr(model.StepToolCall),
				NameRegex: strPtr(`delete|drop|remove_all|rm -rf|truncate|destroy`),
			},
			Tags: []string{"default", "safety"},
		},
		{
			Name:        "warn-pii-output",
			Description: strPtr("Warn when a step output looks like it carries an email address"),
			Action:      model.ActionWarn,
			Priority:    50,
			MatchPattern: model.MatchPattern{
				OutputContains: strPtr("@"),
			},
			Tags: []string{"default", "privacy"},
		},
	}
	for _, in := range defaults {
		if _, err := m.db.AddPolicy(ctx, in); err != nil {
			return fmt.Errorf("guardrail: seed policy %s: %w", in.Name, err)
		}
	}
	m.logger.Info("guardrail: default policies seeded", "count", len(defaults))
	return nil
}

func stepTypePtr(t model.StepType) *model.StepType { return &t }
