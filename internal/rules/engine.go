// Package rules stores automation rules and evaluates triggers against
// them. A trigger is a (team, trigger_type, trigger_data) tuple fired by the
// task monitor or other pipeline components; matching rules dispatch their
// actions through the Executor, and every match attempt leaves an append-only
// RuleExecution record.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teampulse/backend/internal/store"
)

// RuleStore is the persistence slice the engine needs.
type RuleStore interface {
	ActiveRulesForTrigger(ctx context.Context, team, triggerType string) ([]*store.AutomationRule, error)
	RecordRuleExecution(ctx context.Context, e *store.RuleExecution, oneTimeDone bool) error
}

// Context carries the trigger environment into action execution.
type Context struct {
	RuleID      string
	TriggerType string
	TriggerData map[string]interface{}
	TriggerUser string
}

type Engine struct {
	store      RuleStore
	executor   *Executor
	executions *prometheus.CounterVec
}

func NewEngine(ruleStore RuleStore, executor *Executor) *Engine {
	return &Engine{store: ruleStore, executor: executor}
}

// WithExecutionCounter wires the per-outcome execution counter.
func (e *Engine) WithExecutionCounter(c *prometheus.CounterVec) *Engine {
	e.executions = c
	return e
}

// RulesForTrigger returns the active rules of a team whose conditions are
// satisfied by the trigger data.
func (e *Engine) RulesForTrigger(ctx context.Context, team, triggerType string, triggerData map[string]interface{}) ([]*store.AutomationRule, error) {
	rules, err := e.store.ActiveRulesForTrigger(ctx, team, triggerType)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	var matched []*store.AutomationRule
	for _, r := range rules {
		if ConditionsMatch(r.TriggerConditions, triggerData) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// HandleTrigger evaluates and executes every matching rule. Failures of one
// rule never block the others; each attempt is recorded.
func (e *Engine) HandleTrigger(ctx context.Context, team, triggerType string, triggerData map[string]interface{}) error {
	matched, err := e.RulesForTrigger(ctx, team, triggerType, triggerData)
	if err != nil {
		return err
	}

	for _, rule := range matched {
		rctx := Context{
			RuleID:      rule.ID,
			TriggerType: triggerType,
			TriggerData: triggerData,
			TriggerUser: triggerUser(triggerData),
		}

		params := resolvePronouns(rule.ActionParams, rctx.TriggerUser)
		result := e.executor.Execute(ctx, rule.ActionType, params, rctx)

		exec := &store.RuleExecution{
			ID:              uuid.New().String(),
			RuleID:          rule.ID,
			TriggerSnapshot: triggerData,
			Status:          "success",
			ActionsPerformed: []map[string]interface{}{
				{"action": rule.ActionType, "success": result.Success, "result": result.Result},
			},
		}
		if !result.Success {
			exec.Status = "failed"
			exec.Error = result.Error
		}

		oneTimeDone := rule.IsOneTime && result.Success
		if err := e.store.RecordRuleExecution(ctx, exec, oneTimeDone); err != nil {
			slog.Error("failed to record rule execution", "rule_id", rule.ID, "error", err)
		}
		if e.executions != nil {
			e.executions.WithLabelValues(exec.Status).Inc()
		}
		slog.Info("rule executed",
			"rule_id", rule.ID, "trigger_type", triggerType,
			"action", rule.ActionType, "status", exec.Status)
	}
	return nil
}

// ConditionsMatch applies the per-key match rules:
//
//   - list condition: matches when any element appears in the actual value
//     (substring for string actuals, membership for list actuals, equality
//     for other scalars);
//   - string condition: case-insensitive substring;
//   - anything else: equality.
//
// A key absent from the trigger data is "not applicable" and does not fail
// the match.
func ConditionsMatch(conditions, triggerData map[string]interface{}) bool {
	for key, want := range conditions {
		actual, ok := triggerData[key]
		if !ok {
			continue
		}
		if !valueMatches(want, actual) {
			return false
		}
	}
	return true
}

func valueMatches(want, actual interface{}) bool {
	switch w := want.(type) {
	case []interface{}:
		for _, elem := range w {
			if elementAppears(elem, actual) {
				return true
			}
		}
		return false
	case string:
		if s, ok := actual.(string); ok {
			return strings.Contains(strings.ToLower(s), strings.ToLower(w))
		}
		return strings.EqualFold(w, fmt.Sprint(actual))
	default:
		return fmt.Sprint(want) == fmt.Sprint(actual)
	}
}

func elementAppears(elem, actual interface{}) bool {
	switch a := actual.(type) {
	case []interface{}:
		for _, item := range a {
			if fmt.Sprint(item) == fmt.Sprint(elem) {
				return true
			}
		}
		return false
	case string:
		if es, ok := elem.(string); ok {
			return strings.Contains(strings.ToLower(a), strings.ToLower(es))
		}
		return fmt.Sprint(elem) == a
	default:
		return fmt.Sprint(elem) == fmt.Sprint(actual)
	}
}

func triggerUser(triggerData map[string]interface{}) string {
	if u, ok := triggerData["user"].(string); ok && u != "" {
		return u
	}
	if u, ok := triggerData["author"].(string); ok && u != "" {
		return u
	}
	return ""
}

var pronounRe = regexp.MustCompile(`(?i)\b(him|her|them|they)\b`)

// resolvePronouns substitutes pronoun tokens in string action params with the
// triggering user, so rules written as "notify him" target whoever fired the
// trigger.
func resolvePronouns(params map[string]interface{}, user string) map[string]interface{} {
	if user == "" {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = pronounRe.ReplaceAllString(s, user)
		} else {
			out[k] = v
		}
	}
	return out
}
