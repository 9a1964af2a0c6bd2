package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Rule statuses.
const (
	RuleActive    = "active"
	RulePaused    = "paused"
	RuleCompleted = "completed"
	RuleFailed    = "failed"
)

// AutomationRule is a stored trigger→action binding. Paused rules never
// match; one-time rules move to completed after their first successful
// execution.
type AutomationRule struct {
	ID                string
	Team              string
	TriggerType       string
	TriggerConditions map[string]interface{}
	ActionType        string
	ActionParams      map[string]interface{}
	Status            string
	IsOneTime         bool
	ExecutionCount    int
	CreatedBy         string
	CreatedAt         time.Time
}

func (s *Store) CreateRule(ctx context.Context, r *AutomationRule) error {
	if r.Status == "" {
		r.Status = RuleActive
	}
	conditions, err := json.Marshal(orEmpty(r.TriggerConditions))
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	params, err := json.Marshal(orEmpty(r.ActionParams))
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_rules (id, team, trigger_type, trigger_conditions, action_type, action_params, status, is_one_time, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Team, r.TriggerType, conditions, r.ActionType, params, r.Status, r.IsOneTime, r.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// ActiveRulesForTrigger returns the active rules of a team for one trigger
// type. Condition matching happens in the rule engine, not in SQL.
func (s *Store) ActiveRulesForTrigger(ctx context.Context, team, triggerType string) ([]*AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team, trigger_type, trigger_conditions, action_type, action_params, status, is_one_time, execution_count, created_by, created_at
		 FROM automation_rules
		 WHERE team = $1 AND trigger_type = $2 AND status = $3`,
		team, triggerType, RuleActive)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*AutomationRule
	for rows.Next() {
		var r AutomationRule
		var conditions, params []byte
		if err := rows.Scan(&r.ID, &r.Team, &r.TriggerType, &conditions, &r.ActionType, &params,
			&r.Status, &r.IsOneTime, &r.ExecutionCount, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal(conditions, &r.TriggerConditions); err != nil {
			return nil, fmt.Errorf("decode conditions for rule %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(params, &r.ActionParams); err != nil {
			return nil, fmt.Errorf("decode params for rule %s: %w", r.ID, err)
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// RecordRuleExecution bumps the execution counter and, for a one-time rule
// that just succeeded, retires the rule.
func (s *Store) RecordRuleExecution(ctx context.Context, e *RuleExecution, oneTimeDone bool) error {
	snapshot, err := json.Marshal(orEmpty(e.TriggerSnapshot))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	actions, err := json.Marshal(e.ActionsPerformed)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rule_executions (id, rule_id, trigger_snapshot, status, actions_performed, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.RuleID, snapshot, e.Status, actions, e.Error); err != nil {
		return fmt.Errorf("insert rule execution: %w", err)
	}

	update := `UPDATE automation_rules SET execution_count = execution_count + 1 WHERE id = $1`
	if oneTimeDone {
		update = `UPDATE automation_rules SET execution_count = execution_count + 1, status = 'completed' WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, update, e.RuleID); err != nil {
		return fmt.Errorf("update rule %s: %w", e.RuleID, err)
	}
	return tx.Commit()
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

// RuleExecution is the append-only record of one match attempt.
type RuleExecution struct {
	ID               string
	RuleID           string
	TriggerSnapshot  map[string]interface{}
	Status           string // success | failed
	ActionsPerformed []map[string]interface{}
	Error            string
	CreatedAt        time.Time
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
