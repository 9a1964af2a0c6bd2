package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/backend/internal/store"
)

// fakeRuleStore keeps rules in memory and applies the same status
// transitions the SQL store does.
type fakeRuleStore struct {
	rules      []*store.AutomationRule
	executions []*store.RuleExecution
}

func (f *fakeRuleStore) ActiveRulesForTrigger(ctx context.Context, team, triggerType string) ([]*store.AutomationRule, error) {
	var out []*store.AutomationRule
	for _, r := range f.rules {
		if r.Team == team && r.TriggerType == triggerType && r.Status == store.RuleActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) RecordRuleExecution(ctx context.Context, e *store.RuleExecution, oneTimeDone bool) error {
	f.executions = append(f.executions, e)
	for _, r := range f.rules {
		if r.ID == e.RuleID {
			r.ExecutionCount++
			if oneTimeDone {
				r.Status = store.RuleCompleted
			}
		}
	}
	return nil
}

type fakeAppender struct {
	appends []appendCall
}

type appendCall struct {
	stream    string
	eventType string
	data      map[string]interface{}
}

func (f *fakeAppender) Append(ctx context.Context, stream, eventType string, data map[string]interface{}) (string, error) {
	f.appends = append(f.appends, appendCall{stream, eventType, data})
	return "1-0", nil
}

type fakeTaskStore struct {
	created  []*store.Task
	assigned map[string]string
	statuses map[string]string
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{assigned: map[string]string{}, statuses: map[string]string{}}
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, t *store.Task) error {
	f.created = append(f.created, t)
	return nil
}

func (f *fakeTaskStore) AssignTask(ctx context.Context, id, assignee string) error {
	f.assigned[id] = assignee
	return nil
}

func (f *fakeTaskStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	f.statuses[id] = status
	return nil
}

type fakeChat struct {
	posts []string
}

func (f *fakeChat) PostChannel(ctx context.Context, channel, message string) error {
	f.posts = append(f.posts, channel+": "+message)
	return nil
}

func newEngine(rs *fakeRuleStore) (*Engine, *fakeAppender, *fakeTaskStore, *fakeChat) {
	appender := &fakeAppender{}
	tasks := newFakeTaskStore()
	chat := &fakeChat{}
	return NewEngine(rs, NewExecutor(appender, tasks, chat)), appender, tasks, chat
}

func TestConditionsMatch(t *testing.T) {
	cases := []struct {
		name       string
		conditions map[string]interface{}
		data       map[string]interface{}
		want       bool
	}{
		{
			name:       "string substring case-insensitive",
			conditions: map[string]interface{}{"title": "css"},
			data:       map[string]interface{}{"title": "finish CSS layout"},
			want:       true,
		},
		{
			name:       "string substring miss",
			conditions: map[string]interface{}{"title": "api"},
			data:       map[string]interface{}{"title": "finish CSS layout"},
			want:       false,
		},
		{
			name:       "list element appears in string",
			conditions: map[string]interface{}{"title": []interface{}{"CSS", "HTML"}},
			data:       map[string]interface{}{"title": "finish css layout"},
			want:       true,
		},
		{
			name:       "list element in list actual",
			conditions: map[string]interface{}{"labels": []interface{}{"bug"}},
			data:       map[string]interface{}{"labels": []interface{}{"bug", "backend"}},
			want:       true,
		},
		{
			name:       "list no element matches",
			conditions: map[string]interface{}{"labels": []interface{}{"docs"}},
			data:       map[string]interface{}{"labels": []interface{}{"bug"}},
			want:       false,
		},
		{
			name:       "missing key is not applicable",
			conditions: map[string]interface{}{"task_keywords": []interface{}{"CSS"}, "user": "rahul"},
			data:       map[string]interface{}{"user": "rahul", "title": "finish CSS layout"},
			want:       true,
		},
		{
			name:       "scalar equality",
			conditions: map[string]interface{}{"count": float64(3)},
			data:       map[string]interface{}{"count": float64(3)},
			want:       true,
		},
		{
			name:       "scalar inequality",
			conditions: map[string]interface{}{"count": float64(3)},
			data:       map[string]interface{}{"count": float64(4)},
			want:       false,
		},
		{
			name:       "unmet string condition fails whole rule",
			conditions: map[string]interface{}{"user": "rahul", "title": "api"},
			data:       map[string]interface{}{"user": "rahul", "title": "css work"},
			want:       false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ConditionsMatch(tc.conditions, tc.data))
		})
	}
}

func TestHandleTriggerResolvesPronounAndNotifies(t *testing.T) {
	rs := &fakeRuleStore{rules: []*store.AutomationRule{{
		ID:          "rule-1",
		Team:        "team-1",
		TriggerType: "task_completed",
		TriggerConditions: map[string]interface{}{
			"user":          "rahul",
			"task_keywords": []interface{}{"CSS"},
		},
		ActionType: "notify_user",
		ActionParams: map[string]interface{}{
			"user":    "him",
			"message": "API next",
		},
		Status: store.RuleActive,
	}}}
	engine, appender, _, _ := newEngine(rs)

	err := engine.HandleTrigger(context.Background(), "team-1", "task_completed", map[string]interface{}{
		"user":  "rahul",
		"title": "finish CSS layout",
	})
	require.NoError(t, err)

	require.Len(t, appender.appends, 1)
	call := appender.appends[0]
	assert.Equal(t, "notifications", call.stream)
	assert.Equal(t, "automation_triggered", call.eventType)
	assert.Equal(t, "rahul", call.data["recipient_id"])
	assert.Equal(t, "API next", call.data["message"])

	require.Len(t, rs.executions, 1)
	assert.Equal(t, "success", rs.executions[0].Status)
}

func TestOneTimeRuleCompletesAfterSuccess(t *testing.T) {
	rule := &store.AutomationRule{
		ID:          "rule-2",
		Team:        "team-1",
		TriggerType: "task_completed",
		ActionType:  "notify_user",
		ActionParams: map[string]interface{}{
			"user":    "bob",
			"message": "done",
		},
		Status:    store.RuleActive,
		IsOneTime: true,
	}
	rs := &fakeRuleStore{rules: []*store.AutomationRule{rule}}
	engine, appender, _, _ := newEngine(rs)
	ctx := context.Background()
	data := map[string]interface{}{"user": "bob"}

	require.NoError(t, engine.HandleTrigger(ctx, "team-1", "task_completed", data))
	assert.Equal(t, store.RuleCompleted, rule.Status)
	assert.Len(t, appender.appends, 1)

	// Completed rules never match again.
	require.NoError(t, engine.HandleTrigger(ctx, "team-1", "task_completed", data))
	assert.Len(t, appender.appends, 1)
	assert.Len(t, rs.executions, 1)
}

func TestUnknownActionRecordsFailedExecution(t *testing.T) {
	rule := &store.AutomationRule{
		ID:          "rule-3",
		Team:        "team-1",
		TriggerType: "task_completed",
		ActionType:  "launch_rocket",
		Status:      store.RuleActive,
	}
	rs := &fakeRuleStore{rules: []*store.AutomationRule{rule}}
	engine, _, _, _ := newEngine(rs)

	require.NoError(t, engine.HandleTrigger(context.Background(), "team-1", "task_completed", map[string]interface{}{"user": "bob"}))

	require.Len(t, rs.executions, 1)
	assert.Equal(t, "failed", rs.executions[0].Status)
	assert.Equal(t, "unknown action", rs.executions[0].Error)
	// The rule stays active.
	assert.Equal(t, store.RuleActive, rule.Status)
}

func TestCreateTaskActionNotifiesAssignee(t *testing.T) {
	rule := &store.AutomationRule{
		ID:          "rule-4",
		Team:        "team-1",
		TriggerType: "pr_merged",
		ActionType:  "create_task",
		ActionParams: map[string]interface{}{
			"title":    "update changelog",
			"assignee": "carol",
			"priority": "low",
		},
		Status: store.RuleActive,
	}
	rs := &fakeRuleStore{rules: []*store.AutomationRule{rule}}
	engine, appender, tasks, _ := newEngine(rs)

	require.NoError(t, engine.HandleTrigger(context.Background(), "team-1", "pr_merged", map[string]interface{}{
		"team_id": "team-1",
		"author":  "alice",
	}))

	require.Len(t, tasks.created, 1)
	assert.Equal(t, "update changelog", tasks.created[0].Title)
	assert.Equal(t, "carol", tasks.created[0].Assignee)

	require.Len(t, appender.appends, 1)
	assert.Equal(t, "task_assigned", appender.appends[0].eventType)
	assert.Equal(t, "carol", appender.appends[0].data["recipient_id"])
}

func TestSendMessageActionPostsToChannel(t *testing.T) {
	rule := &store.AutomationRule{
		ID:          "rule-5",
		Team:        "team-1",
		TriggerType: "task_completed",
		ActionType:  "send_message",
		ActionParams: map[string]interface{}{
			"channel": "#eng",
			"message": "they finished the layout",
		},
		Status: store.RuleActive,
	}
	rs := &fakeRuleStore{rules: []*store.AutomationRule{rule}}
	engine, _, _, chat := newEngine(rs)

	require.NoError(t, engine.HandleTrigger(context.Background(), "team-1", "task_completed", map[string]interface{}{"user": "rahul"}))

	require.Len(t, chat.posts, 1)
	assert.Equal(t, "#eng: rahul finished the layout", chat.posts[0])
}

func TestUpdateTaskAction(t *testing.T) {
	rule := &store.AutomationRule{
		ID:          "rule-6",
		Team:        "team-1",
		TriggerType: "pr_merged",
		ActionType:  "update_task",
		ActionParams: map[string]interface{}{
			"task_id": "task-9",
			"status":  "completed",
		},
		Status: store.RuleActive,
	}
	rs := &fakeRuleStore{rules: []*store.AutomationRule{rule}}
	engine, _, tasks, _ := newEngine(rs)

	require.NoError(t, engine.HandleTrigger(context.Background(), "team-1", "pr_merged", map[string]interface{}{}))
	assert.Equal(t, "completed", tasks.statuses["task-9"])
}
