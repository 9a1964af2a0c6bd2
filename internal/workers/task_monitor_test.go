package workers

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/knowledge"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/store"
)

type fakeMonitorStore struct {
	openTasks map[string]int // assignee → open count
}

func (f *fakeMonitorStore) CountOpenTasks(ctx context.Context, team, assignee string) (int, error) {
	return f.openTasks[assignee], nil
}

type fakeTrigger struct {
	calls []triggerCall
}

type triggerCall struct {
	team        string
	triggerType string
	data        map[string]interface{}
}

func (f *fakeTrigger) HandleTrigger(ctx context.Context, team, triggerType string, data map[string]interface{}) error {
	f.calls = append(f.calls, triggerCall{team, triggerType, data})
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

type monitorFixture struct {
	mon       *TaskMonitor
	store     *fakeMonitorStore
	artifacts *fakeArtifacts
	trigger   *fakeTrigger
	appender  *fakeAppender
}

func newMonitor() *monitorFixture {
	st := &fakeMonitorStore{openTasks: map[string]int{}}
	artifacts := &fakeArtifacts{}
	writer := knowledge.NewWriter(artifacts, &fakeVectors{})
	trig := &fakeTrigger{}
	app := &fakeAppender{}
	return &monitorFixture{
		mon:       NewTaskMonitor(st, writer, trig, app, metrics.New(prometheus.NewRegistry())),
		store:     st,
		artifacts: artifacts,
		trigger:   trig,
		appender:  app,
	}
}

func taskEntry(eventType string, data map[string]interface{}) broker.Entry {
	return broker.Entry{ID: "1-0", Stream: broker.StreamTaskEvents, EventType: eventType, Data: data}
}

func TestTaskCreatedNotifiesAssignee(t *testing.T) {
	fx := newMonitor()

	err := fx.mon.Handle(context.Background(), taskEntry("task_created", map[string]interface{}{
		"team_id":  "team-1",
		"task_id":  "task-1",
		"title":    "write docs",
		"assignee": "alice",
		"creator":  "bob",
	}))
	require.NoError(t, err)

	require.Len(t, fx.appender.appends, 1)
	assert.Equal(t, broker.StreamNotifications, fx.appender.appends[0].stream)
	assert.Equal(t, "alice", fx.appender.appends[0].data["recipient_id"])
}

func TestTaskCreatedSelfAssignedIsSilent(t *testing.T) {
	fx := newMonitor()

	err := fx.mon.Handle(context.Background(), taskEntry("task_created", map[string]interface{}{
		"assignee": "alice",
		"creator":  "alice",
	}))
	require.NoError(t, err)
	assert.Empty(t, fx.appender.appends)
}

func TestTaskCompletedFiresTriggerAndAllTasksCompleted(t *testing.T) {
	fx := newMonitor()
	fx.store.openTasks["rahul"] = 0

	err := fx.mon.Handle(context.Background(), taskEntry("task_completed", map[string]interface{}{
		"team_id": "team-1",
		"user":    "rahul",
		"title":   "finish CSS layout",
	}))
	require.NoError(t, err)

	require.Len(t, fx.trigger.calls, 2)
	assert.Equal(t, "task_completed", fx.trigger.calls[0].triggerType)
	assert.Equal(t, "all_tasks_completed", fx.trigger.calls[1].triggerType)
	assert.Equal(t, "rahul", fx.trigger.calls[1].data["user"])
}

func TestTaskCompletedWithOpenTasksSkipsAllTasksCompleted(t *testing.T) {
	fx := newMonitor()
	fx.store.openTasks["rahul"] = 2

	err := fx.mon.Handle(context.Background(), taskEntry("task_completed", map[string]interface{}{
		"team_id": "team-1",
		"user":    "rahul",
	}))
	require.NoError(t, err)

	require.Len(t, fx.trigger.calls, 1)
	assert.Equal(t, "task_completed", fx.trigger.calls[0].triggerType)
}

func TestTaskExtractedPersistsOnceAndNotifies(t *testing.T) {
	fx := newMonitor()
	data := map[string]interface{}{
		"team_id":   "team-1",
		"title":     "fix login redirect",
		"assignee":  "carol",
		"creator":   "erin",
		"priority":  "high",
		"source":    "issue",
		"source_id": "org/repo#7/0",
	}

	require.NoError(t, fx.mon.Handle(context.Background(), taskEntry("task_extracted", data)))
	require.Len(t, fx.artifacts.tasks, 1)
	assert.Equal(t, store.TaskPending, fx.artifacts.tasks[0].Status)
	assert.Equal(t, "issue", fx.artifacts.tasks[0].Source)
	assert.Equal(t, "erin", fx.artifacts.tasks[0].Creator)
	require.Len(t, fx.appender.appends, 1)
	assert.Equal(t, "carol", fx.appender.appends[0].data["recipient_id"])

	// Replay: same source identifier, no duplicate task, no duplicate DM.
	require.NoError(t, fx.mon.Handle(context.Background(), taskEntry("task_extracted", data)))
	assert.Len(t, fx.artifacts.tasks, 1)
	assert.Len(t, fx.appender.appends, 1)
}

func TestTaskUpdatedNotifiesNewAssignee(t *testing.T) {
	fx := newMonitor()

	err := fx.mon.Handle(context.Background(), taskEntry("task_updated", map[string]interface{}{
		"team_id":           "team-1",
		"task_id":           "task-3",
		"title":             "triage bug",
		"assignee":          "dave",
		"previous_assignee": "carol",
		"updated_by":        "carol",
	}))
	require.NoError(t, err)
	require.Len(t, fx.appender.appends, 1)
	assert.Equal(t, "dave", fx.appender.appends[0].data["recipient_id"])
}

func TestTaskUpdatedSelfAssignmentIsSilent(t *testing.T) {
	fx := newMonitor()

	err := fx.mon.Handle(context.Background(), taskEntry("task_updated", map[string]interface{}{
		"assignee":          "dave",
		"previous_assignee": "carol",
		"updated_by":        "dave",
	}))
	require.NoError(t, err)
	assert.Empty(t, fx.appender.appends)
}
