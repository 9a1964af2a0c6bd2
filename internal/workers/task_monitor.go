package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/classify"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/store"
)

// MonitorTaskStore is the task persistence slice the monitor needs.
type MonitorTaskStore interface {
	CountOpenTasks(ctx context.Context, team, assignee string) (int, error)
}

// TaskRecorder materializes extracted action items; the knowledge writer
// implements it and owns the dedup-by-source semantics.
type TaskRecorder interface {
	RecordExtractedTask(ctx context.Context, team, creator string, item classify.ActionItem, source, sourceID string) (*store.Task, bool, error)
}

// RuleTrigger evaluates automation rules for one trigger.
type RuleTrigger interface {
	HandleTrigger(ctx context.Context, team, triggerType string, data map[string]interface{}) error
}

// TaskMonitor consumes task_events: it materializes extracted tasks, routes
// assignment notifications and feeds the rule engine its task triggers.
type TaskMonitor struct {
	tasks    MonitorTaskStore
	recorder TaskRecorder
	engine   RuleTrigger
	appender Appender
	metrics  *metrics.Metrics
}

func NewTaskMonitor(tasks MonitorTaskStore, recorder TaskRecorder, engine RuleTrigger, appender Appender, m *metrics.Metrics) *TaskMonitor {
	return &TaskMonitor{tasks: tasks, recorder: recorder, engine: engine, appender: appender, metrics: m}
}

func (t *TaskMonitor) Handle(ctx context.Context, entry broker.Entry) error {
	switch entry.EventType {
	case "task_created":
		return t.onCreated(ctx, entry.Data)
	case "task_completed":
		return t.onCompleted(ctx, entry.Data)
	case "task_extracted":
		return t.onExtracted(ctx, entry.Data)
	case "task_updated":
		return t.onUpdated(ctx, entry.Data)
	case "pr_activity":
		// Activity trail only; nothing to materialize.
		return nil
	default:
		slog.Debug("ignoring task event", "event_type", entry.EventType, "message_id", entry.ID)
		return nil
	}
}

func (t *TaskMonitor) onCreated(ctx context.Context, data map[string]interface{}) error {
	assignee := stringField(data, "assignee")
	creator := stringField(data, "creator")
	if assignee == "" || assignee == creator {
		return nil
	}
	return t.notify(ctx, assignee, data, "New task assigned",
		stringField(data, "title"))
}

func (t *TaskMonitor) onCompleted(ctx context.Context, data map[string]interface{}) error {
	team := stringField(data, "team_id")
	if err := t.engine.HandleTrigger(ctx, team, "task_completed", data); err != nil {
		return fmt.Errorf("task_completed trigger: %w", err)
	}

	completer := stringField(data, "user")
	if completer == "" {
		completer = stringField(data, "assignee")
	}
	if completer == "" {
		return nil
	}
	open, err := t.tasks.CountOpenTasks(ctx, team, completer)
	if err != nil {
		return fmt.Errorf("count open tasks for %s: %w", completer, err)
	}
	if open == 0 {
		if err := t.engine.HandleTrigger(ctx, team, "all_tasks_completed", map[string]interface{}{
			"team_id": team,
			"user":    completer,
		}); err != nil {
			return fmt.Errorf("all_tasks_completed trigger: %w", err)
		}
	}
	return nil
}

func (t *TaskMonitor) onExtracted(ctx context.Context, data map[string]interface{}) error {
	title := stringField(data, "title")
	if title == "" {
		slog.Warn("task_extracted event without title, dropping")
		return nil
	}
	item := classify.ActionItem{
		Title:    title,
		Assignee: stringField(data, "assignee"),
		Priority: stringField(data, "priority"),
	}
	task, inserted, err := t.recorder.RecordExtractedTask(ctx,
		stringField(data, "team_id"), stringField(data, "creator"), item,
		stringField(data, "source"), stringField(data, "source_id"))
	if err != nil {
		return fmt.Errorf("persist extracted task: %w", err)
	}
	if !inserted || task.Assignee == "" {
		return nil
	}
	return t.notify(ctx, task.Assignee, data, "Task extracted for you", task.Title)
}

func (t *TaskMonitor) onUpdated(ctx context.Context, data map[string]interface{}) error {
	assignee := stringField(data, "assignee")
	previous := stringField(data, "previous_assignee")
	updater := stringField(data, "updated_by")
	if assignee == "" || assignee == previous || assignee == updater {
		return nil
	}
	return t.notify(ctx, assignee, data, "Task assigned to you",
		stringField(data, "title"))
}

func (t *TaskMonitor) notify(ctx context.Context, recipient string, data map[string]interface{}, title, message string) error {
	_, err := t.appender.Append(ctx, broker.StreamNotifications, "task_assigned", map[string]interface{}{
		"recipient_id": recipient,
		"team_id":      stringField(data, "team_id"),
		"title":        title,
		"message":      message,
		"priority":     "normal",
		"task_id":      stringField(data, "task_id"),
	})
	if err != nil {
		return fmt.Errorf("append task notification for %s: %w", recipient, err)
	}
	t.metrics.StreamAppends.WithLabelValues(broker.StreamNotifications).Inc()
	return nil
}
