package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/store"
)

// ActionResult is the outcome of one dispatched action.
type ActionResult struct {
	Success bool
	Result  string
	Error   string
}

// Appender is the broker slice the executor needs.
type Appender interface {
	Append(ctx context.Context, stream, eventType string, data map[string]interface{}) (string, error)
}

// TaskStore is the task persistence slice the executor needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t *store.Task) error
	AssignTask(ctx context.Context, id, assignee string) error
	UpdateTaskStatus(ctx context.Context, id, status string) error
}

// ChannelPoster posts a message to an external chat channel.
type ChannelPoster interface {
	PostChannel(ctx context.Context, channel, message string) error
}

// Executor dispatches rule actions. Notifications go through the
// notifications stream so they pick up preferences and rate limiting like
// any other notification.
type Executor struct {
	appender Appender
	tasks    TaskStore
	chat     ChannelPoster
}

func NewExecutor(appender Appender, tasks TaskStore, chat ChannelPoster) *Executor {
	return &Executor{appender: appender, tasks: tasks, chat: chat}
}

func (x *Executor) Execute(ctx context.Context, actionType string, params map[string]interface{}, rctx Context) ActionResult {
	var result ActionResult
	switch actionType {
	case "notify_user":
		result = x.notifyUser(ctx, params, rctx)
	case "create_task":
		result = x.createTask(ctx, params, rctx)
	case "assign_task":
		result = x.assignTask(ctx, params, rctx)
	case "send_message":
		result = x.sendMessage(ctx, params)
	case "update_task":
		result = x.updateTask(ctx, params)
	default:
		result = ActionResult{Success: false, Error: "unknown action"}
	}
	if !result.Success {
		slog.Warn("rule action failed", "rule_id", rctx.RuleID, "action", actionType, "error", result.Error)
	}
	return result
}

func (x *Executor) notifyUser(ctx context.Context, params map[string]interface{}, rctx Context) ActionResult {
	user := stringParam(params, "user")
	message := stringParam(params, "message")
	if user == "" || message == "" {
		return ActionResult{Error: "notify_user requires user and message"}
	}
	priority := stringParam(params, "priority")
	if priority == "" {
		priority = "normal"
	}

	_, err := x.appender.Append(ctx, broker.StreamNotifications, "automation_triggered", map[string]interface{}{
		"recipient_id": user,
		"title":        "Automation",
		"message":      message,
		"priority":     priority,
		"rule_id":      rctx.RuleID,
	})
	if err != nil {
		return ActionResult{Error: err.Error()}
	}
	return ActionResult{Success: true, Result: "notified " + user}
}

func (x *Executor) createTask(ctx context.Context, params map[string]interface{}, rctx Context) ActionResult {
	title := stringParam(params, "title")
	if title == "" {
		return ActionResult{Error: "create_task requires title"}
	}

	task := &store.Task{
		ID:          uuid.New().String(),
		Team:        stringParam(rctx.TriggerData, "team_id"),
		Title:       title,
		Description: stringParam(params, "description"),
		Assignee:    stringParam(params, "assignee"),
		Creator:     "automation:" + rctx.RuleID,
		Priority:    stringParam(params, "priority"),
		Source:      "automation",
		SourceID:    uuid.New().String(),
	}
	if err := x.tasks.CreateTask(ctx, task); err != nil {
		return ActionResult{Error: err.Error()}
	}

	if task.Assignee != "" {
		_, err := x.appender.Append(ctx, broker.StreamNotifications, "task_assigned", map[string]interface{}{
			"recipient_id": task.Assignee,
			"title":        "New task assigned",
			"message":      task.Title,
			"priority":     "normal",
			"task_id":      task.ID,
		})
		if err != nil {
			slog.Warn("task created but assignee notification append failed",
				"task_id", task.ID, "error", err)
		}
	}
	return ActionResult{Success: true, Result: "created task " + task.ID}
}

func (x *Executor) assignTask(ctx context.Context, params map[string]interface{}, rctx Context) ActionResult {
	taskID := stringParam(params, "task_id")
	assignee := stringParam(params, "assignee")
	if taskID == "" || assignee == "" {
		return ActionResult{Error: "assign_task requires task_id and assignee"}
	}
	if err := x.tasks.AssignTask(ctx, taskID, assignee); err != nil {
		return ActionResult{Error: err.Error()}
	}

	_, err := x.appender.Append(ctx, broker.StreamNotifications, "task_assigned", map[string]interface{}{
		"recipient_id": assignee,
		"title":        "Task assigned to you",
		"message":      fmt.Sprintf("Task %s was assigned to you", taskID),
		"priority":     "normal",
		"task_id":      taskID,
	})
	if err != nil {
		slog.Warn("task assigned but notification append failed", "task_id", taskID, "error", err)
	}
	return ActionResult{Success: true, Result: "assigned " + taskID + " to " + assignee}
}

func (x *Executor) sendMessage(ctx context.Context, params map[string]interface{}) ActionResult {
	channel := stringParam(params, "channel")
	message := stringParam(params, "message")
	if channel == "" || message == "" {
		return ActionResult{Error: "send_message requires channel and message"}
	}
	// Channel posts are explicit automation output and bypass the
	// per-recipient rate limiter.
	if err := x.chat.PostChannel(ctx, channel, message); err != nil {
		return ActionResult{Error: err.Error()}
	}
	return ActionResult{Success: true, Result: "posted to " + channel}
}

func (x *Executor) updateTask(ctx context.Context, params map[string]interface{}) ActionResult {
	taskID := stringParam(params, "task_id")
	status := stringParam(params, "status")
	if taskID == "" || status == "" {
		return ActionResult{Error: "update_task requires task_id and status"}
	}
	if err := x.tasks.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return ActionResult{Error: err.Error()}
	}
	return ActionResult{Success: true, Result: "updated " + taskID + " to " + status}
}

func stringParam(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
