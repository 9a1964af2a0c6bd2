package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

var ErrNotFound = errors.New("not found")

type Task struct {
	ID          string
	Team        string
	Title       string
	Description string
	Assignee    string
	Creator     string
	Status      string
	Priority    string
	Source      string
	SourceID    string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, team, title, description, assignee, creator, status, priority, source, source_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Team, t.Title, t.Description, t.Assignee, t.Creator, t.Status, t.Priority, t.Source, t.SourceID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateTaskIfAbsent inserts a task keyed by (source, source_id), skipping
// the write when the same source identifier was already recorded. Returns
// true when a row was inserted. This keeps task extraction idempotent under
// stream replay.
func (s *Store) CreateTaskIfAbsent(ctx context.Context, t *Task) (bool, error) {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, team, title, description, assignee, creator, status, priority, source, source_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (source, source_id) DO NOTHING`,
		t.ID, t.Team, t.Title, t.Description, t.Assignee, t.Creator, t.Status, t.Priority, t.Source, t.SourceID)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, team, title, description, assignee, creator, status, priority, source, source_id, created_at, completed_at
		 FROM tasks WHERE id = $1`, id)

	var t Task
	var completed sql.NullTime
	err := row.Scan(&t.ID, &t.Team, &t.Title, &t.Description, &t.Assignee, &t.Creator,
		&t.Status, &t.Priority, &t.Source, &t.SourceID, &t.CreatedAt, &completed)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func (s *Store) AssignTask(ctx context.Context, id, assignee string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee = $2 WHERE id = $1`, id, assignee)
	if err != nil {
		return fmt.Errorf("assign task %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateTaskStatus transitions a task. completed_at is stamped exactly when
// the task reaches completed.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	var res sql.Result
	var err error
	if status == TaskCompleted {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = $2, completed_at = now() WHERE id = $1`, id, status)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return requireRow(res, id)
}

// CountOpenTasks returns the number of pending or in-progress tasks assigned
// to a user within a team. Drives the all_tasks_completed trigger.
func (s *Store) CountOpenTasks(ctx context.Context, team, assignee string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE team = $1 AND assignee = $2 AND status IN ($3, $4)`,
		team, assignee, TaskPending, TaskInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open tasks: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
