// Package store is the relational persistence layer. It owns raw events,
// notifications, tasks, automation rules, rule executions, decisions and
// notification preferences. Ownership rows live in internal/ownership, which
// shares the same database handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for packages that share it (ownership).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema when absent. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_events (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			repo TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			recipient TEXT NOT NULL,
			team TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			source_ref TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			delivered_channels TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			team TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			creator TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			source TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			UNIQUE (source, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS automation_rules (
			id UUID PRIMARY KEY,
			team TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL,
			trigger_conditions JSONB NOT NULL DEFAULT '{}',
			action_type TEXT NOT NULL,
			action_params JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active',
			is_one_time BOOLEAN NOT NULL DEFAULT FALSE,
			execution_count INT NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS rule_executions (
			id UUID PRIMARY KEY,
			rule_id UUID NOT NULL,
			trigger_snapshot JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			actions_performed JSONB NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id UUID PRIMARY KEY,
			team TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			superseded_by UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_name TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			channels TEXT[] NOT NULL DEFAULT '{chat}'
		)`,
		`CREATE TABLE IF NOT EXISTS ownership (
			repo TEXT NOT NULL,
			file_path TEXT NOT NULL,
			user_name TEXT NOT NULL,
			team TEXT NOT NULL DEFAULT '',
			commits INT NOT NULL DEFAULT 0,
			lines_added BIGINT NOT NULL DEFAULT 0,
			lines_removed BIGINT NOT NULL DEFAULT 0,
			first_commit_at TIMESTAMPTZ NOT NULL,
			last_commit_at TIMESTAMPTZ NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			recent_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (repo, file_path, user_name)
		)`,
		`CREATE TABLE IF NOT EXISTS ownership_commits (
			repo TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (repo, commit_sha)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
