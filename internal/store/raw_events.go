package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RawEvent is the persisted record of one webhook delivery. The payload is
// immutable after creation; processed_at is set at most once by the change
// processor.
type RawEvent struct {
	ID          string
	Source      string
	Kind        string
	Repo        string
	Sender      string
	Payload     json.RawMessage
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

func (s *Store) CreateRawEvent(ctx context.Context, ev *RawEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_events (id, source, kind, repo, sender, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Source, ev.Kind, ev.Repo, ev.Sender, []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("insert raw event: %w", err)
	}
	return nil
}

// MarkEventProcessed stamps processed_at, once. Replays hit the
// "IS NULL" guard and are no-ops.
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_events SET processed_at = now() WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkEventError records a processing error marker on the raw event without
// touching processed_at.
func (s *Store) MarkEventError(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_events SET error = $2 WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("mark event error: %w", err)
	}
	return nil
}

func (s *Store) GetRawEvent(ctx context.Context, id string) (*RawEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, kind, repo, sender, payload, COALESCE(error, ''), created_at, processed_at
		 FROM raw_events WHERE id = $1`, id)

	var ev RawEvent
	var payload []byte
	var processed sql.NullTime
	if err := row.Scan(&ev.ID, &ev.Source, &ev.Kind, &ev.Repo, &ev.Sender, &payload, &ev.Error, &ev.CreatedAt, &processed); err != nil {
		return nil, fmt.Errorf("get raw event %s: %w", id, err)
	}
	ev.Payload = payload
	if processed.Valid {
		ev.ProcessedAt = &processed.Time
	}
	return &ev, nil
}
