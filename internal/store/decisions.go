package store

import (
	"context"
	"fmt"
	"time"
)

// Decision is a derived knowledge artifact extracted from PR bodies and
// comments. Keyed by (source, source_id) so replayed stream messages do not
// duplicate it. superseded_by is a one-directional edge to a newer decision.
type Decision struct {
	ID           string
	Team         string
	Title        string
	Body         string
	Source       string
	SourceID     string
	SupersededBy string
	CreatedAt    time.Time
}

// CreateDecisionIfAbsent writes a decision idempotently. Returns true when a
// row was inserted.
func (s *Store) CreateDecisionIfAbsent(ctx context.Context, d *Decision) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, team, title, body, source, source_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source, source_id) DO NOTHING`,
		d.ID, d.Team, d.Title, d.Body, d.Source, d.SourceID)
	if err != nil {
		return false, fmt.Errorf("insert decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SupersedeDecision points an older decision at its replacement.
func (s *Store) SupersedeDecision(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET superseded_by = $2 WHERE id = $1`, oldID, newID)
	if err != nil {
		return fmt.Errorf("supersede decision %s: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("decision %s: %w", oldID, ErrNotFound)
	}
	return nil
}
