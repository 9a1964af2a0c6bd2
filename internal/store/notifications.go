package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notification is a delivered (or attempted) user notification. Write-once by
// the fan-out; only the read bit changes afterwards, and that mutation is
// outside the pipeline.
type Notification struct {
	ID                string
	Recipient         string
	Team              string
	Kind              string
	Title             string
	Body              string
	SourceRef         string
	Priority          string
	IsRead            bool
	DeliveredChannels []string
	CreatedAt         time.Time
}

func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient, team, kind, title, body, source_ref, priority, delivered_channels)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.Recipient, n.Team, n.Kind, n.Title, n.Body, n.SourceRef, n.Priority, pq.Array(n.DeliveredChannels))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) CountNotificationsForRecipient(ctx context.Context, recipient string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient = $1 AND created_at >= $2`,
		recipient, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

// Preferences controls whether and where a user is notified. Absence of a
// row means notifications enabled on the chat channel only.
type Preferences struct {
	User     string
	Enabled  bool
	Channels []string
}

func DefaultPreferences(user string) Preferences {
	return Preferences{User: user, Enabled: true, Channels: []string{"chat"}}
}

func (s *Store) GetPreferences(ctx context.Context, user string) (Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_name, enabled, channels FROM notification_preferences WHERE user_name = $1`, user)

	var p Preferences
	if err := row.Scan(&p.User, &p.Enabled, pq.Array(&p.Channels)); err != nil {
		if isNoRows(err) {
			return DefaultPreferences(user), nil
		}
		return Preferences{}, fmt.Errorf("get preferences %s: %w", user, err)
	}
	return p, nil
}

func (s *Store) SetPreferences(ctx context.Context, p Preferences) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences (user_name, enabled, channels)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_name) DO UPDATE SET enabled = EXCLUDED.enabled, channels = EXCLUDED.channels`,
		p.User, p.Enabled, pq.Array(p.Channels))
	if err != nil {
		return fmt.Errorf("set preferences %s: %w", p.User, err)
	}
	return nil
}
