// Package notify turns notification stream entries into chat deliveries.
// Order of operations matters: preference and rate-limit checks happen
// before any send, the notification row is persisted before the message is
// acked, and the rate-limit counter moves only after the row is durable.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/chat"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/store"
)

// NotificationStore is the persistence slice the fan-out needs.
type NotificationStore interface {
	GetPreferences(ctx context.Context, user string) (store.Preferences, error)
	CreateNotification(ctx context.Context, n *store.Notification) error
}

// Limiter gates per-recipient delivery volume. Allow is a read; Increment
// consumes budget and is called only once the notification is persisted.
type Limiter interface {
	Allow(ctx context.Context, recipient string) (bool, error)
	Increment(ctx context.Context, recipient string) error
}

// Handler is the notification worker's message handler.
type Handler struct {
	store   NotificationStore
	sender  chat.Sender
	limiter Limiter
	metrics *metrics.Metrics
}

func NewHandler(st NotificationStore, sender chat.Sender, limiter Limiter, m *metrics.Metrics) *Handler {
	return &Handler{store: st, sender: sender, limiter: limiter, metrics: m}
}

// Handle processes one entry from the notifications stream. A nil return
// means the entry may be acked; overflow and opt-out are deliberate drops
// and also return nil.
func (h *Handler) Handle(ctx context.Context, entry broker.Entry) error {
	recipient, _ := entry.Data["recipient_id"].(string)
	if recipient == "" {
		slog.Warn("notification entry without recipient, dropping", "id", entry.ID, "event_type", entry.EventType)
		h.metrics.NotificationsDropped.WithLabelValues("malformed").Inc()
		return nil
	}

	ok, err := h.limiter.Allow(ctx, recipient)
	if err != nil {
		return fmt.Errorf("rate limit check for %s: %w", recipient, err)
	}
	if !ok {
		// Overflow is lossy on purpose: the entry is acked and gone rather
		// than parked for a burst replay when the window resets.
		slog.Info("notification rate limited", "recipient", recipient, "event_type", entry.EventType)
		h.metrics.NotificationsDropped.WithLabelValues("rate_limited").Inc()
		return nil
	}

	prefs, err := h.store.GetPreferences(ctx, recipient)
	if err != nil {
		return fmt.Errorf("load preferences for %s: %w", recipient, err)
	}
	if !prefs.Enabled {
		h.metrics.NotificationsDropped.WithLabelValues("opted_out").Inc()
		return nil
	}

	msg := renderMessage(entry)
	var delivered []string
	for _, channel := range prefs.Channels {
		switch channel {
		case "chat":
			if err := h.sender.PostDM(ctx, recipient, msg); err != nil {
				slog.Warn("chat delivery failed", "recipient", recipient, "error", err)
				continue
			}
			delivered = append(delivered, "chat")
			h.metrics.NotificationsSent.WithLabelValues("chat").Inc()
		default:
			slog.Debug("unsupported notification channel", "channel", channel, "recipient", recipient)
		}
	}
	if len(delivered) == 0 && len(prefs.Channels) > 0 {
		// Nothing went out; leave the entry pending so a later claim retries.
		return fmt.Errorf("no channel delivered for %s", recipient)
	}

	n := &store.Notification{
		ID:                uuid.New().String(),
		Recipient:         recipient,
		Team:              stringField(entry.Data, "team_id"),
		Kind:              entry.EventType,
		Title:             msg.Title,
		Body:              msg.Body,
		SourceRef:         stringField(entry.Data, "source_ref"),
		Priority:          priorityOf(entry.Data),
		DeliveredChannels: delivered,
	}
	if err := h.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("persist notification for %s: %w", recipient, err)
	}

	if err := h.limiter.Increment(ctx, recipient); err != nil {
		// The notification already went out and is recorded; a failed counter
		// bump only loosens the window.
		slog.Warn("rate limit increment failed", "recipient", recipient, "error", err)
	}
	return nil
}

// renderMessage maps a stream entry to the channel-agnostic message body.
func renderMessage(entry broker.Entry) chat.Message {
	title := stringField(entry.Data, "title")
	if title == "" {
		title = "Notification"
	}
	return chat.Message{
		Title:       title,
		Body:        stringField(entry.Data, "message"),
		Context:     stringField(entry.Data, "context"),
		ActionURL:   stringField(entry.Data, "url"),
		ActionLabel: stringField(entry.Data, "url_label"),
	}
}

func priorityOf(data map[string]interface{}) string {
	if p := stringField(data, "priority"); p != "" {
		return p
	}
	return "normal"
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
