// Package broker wraps Redis Streams as the durable log behind the pipeline.
//
// Three named streams carry all pipeline traffic: git_events (webhook
// deliveries), notifications (fan-out requests) and task_events (task
// lifecycle). Consumers read through consumer groups, so every message is
// delivered to exactly one member per group and stays on the group's pending
// list until acknowledged.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names. Producers and consumers share these constants; nothing else
// in the system invents stream keys.
const (
	StreamGitEvents     = "git_events"
	StreamNotifications = "notifications"
	StreamTaskEvents    = "task_events"
)

// MaxPayloadBytes bounds a single entry's serialized data field. Oversized
// payloads are refused outright rather than truncated.
const MaxPayloadBytes = 512 * 1024

var ErrPayloadTooLarge = errors.New("stream payload exceeds size limit")

// Entry is one message read from a stream. Data is the self-describing JSON
// payload the producer appended.
type Entry struct {
	ID        string
	Stream    string
	EventType string
	Data      map[string]interface{}
}

// Broker is the stream adapter. It holds a shared go-redis client; all
// methods are safe for concurrent use.
type Broker struct {
	rdb        *redis.Client
	maxPayload int
}

func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, maxPayload: MaxPayloadBytes}
}

// Append adds an entry to a stream and returns the broker-assigned message id.
func (b *Broker) Append(ctx context.Context, stream, eventType string, data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	if len(raw) > b.maxPayload {
		return "", fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(raw), stream)
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"event_type": eventType,
			"data":       string(raw),
			"ts":         time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Read fetches up to count new messages for the given group member, blocking
// up to block when the stream is empty. An empty result is not an error.
func (b *Broker) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, decodeEntry(s.Stream, msg))
		}
	}
	return entries, nil
}

// Ack marks a message processed for the group. Ack is called only after the
// handler's side effects are durable.
func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

// ClaimIdle transfers up to count messages that have been pending longer than
// minIdle to the given consumer. Used for crash recovery: a message read by a
// worker that died before acking becomes claimable by its peers.
func (b *Broker) ClaimIdle(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decodeEntry(stream, msg))
	}
	return entries, nil
}

// CreateGroup creates a consumer group at the stream tail, creating the
// stream itself if needed. Idempotent: an existing group is not an error.
// Starting at the tail keeps fresh installs from replaying historical
// entries.
func (b *Broker) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Ping reports broker reachability for health checks.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func decodeEntry(stream string, msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID, Stream: stream}
	if t, ok := msg.Values["event_type"].(string); ok {
		e.EventType = t
	}
	if raw, ok := msg.Values["data"].(string); ok {
		// A malformed data field leaves Data nil; the consumer treats that
		// as a poison pill (log and ack).
		_ = json.Unmarshal([]byte(raw), &e.Data)
	}
	return e
}
