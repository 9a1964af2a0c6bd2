// Package workers runs the consumer-group loops over the broker streams.
// The base Worker owns the read/claim/ack cycle; stream-specific behavior
// lives in Handler implementations (change processor, notification fan-out,
// task monitor).
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/retry"
)

// Loop tuning. Claimed messages are ones a crashed peer read but never
// acked; they are drained before fresh reads each iteration.
const (
	claimMinIdle = 60 * time.Second
	claimBatch   = 5
	readBatch    = 10
	readBlock    = 5 * time.Second
)

// Handler processes one stream entry. A nil return lets the worker ack; an
// error leaves the message pending for a later claim.
type Handler interface {
	Handle(ctx context.Context, entry broker.Entry) error
}

// StreamClient is the broker slice a worker needs.
type StreamClient interface {
	Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	ClaimIdle(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]broker.Entry, error)
}

// Report is a worker's health snapshot.
type Report struct {
	WorkerID  string `json:"worker_id"`
	Stream    string `json:"stream"`
	Running   bool   `json:"running"`
	Processed int64  `json:"processed"`
	Errors    int64  `json:"errors"`
	UptimeSec int64  `json:"uptime_seconds"`
}

type Worker struct {
	id     string
	name   string
	stream string
	group  string

	broker  StreamClient
	handler Handler
	metrics *metrics.Metrics
	retry   retry.Config

	processed atomic.Int64
	errors    atomic.Int64
	running   atomic.Bool
	startedAt time.Time
}

func NewWorker(name, stream, group string, b StreamClient, h Handler, m *metrics.Metrics) *Worker {
	return &Worker{
		id:      fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]),
		name:    name,
		stream:  stream,
		group:   group,
		broker:  b,
		handler: h,
		metrics: m,
		retry:   retry.Config{Attempts: 3, Base: time.Second},
	}
}

func (w *Worker) ID() string { return w.id }

// Run drives the consume loop until the context is canceled or Stop is
// called. In-flight messages finish their handler; anything unread stays on
// the stream, anything unacked stays pending.
func (w *Worker) Run(ctx context.Context) {
	w.startedAt = time.Now()
	w.running.Store(true)
	defer w.running.Store(false)

	slog.Info("worker started", "worker_id", w.id, "stream", w.stream, "group", w.group)
	for w.running.Load() && ctx.Err() == nil {
		claimed, err := w.broker.ClaimIdle(ctx, w.stream, w.group, w.id, claimMinIdle, claimBatch)
		if err != nil && ctx.Err() == nil {
			slog.Error("claim idle failed", "worker_id", w.id, "stream", w.stream, "error", err)
		}
		w.processBatch(ctx, claimed)

		entries, err := w.broker.Read(ctx, w.stream, w.group, w.id, readBatch, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("stream read failed", "worker_id", w.id, "stream", w.stream, "error", err)
			time.Sleep(time.Second)
			continue
		}
		w.processBatch(ctx, entries)
	}
	slog.Info("worker stopped", "worker_id", w.id, "stream", w.stream,
		"processed", w.processed.Load(), "errors", w.errors.Load())
}

func (w *Worker) processBatch(ctx context.Context, entries []broker.Entry) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, entry)
	}
}

func (w *Worker) processOne(ctx context.Context, entry broker.Entry) {
	if entry.Data == nil {
		// Poison pill: undecodable payload will never succeed, ack it away.
		slog.Warn("dropping malformed stream entry", "worker_id", w.id, "stream", w.stream, "message_id", entry.ID)
		w.ack(ctx, entry.ID)
		return
	}

	start := time.Now()
	// Transient handler failures retry in place before the message is left
	// pending for a peer to claim.
	err := retry.Do(ctx, w.retry, func() error {
		return w.handler.Handle(ctx, entry)
	})
	w.metrics.MessageDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	if err != nil {
		w.errors.Add(1)
		w.metrics.MessageErrors.WithLabelValues(w.name).Inc()
		slog.Error("message handling failed, leaving pending",
			"worker_id", w.id, "stream", w.stream, "message_id", entry.ID,
			"event_type", entry.EventType, "error", err)
		return
	}

	w.ack(ctx, entry.ID)
	w.processed.Add(1)
	w.metrics.MessagesProcessed.WithLabelValues(w.name).Inc()
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.broker.Ack(ctx, w.stream, w.group, id); err != nil {
		// The effects are durable; a redelivery will replay into idempotent
		// handlers.
		slog.Warn("ack failed", "worker_id", w.id, "stream", w.stream, "message_id", id, "error", err)
	}
}

// Stop requests loop exit between iterations.
func (w *Worker) Stop() {
	w.running.Store(false)
}

func (w *Worker) Health() Report {
	r := Report{
		WorkerID:  w.id,
		Stream:    w.stream,
		Running:   w.running.Load(),
		Processed: w.processed.Load(),
		Errors:    w.errors.Load(),
	}
	if !w.startedAt.IsZero() {
		r.UptimeSec = int64(time.Since(w.startedAt).Seconds())
	}
	return r
}
