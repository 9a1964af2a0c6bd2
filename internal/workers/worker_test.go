package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/retry"
)

type recordingHandler struct {
	entries []broker.Entry
	failN   int // fail the first N calls
	calls   int
}

func (h *recordingHandler) Handle(ctx context.Context, entry broker.Entry) error {
	h.calls++
	if h.calls <= h.failN {
		return errors.New("transient failure")
	}
	h.entries = append(h.entries, entry)
	return nil
}

func testBroker(t *testing.T) (*broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return broker.New(rdb), mr
}

func TestWorkerAcksAfterSuccessfulHandle(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()
	require.NoError(t, b.CreateGroup(ctx, broker.StreamTaskEvents, "monitors"))

	_, err := b.Append(ctx, broker.StreamTaskEvents, "task_created", map[string]interface{}{"title": "x"})
	require.NoError(t, err)

	h := &recordingHandler{}
	w := NewWorker("monitor", broker.StreamTaskEvents, "monitors", b, h, metrics.New(prometheus.NewRegistry()))

	entries, err := b.Read(ctx, broker.StreamTaskEvents, "monitors", w.ID(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	w.processBatch(ctx, entries)

	require.Len(t, h.entries, 1)
	assert.Equal(t, "task_created", h.entries[0].EventType)
	assert.Equal(t, int64(1), w.Health().Processed)

	// Acked messages are not claimable.
	claimed, err := b.ClaimIdle(ctx, broker.StreamTaskEvents, "monitors", "other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestWorkerLeavesFailedMessagePendingForClaim(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()
	require.NoError(t, b.CreateGroup(ctx, broker.StreamTaskEvents, "monitors"))

	_, err := b.Append(ctx, broker.StreamTaskEvents, "task_created", map[string]interface{}{"title": "x"})
	require.NoError(t, err)

	// Fail every in-place attempt so the message stays pending.
	h := &recordingHandler{failN: 3}
	w := NewWorker("monitor", broker.StreamTaskEvents, "monitors", b, h, metrics.New(prometheus.NewRegistry()))
	w.retry = retry.Config{Attempts: 3, Base: time.Millisecond}

	entries, err := b.Read(ctx, broker.StreamTaskEvents, "monitors", w.ID(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	w.processBatch(ctx, entries)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, int64(1), w.Health().Errors)
	assert.Empty(t, h.entries)

	// A peer claims the unacked message and succeeds.
	claimed, err := b.ClaimIdle(ctx, broker.StreamTaskEvents, "monitors", "peer", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	w.processBatch(ctx, claimed)
	require.Len(t, h.entries, 1)
}

func TestWorkerRetriesTransientFailureBeforeAck(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()
	require.NoError(t, b.CreateGroup(ctx, broker.StreamTaskEvents, "monitors"))

	_, err := b.Append(ctx, broker.StreamTaskEvents, "task_created", map[string]interface{}{"title": "x"})
	require.NoError(t, err)

	// One transient failure recovers on the in-place retry: the message is
	// acked and never counts as an error.
	h := &recordingHandler{failN: 1}
	w := NewWorker("monitor", broker.StreamTaskEvents, "monitors", b, h, metrics.New(prometheus.NewRegistry()))
	w.retry = retry.Config{Attempts: 3, Base: time.Millisecond}

	entries, err := b.Read(ctx, broker.StreamTaskEvents, "monitors", w.ID(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	w.processBatch(ctx, entries)

	assert.Equal(t, 2, h.calls)
	require.Len(t, h.entries, 1)
	assert.Equal(t, int64(1), w.Health().Processed)
	assert.Equal(t, int64(0), w.Health().Errors)

	claimed, err := b.ClaimIdle(ctx, broker.StreamTaskEvents, "monitors", "peer", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestWorkerAcksMalformedEntry(t *testing.T) {
	b, mr := testBroker(t)
	ctx := context.Background()
	require.NoError(t, b.CreateGroup(ctx, broker.StreamTaskEvents, "monitors"))

	// Raw XADD with garbage data bypasses the producer's JSON encoding.
	_, err := mr.XAdd(broker.StreamTaskEvents, "*", []string{"event_type", "task_created", "data", "{not json"})
	require.NoError(t, err)

	h := &recordingHandler{}
	w := NewWorker("monitor", broker.StreamTaskEvents, "monitors", b, h, metrics.New(prometheus.NewRegistry()))

	entries, err := b.Read(ctx, broker.StreamTaskEvents, "monitors", w.ID(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].Data)
	w.processBatch(ctx, entries)

	// Handler never ran, but the poison pill is gone.
	assert.Empty(t, h.entries)
	claimed, err := b.ClaimIdle(ctx, broker.StreamTaskEvents, "monitors", "peer", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestWorkerStopExitsRunLoop(t *testing.T) {
	b, _ := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.CreateGroup(ctx, broker.StreamTaskEvents, "monitors"))

	w := NewWorker("monitor", broker.StreamTaskEvents, "monitors", b, &recordingHandler{}, metrics.New(prometheus.NewRegistry()))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, w.Health().Running)
	cancel()
	w.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.Health().Running)
}

func TestSupervisorStartsAndStopsPool(t *testing.T) {
	b, _ := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.CreateGroup(ctx, broker.StreamTaskEvents, "monitors"))

	m := metrics.New(prometheus.NewRegistry())
	sup := NewSupervisor()
	sup.AddPool(3, func(i int) *Worker {
		return NewWorker("monitor", broker.StreamTaskEvents, "monitors", b, &recordingHandler{}, m)
	})
	sup.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	reports := sup.Health()
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.True(t, r.Running)
		assert.Equal(t, broker.StreamTaskEvents, r.Stream)
	}

	cancel()
	sup.Stop()
	for _, r := range sup.Health() {
		assert.False(t, r.Running)
	}
}
