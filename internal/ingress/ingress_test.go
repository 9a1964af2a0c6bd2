package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/store"
)

type fakeSink struct {
	events []*store.RawEvent
	err    error
}

func (f *fakeSink) CreateRawEvent(ctx context.Context, ev *store.RawEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type fakeAppender struct {
	appends []broker.Entry
	err     error
}

func (f *fakeAppender) Append(ctx context.Context, stream, eventType string, data map[string]interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.appends = append(f.appends, broker.Entry{Stream: stream, EventType: eventType, Data: data})
	return "1-0", nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(secret string, sink *fakeSink, app *fakeAppender, fallback FallbackHandler) *Server {
	reg := prometheus.NewRegistry()
	return NewServer(Options{
		WebhookSecret: secret,
		Events:        sink,
		Appender:      app,
		Fallback:      fallback,
		Metrics:       metrics.New(reg),
		BrokerPing:    &fakePinger{},
		DBPing:        &fakePinger{},
		Gatherer:      reg,
	})
}

func pushBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"action":     "",
		"repository": map[string]interface{}{"full_name": "org/api"},
		"sender":     map[string]interface{}{"login": "carol"},
		"commits":    []interface{}{},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookAcceptedWithValidSignature(t *testing.T) {
	sink := &fakeSink{}
	app := &fakeAppender{}
	srv := newTestServer("s3cret", sink, app, nil)

	body := pushBody(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader(body))
	req.Header.Set(headerEvent, "push")
	req.Header.Set(headerDelivery, "d-1")
	req.Header.Set(headerSignature, sign("s3cret", body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["event_id"])

	require.Len(t, sink.events, 1)
	assert.Equal(t, "push", sink.events[0].Kind)
	assert.Equal(t, "org/api", sink.events[0].Repo)
	assert.Equal(t, "carol", sink.events[0].Sender)

	require.Len(t, app.appends, 1)
	assert.Equal(t, broker.StreamGitEvents, app.appends[0].Stream)
	assert.Equal(t, resp["event_id"], app.appends[0].Data["event_id"])
	assert.Equal(t, "d-1", app.appends[0].Data["delivery_id"])
}

func TestWebhookRejectedOnBadSignature(t *testing.T) {
	sink := &fakeSink{}
	app := &fakeAppender{}
	srv := newTestServer("s3cret", sink, app, nil)

	body := pushBody(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader(body))
	req.Header.Set(headerSignature, sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sink.events)
	assert.Empty(t, app.appends)
}

func TestWebhookRejectedOnMissingSignature(t *testing.T) {
	srv := newTestServer("s3cret", &fakeSink{}, &fakeAppender{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader(pushBody(t)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookSkipsVerificationWithoutSecret(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer("", sink, &fakeAppender{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader(pushBody(t)))
	req.Header.Set(headerEvent, "push")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, sink.events, 1)
}

func TestWebhookBadJSONIsRejected(t *testing.T) {
	srv := newTestServer("", &fakeSink{}, &fakeAppender{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookFallsBackWhenAppendFails(t *testing.T) {
	sink := &fakeSink{}
	app := &fakeAppender{err: errors.New("broker down")}
	var handled []broker.Entry
	srv := newTestServer("", sink, app, func(ctx context.Context, entry broker.Entry) {
		handled = append(handled, entry)
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader(pushBody(t)))
	req.Header.Set(headerEvent, "push")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	// Persisted first, then handled inline.
	require.Len(t, sink.events, 1)
	require.Len(t, handled, 1)
	assert.Equal(t, "push", handled[0].EventType)
}

func TestWebhookWithoutFallbackReports503OnAppendFailure(t *testing.T) {
	sink := &fakeSink{}
	app := &fakeAppender{err: errors.New("broker down")}
	srv := newTestServer("", sink, app, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", bytes.NewReader(pushBody(t)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	// The raw event survives for later reconciliation.
	assert.Len(t, sink.events, 1)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer("", &fakeSink{}, &fakeAppender{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report["broker"])
	assert.Equal(t, "ok", report["database"])
}

func TestHealthDetailedDegradedWhenBrokerDown(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(Options{
		Events:     &fakeSink{},
		Appender:   &fakeAppender{},
		Metrics:    metrics.New(reg),
		BrokerPing: &fakePinger{err: errors.New("connection refused")},
		DBPing:     &fakePinger{},
		Gatherer:   reg,
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "degraded", report["status"])
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.True(t, verifySignature("k", body, sign("k", body)))
	assert.False(t, verifySignature("k", body, sign("other", body)))
	assert.False(t, verifySignature("k", body, "not-a-signature"))
	assert.False(t, verifySignature("k", body, ""))
}
