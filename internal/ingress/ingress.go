// Package ingress terminates webhook HTTP traffic and serves health and
// metrics. Deliveries are verified, persisted and appended to the git_events
// stream; all processing happens downstream in the workers.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/store"
	"github.com/teampulse/backend/internal/workers"
)

// Delivery headers set by the webhook producer.
const (
	headerEvent     = "X-Event"
	headerDelivery  = "X-Delivery"
	headerSignature = "X-Signature-256"
)

const maxBodyBytes = 1 << 20

// EventSink persists accepted deliveries.
type EventSink interface {
	CreateRawEvent(ctx context.Context, ev *store.RawEvent) error
}

// Appender is the producing side of the broker.
type Appender interface {
	Append(ctx context.Context, stream, eventType string, data map[string]interface{}) (string, error)
}

// Pinger reports a dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FallbackHandler processes an entry in-process when the broker append
// fails. The raw event is already persisted when it runs.
type FallbackHandler func(ctx context.Context, entry broker.Entry)

// Server is the HTTP surface: webhook ingress, health, metrics.
type Server struct {
	secret   string
	events   EventSink
	appender Appender
	fallback FallbackHandler
	metrics  *metrics.Metrics

	brokerPing Pinger
	dbPing     Pinger
	workers    func() []workers.Report
	breakers   func() map[string]string
	gatherer   prometheus.Gatherer
}

type Options struct {
	WebhookSecret string
	Events        EventSink
	Appender      Appender
	Fallback      FallbackHandler
	Metrics       *metrics.Metrics
	BrokerPing    Pinger
	DBPing        Pinger
	Workers       func() []workers.Report
	Breakers      func() map[string]string
	Gatherer      prometheus.Gatherer
}

func NewServer(opts Options) *Server {
	return &Server{
		secret:     opts.WebhookSecret,
		events:     opts.Events,
		appender:   opts.Appender,
		fallback:   opts.Fallback,
		metrics:    opts.Metrics,
		brokerPing: opts.BrokerPing,
		dbPing:     opts.DBPing,
		workers:    opts.Workers,
		breakers:   opts.Breakers,
		gatherer:   opts.Gatherer,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhooks/git", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", s.handleHealthDetailed).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	if s.secret != "" && !verifySignature(s.secret, body, r.Header.Get(headerSignature)) {
		slog.Warn("webhook signature mismatch", "delivery_id", r.Header.Get(headerDelivery))
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "signature mismatch"})
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	kind := r.Header.Get(headerEvent)
	if kind == "" {
		kind = "unknown"
	}
	deliveryID := r.Header.Get(headerDelivery)
	eventID := uuid.New().String()

	ev := &store.RawEvent{
		ID:      eventID,
		Source:  "git",
		Kind:    kind,
		Repo:    repoOf(payload),
		Sender:  senderOf(payload),
		Payload: body,
	}
	if err := s.events.CreateRawEvent(r.Context(), ev); err != nil {
		slog.Error("raw event persist failed", "delivery_id", deliveryID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not persisted"})
		return
	}
	s.metrics.WebhooksReceived.WithLabelValues(kind).Inc()

	action, _ := payload["action"].(string)
	data := map[string]interface{}{
		"event_id":    eventID,
		"delivery_id": deliveryID,
		"action":      action,
		"data":        payload,
	}
	if _, err := s.appender.Append(r.Context(), broker.StreamGitEvents, kind, data); err != nil {
		slog.Error("stream append failed", "delivery_id", deliveryID, "event_id", eventID, "error", err)
		if s.fallback != nil {
			// The raw event is durable; process inline so the delivery is not
			// lost while the broker is down.
			s.fallback(r.Context(), broker.Entry{Stream: broker.StreamGitEvents, EventType: kind, Data: data})
		} else {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event accepted but not queued", "event_id": eventID})
			return
		}
	} else {
		s.metrics.StreamAppends.WithLabelValues(broker.StreamGitEvents).Inc()
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": eventID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := map[string]interface{}{"status": "ok"}

	report["broker"] = pingStatus(r.Context(), s.brokerPing)
	report["database"] = pingStatus(r.Context(), s.dbPing)
	if report["broker"] != "ok" || report["database"] != "ok" {
		report["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	if s.workers != nil {
		report["workers"] = s.workers()
	}
	if s.breakers != nil {
		report["breakers"] = s.breakers()
	}
	writeJSON(w, status, report)
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unconfigured"
	}
	if err := p.Ping(ctx); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// verifySignature checks an HMAC-SHA256 signature of the form
// "sha256=<hex>" in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func repoOf(payload map[string]interface{}) string {
	if repo, ok := payload["repository"].(map[string]interface{}); ok {
		name, _ := repo["full_name"].(string)
		return name
	}
	return ""
}

func senderOf(payload map[string]interface{}) string {
	if sender, ok := payload["sender"].(map[string]interface{}); ok {
		login, _ := sender["login"].(string)
		return login
	}
	return ""
}
