// Package metrics registers the Prometheus instruments shared across the
// pipeline. One Metrics value is built at startup and handed to whoever
// needs to count something.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	MessageErrors     *prometheus.CounterVec
	MessageDuration   *prometheus.HistogramVec

	WebhooksReceived *prometheus.CounterVec
	StreamAppends    *prometheus.CounterVec

	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec

	RuleExecutions      *prometheus.CounterVec
	ClassifierFallbacks prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_messages_processed_total",
			Help: "Stream messages successfully processed, by worker type.",
		}, []string{"worker"}),
		MessageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_message_errors_total",
			Help: "Stream messages whose handler returned an error, by worker type.",
		}, []string{"worker"}),
		MessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teampulse_message_duration_seconds",
			Help:    "Handler latency per stream message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker"}),
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_webhooks_received_total",
			Help: "Webhook deliveries accepted at the ingress, by event type.",
		}, []string{"event"}),
		StreamAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_stream_appends_total",
			Help: "Entries appended to broker streams.",
		}, []string{"stream"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_notifications_sent_total",
			Help: "Notifications delivered, by channel.",
		}, []string{"channel"}),
		NotificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_notifications_dropped_total",
			Help: "Notifications dropped before delivery, by reason.",
		}, []string{"reason"}),
		RuleExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teampulse_rule_executions_total",
			Help: "Automation rule executions, by outcome.",
		}, []string{"status"}),
		ClassifierFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "teampulse_classifier_fallbacks_total",
			Help: "Classifier calls that fell back to the neutral verdict.",
		}),
	}
}
