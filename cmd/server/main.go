// Command server runs the event-processing backend: webhook ingress, the
// worker fleet over the broker streams, and the health/metrics surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/teampulse/backend/internal/broker"
	"github.com/teampulse/backend/internal/chat"
	"github.com/teampulse/backend/internal/circuitbreaker"
	"github.com/teampulse/backend/internal/classify"
	"github.com/teampulse/backend/internal/config"
	"github.com/teampulse/backend/internal/impact"
	"github.com/teampulse/backend/internal/ingress"
	"github.com/teampulse/backend/internal/knowledge"
	"github.com/teampulse/backend/internal/metrics"
	"github.com/teampulse/backend/internal/notify"
	"github.com/teampulse/backend/internal/ownership"
	"github.com/teampulse/backend/internal/ratelimit"
	"github.com/teampulse/backend/internal/rules"
	"github.com/teampulse/backend/internal/store"
	"github.com/teampulse/backend/internal/vector"
	"github.com/teampulse/backend/internal/workers"
)

// Consumer group per stream.
const (
	groupChangeProcessors = "change_processors"
	groupNotifiers        = "notifiers"
	groupTaskMonitors     = "task_monitors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	b := broker.New(rdb)
	groups := map[string]string{
		broker.StreamGitEvents:     groupChangeProcessors,
		broker.StreamNotifications: groupNotifiers,
		broker.StreamTaskEvents:    groupTaskMonitors,
	}
	for stream, group := range groups {
		if err := b.CreateGroup(ctx, stream, group); err != nil {
			slog.Error("consumer group setup failed", "stream", stream, "error", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	breakers := circuitbreaker.NewSet()
	classifier := buildClassifier(cfg, breakers).WithFallbackCounter(m.ClassifierFallbacks)
	sender := buildSender(cfg, breakers)
	vectors := buildVectorStore(cfg, breakers)

	ownershipStore := ownership.New(st.DB(), cfg.Ownership)
	analyzer := impact.NewAnalyzer(classifier, ownershipStore)
	limiter := ratelimit.New(rdb, cfg.RateLimit.MaxPerWindow, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	writer := knowledge.NewWriter(st, vectors)
	engine := rules.NewEngine(st, rules.NewExecutor(b, st, sender)).WithExecutionCounter(m.RuleExecutions)

	changeHandler := workers.NewChangeProcessor(st, ownershipStore, analyzer, classifier, writer, b, m)
	notifyHandler := notify.NewHandler(st, sender, limiter, m)
	monitorHandler := workers.NewTaskMonitor(st, writer, engine, b, m)

	sup := workers.NewSupervisor()
	sup.AddPool(cfg.Workers.ChangeProcessors, func(i int) *workers.Worker {
		return workers.NewWorker("change-processor", broker.StreamGitEvents, groupChangeProcessors, b, changeHandler, m)
	})
	sup.AddPool(cfg.Workers.NotificationWorkers, func(i int) *workers.Worker {
		return workers.NewWorker("notifier", broker.StreamNotifications, groupNotifiers, b, notifyHandler, m)
	})
	sup.AddPool(cfg.Workers.TaskMonitors, func(i int) *workers.Worker {
		return workers.NewWorker("task-monitor", broker.StreamTaskEvents, groupTaskMonitors, b, monitorHandler, m)
	})
	sup.Start(ctx)

	srv := ingress.NewServer(ingress.Options{
		WebhookSecret: cfg.WebhookSecret,
		Events:        st,
		Appender:      b,
		Metrics:       m,
		BrokerPing:    b,
		DBPing:        st,
		Workers:       sup.Health,
		Breakers:      breakers.Health,
		Gatherer:      registry,
		Fallback: func(ctx context.Context, entry broker.Entry) {
			if err := changeHandler.Handle(ctx, entry); err != nil {
				slog.Error("in-process fallback handling failed", "event_type", entry.EventType, "error", err)
			}
		},
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	sup.Stop()
	slog.Info("shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// buildClassifier assembles the provider chain: OpenAI-compatible primary,
// Anthropic failover. With no providers configured every call takes the
// deterministic fallback path.
func buildClassifier(cfg *config.Config, breakers *circuitbreaker.Set) *classify.LLMClassifier {
	var providers []classify.Completer
	if cfg.LLMBaseURL != "" {
		providers = append(providers, classify.NewOpenAICompatible(cfg.LLMBaseURL, cfg.LLMModel, ""))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, classify.NewAnthropicCompleter(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	}
	if len(providers) == 0 {
		slog.Warn("no llm providers configured, classification uses deterministic fallbacks")
	}
	return classify.NewLLMClassifier(classify.NewFailover(providers...), breakers.LLM)
}

func buildSender(cfg *config.Config, breakers *circuitbreaker.Set) chat.Sender {
	if cfg.ChatBotToken == "" {
		slog.Warn("no chat bot token configured, notifications will not be delivered")
		return chat.NoopSender{}
	}
	return chat.NewSlackSender(cfg.ChatBotToken, breakers.Chat)
}

func buildVectorStore(cfg *config.Config, breakers *circuitbreaker.Set) vector.Store {
	if cfg.VectorURL == "" {
		slog.Warn("no vector store configured, knowledge indexing disabled")
		return vector.NoopStore{}
	}
	return vector.NewHTTPStore(cfg.VectorURL, cfg.VectorAPIKey, "knowledge", breakers.Vector)
}
