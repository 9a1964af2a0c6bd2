// Package config loads pipeline configuration from the environment and an
// optional YAML file. A .env file in the working directory is honored for
// local development; real deployments set environment variables directly.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DatabaseURL string
	RedisURL    string

	VectorURL    string
	VectorAPIKey string

	LLMBaseURL      string
	LLMModel        string
	AnthropicAPIKey string
	AnthropicModel  string

	ChatBotToken      string
	ChatSigningSecret string
	WebhookSecret     string

	LogLevel string
	HTTPPort string

	Workers   WorkerConfig
	RateLimit RateLimitConfig
	Ownership OwnershipConfig
}

// WorkerConfig sets instance counts per worker type.
type WorkerConfig struct {
	ChangeProcessors    int `yaml:"change_processors"`
	NotificationWorkers int `yaml:"notification_workers"`
	TaskMonitors        int `yaml:"task_monitors"`
}

type RateLimitConfig struct {
	MaxPerWindow  int `yaml:"max_per_window"`
	WindowSeconds int `yaml:"window_seconds"`
}

// OwnershipConfig holds the score weights. The three weights should sum to 1.
type OwnershipConfig struct {
	CommitWeight  float64 `yaml:"commit_weight"`
	LinesWeight   float64 `yaml:"lines_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`
	RecencyDays   int     `yaml:"recency_days"`
}

// fileConfig is the shape of the optional YAML file pointed at by CONFIG_PATH.
type fileConfig struct {
	Workers   WorkerConfig    `yaml:"workers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Ownership OwnershipConfig `yaml:"ownership"`
}

// Load builds the configuration. DATABASE_URL and REDIS_URL are required;
// everything else has a default or degrades a capability (no chat token means
// chat delivery is disabled, no LLM endpoint means the deterministic
// classifier fallback is always used).
func Load() (*Config, error) {
	// Best effort; absence of a .env file is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		VectorURL:         os.Getenv("VECTOR_URL"),
		VectorAPIKey:      os.Getenv("VECTOR_API_KEY"),
		LLMBaseURL:        os.Getenv("LLM_BASE_URL"),
		LLMModel:          getenv("LLM_MODEL", "gpt-4o-mini"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:    getenv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		ChatBotToken:      os.Getenv("CHAT_BOT_TOKEN"),
		ChatSigningSecret: os.Getenv("CHAT_SIGNING_SECRET"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		HTTPPort:          getenv("PORT", "8080"),
		Workers: WorkerConfig{
			ChangeProcessors:    getenvInt("CHANGE_PROCESSOR_COUNT", 2),
			NotificationWorkers: getenvInt("NOTIFICATION_WORKER_COUNT", 2),
			TaskMonitors:        getenvInt("TASK_MONITOR_COUNT", 1),
		},
		RateLimit: RateLimitConfig{
			MaxPerWindow:  getenvInt("RATE_LIMIT_MAX", 10),
			WindowSeconds: getenvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Ownership: OwnershipConfig{
			CommitWeight:  0.4,
			LinesWeight:   0.3,
			RecencyWeight: 0.3,
			RecencyDays:   90,
		},
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return err
	}

	if fc.Workers.ChangeProcessors > 0 {
		c.Workers.ChangeProcessors = fc.Workers.ChangeProcessors
	}
	if fc.Workers.NotificationWorkers > 0 {
		c.Workers.NotificationWorkers = fc.Workers.NotificationWorkers
	}
	if fc.Workers.TaskMonitors > 0 {
		c.Workers.TaskMonitors = fc.Workers.TaskMonitors
	}
	if fc.RateLimit.MaxPerWindow > 0 {
		c.RateLimit.MaxPerWindow = fc.RateLimit.MaxPerWindow
	}
	if fc.RateLimit.WindowSeconds > 0 {
		c.RateLimit.WindowSeconds = fc.RateLimit.WindowSeconds
	}
	if fc.Ownership.RecencyDays > 0 {
		c.Ownership = fc.Ownership
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
