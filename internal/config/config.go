package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll     = "ALL"
	ModeWebhook = "WEBHOOK"
	ModeWorker  = "WORKER"

	AccessModePublic  = "public"
	AccessModePrivate = "private"
)

var (
	ErrMissingBotToken     = errors.New("BOT_TOKEN is required")
	ErrMissingAdminUserID  = errors.New("ADMIN_USER_ID is required and must be > 0")
	ErrInvalidAccessMode   = errors.New("BOT_ACCESS_MODE must be 'public' or 'private'")
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrMissingModel        = errors.New("LLM_MODEL is required")
	ErrInvalidOfflineMode  = errors.New("OFFLINE_MODE must be 'auto', 'on' or 'off'")
	ErrInvalidContextMode  = errors.New("CONTEXT_MODE must be 'full' or 'tools'")
	ErrInvalidDatabaseKind = errors.New("DB_DRIVER must be 'sqlite' or 'postgres'")
)

type Config struct {
	BotToken      string
	AppMode       string
	BotAccessMode string
	AdminUserID   int64

	DevPolling bool

	Webhook WebhookConfig
	Redis   RedisConfig
	DB      DBConfig
	Worker  WorkerConfig
	HTTP    HTTPConfig
	Rate    RateConfig
	LLM     LLMConfig
	Turn    TurnConfig
	Offline OfflineConfig
	Janitor JanitorConfig
	Log     LogConfig
}

type WebhookConfig struct {
	ListenAddr     string
	PublicURL      string
	SecretPath     string
	SecretToken    string
	HealthPath     string
	MetricsPath    string
	WebhookTimeout time.Duration
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	QueueStream   string
	QueueGroup    string
	QueueBlock    time.Duration
	UpdateTTL     time.Duration
	DraftTTL      time.Duration
	AdminCacheTTL time.Duration
	SessionTTL    time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type RateConfig struct {
	PerHour int64
}

// LLMConfig describes the single model endpoint every turn talks to.
type LLMConfig struct {
	Kind         string
	BaseURL      string
	APIKey       string
	Model        string
	Headers      map[string]string
	Extra        map[string]any
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

type TurnConfig struct {
	MaxSteps        int
	HistoryLimit    int
	Timeout         time.Duration
	LockTTL         time.Duration
	ApprovalTimeout time.Duration
	ContextMode     string
}

type OfflineConfig struct {
	Mode       string
	ProbeURL   string
	ProbeTTL   time.Duration
	CacheL1TTL time.Duration
}

type JanitorConfig struct {
	Interval          time.Duration
	ApprovalRetention time.Duration
	CacheRetention    time.Duration
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		BotToken:      mustEnv("BOT_TOKEN", ""),
		AppMode:       strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		BotAccessMode: strings.ToLower(mustEnv("BOT_ACCESS_MODE", AccessModePublic)),
		AdminUserID:   mustInt64("ADMIN_USER_ID", 0),
		DevPolling:    mustBool("DEV_POLLING", false),
		Webhook: WebhookConfig{
			ListenAddr:     mustEnv("WEBHOOK_LISTEN_ADDR", ":8080"),
			PublicURL:      mustEnv("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken:    mustEnv("WEBHOOK_SECRET_TOKEN", ""),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			WebhookTimeout: mustDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		},
		Redis: RedisConfig{
			Addr:          mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:      mustEnv("REDIS_PASSWORD", ""),
			DB:            mustInt("REDIS_DB", 0),
			QueueStream:   mustEnv("QUEUE_STREAM", "notebot:turns"),
			QueueGroup:    mustEnv("QUEUE_GROUP", "notebot-workers"),
			QueueBlock:    mustDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:     mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			DraftTTL:      mustDuration("DRAFT_TTL", 20*time.Minute),
			AdminCacheTTL: mustDuration("ADMIN_CACHE_TTL", 10*time.Minute),
			SessionTTL:    mustDuration("SESSION_TTL", 24*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:notebot.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 120*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 30)),
		},
		LLM: LLMConfig{
			Kind:         strings.ToLower(mustEnv("LLM_KIND", "openai_compat")),
			BaseURL:      mustEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:       mustEnv("LLM_API_KEY", ""),
			Model:        mustEnv("LLM_MODEL", ""),
			SystemPrompt: mustEnv("LLM_SYSTEM_PROMPT", ""),
			MaxTokens:    mustInt("LLM_MAX_TOKENS", 1024),
			Temperature:  mustFloat("LLM_TEMPERATURE", 0.3),
		},
		Turn: TurnConfig{
			MaxSteps:        mustInt("TURN_MAX_STEPS", 6),
			HistoryLimit:    mustInt("TURN_HISTORY_LIMIT", 40),
			Timeout:         mustDuration("TURN_TIMEOUT", 10*time.Minute),
			LockTTL:         mustDuration("TURN_LOCK_TTL", 2*time.Minute),
			ApprovalTimeout: mustDuration("APPROVAL_TIMEOUT", 5*time.Minute),
			ContextMode:     strings.ToLower(mustEnv("CONTEXT_MODE", "full")),
		},
		Offline: OfflineConfig{
			Mode:       strings.ToLower(mustEnv("OFFLINE_MODE", "auto")),
			ProbeURL:   mustEnv("CONNECTIVITY_PROBE_URL", ""),
			ProbeTTL:   mustDuration("CONNECTIVITY_TTL", 30*time.Second),
			CacheL1TTL: mustDuration("RESPONSE_CACHE_L1_TTL", 10*time.Minute),
		},
		Janitor: JanitorConfig{
			Interval:          mustDuration("JANITOR_INTERVAL", time.Hour),
			ApprovalRetention: mustDuration("APPROVAL_RETENTION", 7*24*time.Hour),
			CacheRetention:    mustDuration("RESPONSE_CACHE_RETENTION", 0),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.BotToken == "" {
		return nil, ErrMissingBotToken
	}
	if cfg.BotAccessMode != AccessModePublic && cfg.BotAccessMode != AccessModePrivate {
		return nil, ErrInvalidAccessMode
	}
	if cfg.BotAccessMode == AccessModePrivate && cfg.AdminUserID <= 0 {
		return nil, ErrMissingAdminUserID
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.DB.Driver != "sqlite" && cfg.DB.Driver != "postgres" {
		return nil, ErrInvalidDatabaseKind
	}
	if cfg.AppMode != ModeAll && cfg.AppMode != ModeWebhook && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.AppMode != ModeWebhook && cfg.LLM.Model == "" {
		return nil, ErrMissingModel
	}
	switch cfg.Offline.Mode {
	case "auto", "on", "off":
	default:
		return nil, ErrInvalidOfflineMode
	}
	switch cfg.Turn.ContextMode {
	case "full", "tools":
	default:
		return nil, ErrInvalidContextMode
	}

	var err error
	if cfg.LLM.Headers, err = jsonEnv[map[string]string]("LLM_HEADERS_JSON"); err != nil {
		return nil, err
	}
	if cfg.LLM.Extra, err = jsonEnv[map[string]any]("LLM_CONFIG_JSON"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// jsonEnv decodes an optional JSON object variable; unset yields the zero value.
func jsonEnv[T any](key string) (T, error) {
	var out T
	raw := mustEnv(key, "")
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
