package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	LogLevel           string
	LogFormat          string
	DatabaseURL        string
	RedisURL           string
	AutoMigrate        bool
	CORSAllowedOrigins []string

	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	Stripe  StripeConfig
	Payment PaymentConfig
	Webhook WebhookConfig
	Lock    LockConfig
	Breaker BreakerConfig

	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
	MetricsEnabled     bool
	MetricsBuckets     string
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelSamplingRatio  float64
	PprofEnabled       bool
	PprofToken         string
}

// StripeConfig carries provider credentials. Secrets are optional at load time;
// a missing value is reported per request as a configuration error.
type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	ConnectedAccount  string
	WebhookTolerance  time.Duration
	APIURL            string
	MaxNetworkRetries int64
}

// PaymentConfig controls checkout session and payment entry defaults.
type PaymentConfig struct {
	PublicBaseURL string
	Currency      string
	MethodTypes   []string
	ModeOfPayment string
}

// WebhookConfig tunes the inbound webhook endpoint.
type WebhookConfig struct {
	ReplayTTL          time.Duration
	MaxBodyBytes       int64
	StorePayloads      bool
	RateLimitPerMinute int
}

// LockConfig tunes the per-invoice distributed lock.
type LockConfig struct {
	TTL          time.Duration
	RetryBackoff time.Duration
	WaitTimeout  time.Duration
}

// BreakerConfig tunes the circuit breaker guarding outbound provider calls.
type BreakerConfig struct {
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Interval     time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		AutoMigrate:        parseBool(k.String("AUTO_MIGRATE")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		AuthSecret:         k.String("AUTH_SECRET"),
		AuthIssuer:         valueOrDefault(k.String("AUTH_ISSUER"), "erp"),
		AuthAudience:       valueOrDefault(k.String("AUTH_AUDIENCE"), "paybridge"),
		Stripe: StripeConfig{
			SecretKey:         strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
			WebhookSecret:     strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
			ConnectedAccount:  strings.TrimSpace(k.String("STRIPE_CONNECTED_ACCOUNT")),
			WebhookTolerance:  parseDuration(k.String("STRIPE_WEBHOOK_TOLERANCE"), "5m"),
			APIURL:            strings.TrimSpace(k.String("STRIPE_API_URL")),
			MaxNetworkRetries: int64(parseInt(k.String("STRIPE_MAX_NETWORK_RETRIES"), 2)),
		},
		Payment: PaymentConfig{
			PublicBaseURL: strings.TrimRight(valueOrDefault(k.String("PUBLIC_BASE_URL"), "http://localhost:8000"), "/"),
			Currency:      strings.ToLower(valueOrDefault(k.String("PAYMENT_CURRENCY"), "usd")),
			MethodTypes:   splitAndTrim(valueOrDefault(k.String("PAYMENT_METHOD_TYPES"), "card")),
			ModeOfPayment: valueOrDefault(k.String("PAYMENT_MODE_OF_PAYMENT"), "Stripe"),
		},
		Webhook: WebhookConfig{
			ReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
			MaxBodyBytes:       int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 256<<10)),
			StorePayloads:      parseBool(k.String("WEBHOOK_STORE_PAYLOADS")),
			RateLimitPerMinute: parseInt(k.String("WEBHOOK_RATE_LIMIT_PER_MINUTE"), 600),
		},
		Lock: LockConfig{
			TTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
			RetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
			WaitTimeout:  parseDuration(k.String("LOCK_WAIT_TIMEOUT"), "10s"),
		},
		Breaker: BreakerConfig{
			MinRequests:  parseInt(k.String("PROVIDER_BREAKER_MIN_REQUESTS"), 10),
			FailureRatio: parseFloat(k.String("PROVIDER_BREAKER_FAILURE_RATIO"), 0.5),
			OpenFor:      parseDuration(k.String("PROVIDER_BREAKER_OPEN_FOR"), "30s"),
			Interval:     parseDuration(k.String("PROVIDER_BREAKER_INTERVAL"), "1m"),
		},
		RateLimitPerMinute: parseInt(k.String("RATE_LIMIT_PER_MINUTE"), 60),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		MetricsEnabled:     parseBoolDefault(k.String("METRICS_ENABLED"), true),
		MetricsBuckets:     k.String("HTTP_METRICS_BUCKETS"),
		OTelEnabled:        parseBool(k.String("OTEL_ENABLED")),
		OTelEndpoint:       k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceName:    valueOrDefault(k.String("OTEL_SERVICE_NAME"), "paybridge"),
		OTelSamplingRatio:  parseFloat(k.String("OTEL_SAMPLING_RATIO"), 1),
		PprofEnabled:       parseBool(k.String("PPROF_ENABLED")),
		PprofToken:         strings.TrimSpace(k.String("PPROF_TOKEN")),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.AuthSecret == "" {
		return nil, errors.New("AUTH_SECRET is required")
	}
	if len(cfg.Payment.Currency) != 3 {
		return nil, fmt.Errorf("PAYMENT_CURRENCY must be an ISO 4217 code, got %q", cfg.Payment.Currency)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
