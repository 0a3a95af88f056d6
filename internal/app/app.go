// Package app wires configuration, infrastructure clients and domain
// services into the HTTP surface shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/auth"
	"github.com/noah-isme/paybridge/internal/checkout"
	"github.com/noah-isme/paybridge/internal/config"
	"github.com/noah-isme/paybridge/internal/db"
	"github.com/noah-isme/paybridge/internal/erp"
	"github.com/noah-isme/paybridge/internal/health"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/ratelimit"
	"github.com/noah-isme/paybridge/internal/reconcile"
	"github.com/noah-isme/paybridge/internal/resilience"
	"github.com/noah-isme/paybridge/internal/transfer"
)

// Deps are the infrastructure handles the domain services are built on.
type Deps struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Redis      *redis.Client
	Store      erp.Store
	AuditStore audit.Store
	Provider   *payment.Stripe
	Checker    health.Checker
}

// App holds every wired component.
type App struct {
	Deps

	Validator    *validator.Validate
	Tokens       *auth.Service
	Locker       lock.Locker
	LimiterStore limiter.Store
	Checkout     *checkout.Service
	Transfers    *transfer.Service
	Webhook      reconcile.WebhookHandler
	HTTPMetrics  *obs.HTTPMetrics

	closers []func()
}

// New connects to PostgreSQL and Redis and wires the application. Close
// releases the connections.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rdb, err := NewRedis(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a, err := Wire(Deps{
		Config:     cfg,
		Logger:     logger,
		Redis:      rdb,
		Store:      erp.NewPGStore(pool),
		AuditStore: audit.PGStore{Pool: pool},
		Provider:   NewProvider(cfg, logger),
		Checker:    health.Probe{DB: pool, Redis: rdb},
	})
	if err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, err
	}
	a.closers = append(a.closers, pool.Close, func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	})
	return a, nil
}

// NewRedis opens an instrumented Redis client and verifies connectivity.
func NewRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewProvider builds the Stripe adapter. Outbound calls are traced and pass
// through a circuit breaker so a failing provider is shed quickly.
func NewProvider(cfg *config.Config, logger zerolog.Logger) *payment.Stripe {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Target:       "stripe",
		MinRequests:  cfg.Breaker.MinRequests,
		FailureRatio: cfg.Breaker.FailureRatio,
		OpenFor:      cfg.Breaker.OpenFor,
		Interval:     cfg.Breaker.Interval,
		Logger:       logger,
	})
	httpClient := obs.NewHTTPClient(30 * time.Second)
	httpClient.Transport = resilience.Transport{Base: httpClient.Transport, Breaker: breaker}
	return payment.NewStripe(payment.StripeConfig{
		APIURL:            cfg.Stripe.APIURL,
		HTTPClient:        httpClient,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
		WebhookTolerance:  cfg.Stripe.WebhookTolerance,
		Logger:            logger.With().Str("component", "stripe").Logger(),
	})
}

// Wire builds the domain services on top of d.
func Wire(d Deps) (*App, error) {
	cfg := d.Config
	tokens, err := auth.NewService(auth.Config{
		Secret:   cfg.AuthSecret,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		return nil, err
	}
	limiterStore, err := ratelimit.NewRedisStore(d.Redis, "ratelimit:webhook")
	if err != nil {
		return nil, fmt.Errorf("create limiter store: %w", err)
	}

	locker := lock.Locker{R: d.Redis, RetryBackoff: cfg.Lock.RetryBackoff}
	creds := payment.Credentials{SecretKey: cfg.Stripe.SecretKey}

	a := &App{
		Deps:         d,
		Validator:    validator.New(validator.WithRequiredStructEnabled()),
		Tokens:       tokens,
		Locker:       locker,
		LimiterStore: limiterStore,
	}
	a.Checkout = &checkout.Service{
		Store:         d.Store,
		Provider:      d.Provider,
		Locker:        locker,
		Credentials:   creds,
		LockTTL:       cfg.Lock.TTL,
		WaitTimeout:   cfg.Lock.WaitTimeout,
		PublicBaseURL: cfg.Payment.PublicBaseURL,
		Currency:      cfg.Payment.Currency,
		MethodTypes:   cfg.Payment.MethodTypes,
		Logger:        d.Logger.With().Str("component", "checkout").Logger(),
	}
	a.Transfers = &transfer.Service{
		Store:         d.Store,
		Provider:      d.Provider,
		Locker:        locker,
		Credentials:   creds,
		Account:       cfg.Stripe.ConnectedAccount,
		Currency:      cfg.Payment.Currency,
		ModeOfPayment: cfg.Payment.ModeOfPayment,
		LockTTL:       cfg.Lock.TTL,
		WaitTimeout:   cfg.Lock.WaitTimeout,
		Logger:        d.Logger.With().Str("component", "transfer").Logger(),
	}
	a.Webhook = reconcile.WebhookHandler{
		Verifier: d.Provider,
		Secret:   cfg.Stripe.WebhookSecret,
		Dispatcher: reconcile.Dispatcher{
			Resolver: reconcile.Resolver{Store: d.Store},
			Applier: reconcile.Applier{
				Store:         d.Store,
				Locker:        locker,
				LockTTL:       cfg.Lock.TTL,
				WaitTimeout:   cfg.Lock.WaitTimeout,
				ModeOfPayment: cfg.Payment.ModeOfPayment,
			},
		},
		Replay: reconcile.RedisReplayGuard{Client: d.Redis, TTL: cfg.Webhook.ReplayTTL},
		Audit: audit.Service{
			Store:         d.AuditStore,
			Enabled:       d.AuditStore != nil,
			StorePayloads: cfg.Webhook.StorePayloads,
			Logger:        d.Logger,
		},
		Logger:       d.Logger.With().Str("component", "webhook").Logger(),
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}
	if cfg.MetricsEnabled {
		a.HTTPMetrics = obs.NewHTTPMetrics("paybridge", obs.ParseBucketsCSV(cfg.MetricsBuckets), nil)
	}
	return a, nil
}

// Close releases the connections opened by New.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
