package app

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/auth"
	"github.com/noah-isme/paybridge/internal/checkout"
	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/health"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/ratelimit"
	"github.com/noah-isme/paybridge/internal/security"
	"github.com/noah-isme/paybridge/internal/transfer"
)

// Router builds the HTTP handler serving webhooks, the ERP-facing API and
// operational endpoints.
func (a *App) Router() http.Handler {
	cfg := a.Config
	logger := a.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if a.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: a.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger, SkipPaths: []string{"/health/live", "/health/ready", "/metrics"}}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.IsProduction()}.Middleware)

	healthHandler := health.Handler{Checker: a.Checker}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofToken))
	}

	webhookLimit := ratelimit.Handler{
		Limiter: ratelimit.FixedWindow{Store: a.LimiterStore},
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return "ip:" + common.ClientIP(r) },
			Window: time.Minute,
			Max:    cfg.Webhook.RateLimitPerMinute,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("webhook_rate_limit_unavailable") },
	}
	r.With(webhookLimit.Middleware).Post("/webhooks/stripe", a.Webhook.Handle)

	authMiddleware := auth.Middleware{Service: a.Tokens}
	apiLimit := ratelimit.Handler{
		Limiter: ratelimit.SlidingWindow{Client: a.Redis, Prefix: "ratelimit:api:"},
		Config:  ratelimit.Config{Key: ratelimit.ByCaller(""), Window: time.Minute, Max: cfg.RateLimitPerMinute},
		OnError: func(err error) { logger.Warn().Err(err).Msg("api_rate_limit_unavailable") },
	}
	idem := common.Idem{R: a.Redis, TTL: cfg.IdempotencyTTL}
	checkoutHandler := &checkout.Handler{Svc: a.Checkout, Validate: a.Validator}
	transferHandler := &transfer.Handler{Svc: a.Transfers, Validate: a.Validator}
	auditHandler := audit.Handler{Store: a.AuditStore}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.CORS(cfg.CORSAllowedOrigins))
		v.Use(authMiddleware.RequireAuth)
		v.Use(apiLimit.Middleware)
		v.Use(security.BodyLimit{Max: 64 << 10}.Middleware)

		v.With(idem.Middleware).Post("/checkout/sessions", checkoutHandler.Create)
		v.Get("/webhook-events", auditHandler.List)
		v.Get("/transfer-logs", transferHandler.Logs)

		v.Group(func(t chi.Router) {
			t.Use(auth.RequireRole(auth.RoleTransfer))
			t.With(idem.Middleware).Post("/transfers", transferHandler.Initiate)
			t.Get("/transfers/{reference}/status", transferHandler.Status)
		})
	})

	return r
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return http.StripPrefix("/debug/pprof", mux)
}

// protectPprof requires a static bearer token when one is configured.
func protectPprof(handler http.Handler, token string) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
