package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// WebhookEventsTotal counts verified webhook events by type and outcome.
	WebhookEventsTotal *prometheus.CounterVec
	// WebhookRejectedTotal counts webhook deliveries rejected before dispatch.
	WebhookRejectedTotal *prometheus.CounterVec
	// InvoiceTransitionsTotal counts applied and skipped invoice transitions.
	InvoiceTransitionsTotal *prometheus.CounterVec
	// CheckoutSessionsTotal counts checkout session issuance attempts.
	CheckoutSessionsTotal *prometheus.CounterVec
	// TransfersTotal counts transfer and payout attempts.
	TransfersTotal *prometheus.CounterVec
	// LockWaitSeconds observes how long callers waited for a per-invoice lock.
	LockWaitSeconds prometheus.Histogram
)

func init() {
	// Usable before MustRegisterDomainMetrics runs, e.g. in package tests.
	initDomainCollectors("paybridge")
}

func initDomainCollectors(namespace string) {
	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Count of verified webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	WebhookRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_rejected_total",
		Help:      "Count of webhook deliveries rejected before dispatch.",
	}, []string{"reason"})
	InvoiceTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invoice_transitions_total",
		Help:      "Count of invoice state transitions by target state and result.",
	}, []string{"transition", "result"})
	CheckoutSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkout_sessions_total",
		Help:      "Count of checkout session issuance attempts.",
	}, []string{"result"})
	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_total",
		Help:      "Count of transfer and payout attempts by step and result.",
	}, []string{"step", "result"})
	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "invoice_lock_wait_seconds",
		Help:      "Time spent waiting for a per-invoice lock.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
}

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if namespace != "paybridge" {
			initDomainCollectors(namespace)
		}
		register(reg, &WebhookEventsTotal)
		register(reg, &WebhookRejectedTotal)
		register(reg, &InvoiceTransitionsTotal)
		register(reg, &CheckoutSessionsTotal)
		register(reg, &TransfersTotal)
		register(reg, &LockWaitSeconds)
	})
}
