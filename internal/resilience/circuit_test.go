package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cfg.Logger = zerolog.Nop()
	b := NewBreaker(cfg)
	b.now = c.now
	b.windowStart = c.t
	return b, c
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	b, c := newTestBreaker(BreakerConfig{Target: "stripe-cycle", MinRequests: 2, FailureRatio: 0.5, OpenFor: time.Second})
	ctx := context.Background()

	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow(ctx))

	c.advance(time.Second)
	require.True(t, b.Allow(ctx), "probe admitted after cool-off")
	require.False(t, b.Allow(ctx), "only one probe at a time")
	b.Report(ctx, true)
	require.Equal(t, Closed, b.State())
	require.True(t, b.Allow(ctx))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(BreakerConfig{Target: "stripe-reopen", MinRequests: 1, OpenFor: time.Second})
	ctx := context.Background()

	b.Report(ctx, false)
	c.advance(time.Second)
	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow(ctx))
}

func TestBreakerIntervalResetsCounts(t *testing.T) {
	b, c := newTestBreaker(BreakerConfig{Target: "stripe-interval", MinRequests: 2, FailureRatio: 0.5, Interval: time.Minute})
	ctx := context.Background()

	b.Report(ctx, false)
	c.advance(2 * time.Minute)
	b.Report(ctx, true)
	b.Report(ctx, true)
	require.Equal(t, Closed, b.State())
}

func TestBreakerMetrics(t *testing.T) {
	b, c := newTestBreaker(BreakerConfig{Target: "stripe-metrics", MinRequests: 1, OpenFor: time.Second})
	ctx := context.Background()

	b.Report(ctx, false)
	require.Equal(t, 1.0, testutil.ToFloat64(BreakerState.WithLabelValues("stripe-metrics")))

	c.advance(time.Second)
	require.True(t, b.Allow(ctx))
	require.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("stripe-metrics")))

	b.Report(ctx, true)
	require.Equal(t, 0.0, testutil.ToFloat64(BreakerState.WithLabelValues("stripe-metrics")))
	require.Equal(t, 1.0, testutil.ToFloat64(BreakerOpenedTotal.WithLabelValues("stripe-metrics")))
	require.Equal(t, 1.0, testutil.ToFloat64(BreakerTransitions.WithLabelValues("stripe-metrics", "closed", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(BreakerTransitions.WithLabelValues("stripe-metrics", "open", "half_open")))
	require.Equal(t, 1.0, testutil.ToFloat64(BreakerTransitions.WithLabelValues("stripe-metrics", "half_open", "closed")))
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, Backoff(base, 0, 1, 0))
	require.Equal(t, 4*base, Backoff(base, 0, 3, 0))
	require.Equal(t, 400*time.Millisecond, Backoff(base, 400*time.Millisecond, 5, 0))

	d := Backoff(base, 0, 2, 0.2)
	require.GreaterOrEqual(t, d, 160*time.Millisecond)
	require.LessOrEqual(t, d, 240*time.Millisecond)
}
