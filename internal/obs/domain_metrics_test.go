package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDomainMetricsUsableAndRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegisterDomainMetrics("paybridge", reg)

	WebhookEventsTotal.WithLabelValues("checkout.session.completed", "applied").Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(WebhookEventsTotal.WithLabelValues("checkout.session.completed", "applied")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["paybridge_webhook_events_total"])
}
