package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":             "postgres://localhost/paybridge",
		"REDIS_URL":                "redis://localhost:6379/0",
		"AUTH_SECRET":              "test-secret",
		"STRIPE_SECRET_KEY":        "",
		"STRIPE_WEBHOOK_SECRET":    "",
		"STRIPE_WEBHOOK_TOLERANCE": "",
		"PAYMENT_CURRENCY":         "",
		"PAYMENT_METHOD_TYPES":     "",
		"PUBLIC_BASE_URL":          "",
		"LOCK_WAIT_TIMEOUT":        "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "usd", cfg.Payment.Currency)
	require.Equal(t, []string{"card"}, cfg.Payment.MethodTypes)
	require.Equal(t, 5*time.Minute, cfg.Stripe.WebhookTolerance)
	require.Equal(t, 10*time.Second, cfg.Lock.WaitTimeout)
	require.Empty(t, cfg.Stripe.WebhookSecret)
	require.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadStripeOverrides(t *testing.T) {
	env := baseEnv()
	env["STRIPE_SECRET_KEY"] = " sk_test_123 "
	env["STRIPE_WEBHOOK_SECRET"] = "whsec_abc"
	env["STRIPE_WEBHOOK_TOLERANCE"] = "90s"
	env["PAYMENT_CURRENCY"] = "EUR"
	env["PUBLIC_BASE_URL"] = "https://erp.example.com/"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	require.Equal(t, "whsec_abc", cfg.Stripe.WebhookSecret)
	require.Equal(t, 90*time.Second, cfg.Stripe.WebhookTolerance)
	require.Equal(t, "eur", cfg.Payment.Currency)
	require.Equal(t, "https://erp.example.com", cfg.Payment.PublicBaseURL)
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	env := baseEnv()
	env["AUTH_SECRET"] = ""
	_, err := LoadForTests(env)
	require.EqualError(t, err, "AUTH_SECRET is required")
}

func TestLoadRejectsInvalidCurrency(t *testing.T) {
	env := baseEnv()
	env["PAYMENT_CURRENCY"] = "dollars"
	_, err := LoadForTests(env)
	require.Error(t, err)
}
