package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/payment/paymenttest"
)

const whsec = "whsec_test_secret"

func newStripe(t *testing.T, handler http.HandlerFunc) *payment.Stripe {
	t.Helper()
	cfg := payment.StripeConfig{Logger: zerolog.Nop(), WebhookTolerance: 5 * time.Minute}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		cfg.APIURL = srv.URL
		cfg.HTTPClient = srv.Client()
	}
	return payment.NewStripe(cfg)
}

func TestVerifyWebhookDecodesSession(t *testing.T) {
	p := newStripe(t, nil)
	body := paymenttest.SessionEvent("evt_1", payment.EventCheckoutSessionCompleted, paymenttest.Session{
		ID: "cs_test_1", PaymentIntent: "pi_1", PaymentStatus: "paid", AmountTotal: 12050, Currency: "usd",
	})

	evt, err := p.VerifyWebhook(body, paymenttest.SignStripePayload(body, whsec, time.Now()), whsec)
	require.NoError(t, err)
	require.Equal(t, "evt_1", evt.ID)
	require.Equal(t, payment.EventCheckoutSessionCompleted, evt.Type)
	require.NotNil(t, evt.Session)
	require.Equal(t, "cs_test_1", evt.Session.ID)
	require.Equal(t, "pi_1", evt.Session.PaymentIntentID)
	require.Equal(t, payment.PaymentStatusPaid, evt.Session.PaymentStatus)
	require.Equal(t, int64(12050), evt.Session.AmountTotal)
	require.Nil(t, evt.Intent)
}

func TestVerifyWebhookDecodesIntent(t *testing.T) {
	p := newStripe(t, nil)
	body := paymenttest.IntentEvent("evt_2", payment.EventPaymentIntentPaymentFailed, "pi_9", "requires_payment_method", 500)

	evt, err := p.VerifyWebhook(body, paymenttest.SignStripePayload(body, whsec, time.Now()), whsec)
	require.NoError(t, err)
	require.NotNil(t, evt.Intent)
	require.Equal(t, "pi_9", evt.Intent.ID)
}

func TestVerifyWebhookRejections(t *testing.T) {
	p := newStripe(t, nil)
	body := paymenttest.SessionEvent("evt_3", payment.EventCheckoutSessionCompleted, paymenttest.Session{ID: "cs_1", PaymentStatus: "paid"})
	header := paymenttest.SignStripePayload(body, whsec, time.Now())

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] ^= 0x01
	_, err := p.VerifyWebhook(tampered, header, whsec)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	_, err = p.VerifyWebhook(body, "", whsec)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	_, err = p.VerifyWebhook(body, paymenttest.SignStripePayload(body, whsec, time.Now().Add(-time.Hour)), whsec)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	_, err = p.VerifyWebhook(body, header, "whsec_other")
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	garbage := []byte("{not json")
	_, err = p.VerifyWebhook(garbage, paymenttest.SignStripePayload(garbage, whsec, time.Now()), whsec)
	require.ErrorIs(t, err, payment.ErrInvalidPayload)

	_, err = p.VerifyWebhook(body, header, "")
	require.ErrorIs(t, err, payment.ErrMissingCredentials)
}

func TestCreateCheckoutSessionSendsInvoiceDetails(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "12050", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		require.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		require.Equal(t, "Payment for SINV-0001", r.PostForm.Get("line_items[0][price_data][product_data][name]"))
		require.Equal(t, "payment", r.PostForm.Get("mode"))
		require.Equal(t, "SINV-0001", r.PostForm.Get("metadata[sales_invoice]"))
		require.Equal(t, "SINV-0001", r.PostForm.Get("client_reference_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_9","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_9","payment_intent":"pi_9","payment_status":"unpaid","status":"open"}`))
	})

	cs, err := p.CreateCheckoutSession(context.Background(), payment.Credentials{SecretKey: "sk_test_123"}, payment.SessionParams{
		InvoiceName:        "SINV-0001",
		Description:        "Payment for SINV-0001",
		Amount:             12050,
		Currency:           "usd",
		PaymentMethodTypes: []string{"card"},
		SuccessURL:         "https://erp.example.com/success?invoice=SINV-0001",
		CancelURL:          "https://erp.example.com/cancel?invoice=SINV-0001",
		Metadata:           map[string]string{"sales_invoice": "SINV-0001", "customer": "Acme"},
	})
	require.NoError(t, err)
	require.Equal(t, "cs_test_9", cs.ID)
	require.Equal(t, "pi_9", cs.PaymentIntentID)
	require.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_9", cs.URL)
}

func TestRetrieveCheckoutSession(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/checkout/sessions/cs_old", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_old","object":"checkout.session","payment_intent":"pi_old","payment_status":"unpaid","status":"complete"}`))
	})

	cs, err := p.RetrieveCheckoutSession(context.Background(), payment.Credentials{SecretKey: "sk_test_123"}, "cs_old")
	require.NoError(t, err)
	require.Equal(t, payment.SessionStatusComplete, cs.Status)
	require.Equal(t, "unpaid", cs.PaymentStatus)
	require.Equal(t, "pi_old", cs.PaymentIntentID)
}

func TestCallsRequireCredentials(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected without credentials")
	})
	_, err := p.CreateTransfer(context.Background(), payment.Credentials{}, payment.TransferParams{Amount: 1, Currency: "usd", Destination: "acct_1"})
	require.ErrorIs(t, err, payment.ErrMissingCredentials)
	require.False(t, payment.IsTemporary(err))
}

func TestProviderErrorsKeepMessage(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such transfer: 'tr_missing'"}}`))
	})

	_, err := p.RetrieveTransfer(context.Background(), payment.Credentials{SecretKey: "sk_test_123"}, "tr_missing")
	require.Error(t, err)
	require.Equal(t, "No such transfer: 'tr_missing'", err.Error())
	require.True(t, errors.Is(err, payment.ErrNotFound))
	require.True(t, payment.IsInvalidRequest(err))
	require.False(t, payment.IsTemporary(err))
}

func TestCreatePayoutUsesConnectedAccount(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payouts", r.URL.Path)
		require.Equal(t, "acct_123", r.Header.Get("Stripe-Account"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"po_1","object":"payout","amount":12050,"currency":"usd","status":"pending"}`))
	})

	po, err := p.CreatePayout(context.Background(), payment.Credentials{SecretKey: "sk_test_123"}, payment.PayoutParams{
		Account: "acct_123", Amount: 12050, Currency: "usd",
	})
	require.NoError(t, err)
	require.Equal(t, "po_1", po.ID)
	require.Equal(t, "pending", po.Status)
	require.Equal(t, "acct_123", po.Account)
}

func TestRetrieveTransferDerivesStatus(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers/tr_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tr_1","object":"transfer","amount":100,"currency":"usd","reversed":true,"destination":"acct_1"}`))
	})
	tr, err := p.RetrieveTransfer(context.Background(), payment.Credentials{SecretKey: "sk_test_123"}, "tr_1")
	require.NoError(t, err)
	require.Equal(t, "reversed", tr.Status)
	require.Equal(t, "acct_1", tr.Destination)
}

func TestIsTemporary(t *testing.T) {
	require.True(t, payment.IsTemporary(&payment.Error{HTTPStatus: http.StatusServiceUnavailable}))
	require.True(t, payment.IsTemporary(&payment.Error{HTTPStatus: http.StatusTooManyRequests}))
	require.True(t, payment.IsTemporary(errors.New("connection reset")))
	require.False(t, payment.IsTemporary(&payment.Error{HTTPStatus: http.StatusBadRequest}))
	require.False(t, payment.IsTemporary(nil))
}
