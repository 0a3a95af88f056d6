package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/erp"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/reconcile"
	"github.com/noah-isme/paybridge/internal/resilience"
)

type stubProvider struct {
	mu        sync.Mutex
	created   []payment.SessionParams
	expired   []string
	createErr error
	expireErr error
	sessions  map[string]payment.CheckoutSession
}

func (p *stubProvider) CreateCheckoutSession(_ context.Context, creds payment.Credentials, params payment.SessionParams) (payment.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !creds.Valid() {
		return payment.CheckoutSession{}, payment.ErrMissingCredentials
	}
	if p.createErr != nil {
		return payment.CheckoutSession{}, p.createErr
	}
	p.created = append(p.created, params)
	id := fmt.Sprintf("cs_test_%d", len(p.created))
	return payment.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (p *stubProvider) ExpireCheckoutSession(_ context.Context, _ payment.Credentials, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired = append(p.expired, id)
	return p.expireErr
}

func (p *stubProvider) RetrieveCheckoutSession(_ context.Context, _ payment.Credentials, id string) (payment.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.sessions[id]
	if !ok {
		return payment.CheckoutSession{}, &payment.Error{Type: "invalid_request_error", Code: "resource_missing", Message: "No such checkout.session: " + id, HTTPStatus: http.StatusNotFound}
	}
	return cs, nil
}

func notOpen() error {
	return &payment.Error{Type: "invalid_request_error", Message: "Only Checkout Sessions with a status of open can be expired.", HTTPStatus: http.StatusBadRequest}
}

func newService(t *testing.T, inv erp.Invoice) (*Service, *erp.MemoryStore, *stubProvider) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := erp.NewMemoryStore()
	store.PutInvoice(inv)
	provider := &stubProvider{}
	return &Service{
		Store:         store,
		Provider:      provider,
		Locker:        lock.Locker{R: rdb, RetryBackoff: time.Millisecond},
		Credentials:   payment.Credentials{SecretKey: "sk_test_123"},
		LockTTL:       5 * time.Second,
		WaitTimeout:   time.Second,
		PublicBaseURL: "https://erp.example.com",
		Currency:      "usd",
		MethodTypes:   []string{"card"},
		Logger:        zerolog.Nop(),
	}, store, provider
}

func invoice(status erp.InvoiceStatus, outstanding string) erp.Invoice {
	return erp.Invoice{
		Name:              "SINV-0001",
		Customer:          "CUST-0001",
		GrandTotal:        decimal.RequireFromString(outstanding),
		OutstandingAmount: decimal.RequireFromString(outstanding),
		Currency:          "USD",
		Status:            status,
	}
}

func requireAppError(t *testing.T, err error, status int, code string) *common.AppError {
	t.Helper()
	appErr, ok := common.AsAppError(err)
	require.True(t, ok, "expected AppError, got %v", err)
	require.Equal(t, status, appErr.HTTPStatus)
	require.Equal(t, code, appErr.Code)
	return appErr
}

func TestCreateIssuesSessionForOutstandingAmount(t *testing.T) {
	svc, store, provider := newService(t, invoice(erp.StatusSubmitted, "120.50"))

	out, err := svc.Create(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", out.SessionID)
	require.Contains(t, out.URL, "cs_test_1")

	require.Len(t, provider.created, 1)
	params := provider.created[0]
	require.Equal(t, int64(12050), params.Amount)
	require.Equal(t, "usd", params.Currency)
	require.Equal(t, "Payment for SINV-0001", params.Description)
	require.Equal(t, "https://erp.example.com/success?invoice=SINV-0001", params.SuccessURL)
	require.Equal(t, "https://erp.example.com/cancel?invoice=SINV-0001", params.CancelURL)
	require.Equal(t, map[string]string{"sales_invoice": "SINV-0001", "customer": "CUST-0001"}, params.Metadata)
	require.Empty(t, provider.expired)

	inv, err := store.GetInvoice(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", inv.SessionID)
}

func TestCreateExpiresPreviousSession(t *testing.T) {
	inv := invoice(erp.StatusFailed, "10")
	inv.SessionID = "cs_old"
	svc, store, provider := newService(t, inv)
	provider.expireErr = notOpen()
	provider.sessions = map[string]payment.CheckoutSession{
		"cs_old": {ID: "cs_old", Status: "complete", PaymentStatus: "unpaid"},
	}

	out, err := svc.Create(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, []string{"cs_old"}, provider.expired)

	got, err := store.GetInvoice(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, out.SessionID, got.SessionID)
	require.Equal(t, erp.StatusFailed, got.Status)
}

func TestCreateReplacesExpiredSession(t *testing.T) {
	inv := invoice(erp.StatusSubmitted, "10")
	inv.SessionID = "cs_old"
	svc, store, provider := newService(t, inv)
	provider.expireErr = notOpen()
	provider.sessions = map[string]payment.CheckoutSession{
		"cs_old": {ID: "cs_old", Status: "expired", PaymentStatus: "unpaid"},
	}

	out, err := svc.Create(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", out.SessionID)

	got, err := store.GetInvoice(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", got.SessionID)
}

func TestCreateKeepsCompletedSessionLinked(t *testing.T) {
	cases := []struct {
		name          string
		status        erp.InvoiceStatus
		paymentStatus string
	}{
		{"bank debit settling", erp.StatusSubmitted, "unpaid"},
		{"paid before webhook", erp.StatusSubmitted, "paid"},
		{"paid after earlier failure", erp.StatusFailed, "paid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := invoice(tc.status, "10")
			inv.SessionID = "cs_paid_old"
			svc, store, provider := newService(t, inv)
			provider.expireErr = notOpen()
			provider.sessions = map[string]payment.CheckoutSession{
				"cs_paid_old": {ID: "cs_paid_old", Status: payment.SessionStatusComplete, PaymentStatus: tc.paymentStatus},
			}

			_, err := svc.Create(context.Background(), "SINV-0001")
			requireAppError(t, err, http.StatusConflict, "PAYMENT_IN_PROGRESS")
			require.Empty(t, provider.created)

			got, err := reconcile.Resolver{Store: store}.Resolve(context.Background(), "cs_paid_old", "pi_old")
			require.NoError(t, err)
			require.Equal(t, "SINV-0001", got.Name)
		})
	}
}

func TestCreateReplacesUnknownSession(t *testing.T) {
	inv := invoice(erp.StatusSubmitted, "10")
	inv.SessionID = "cs_old"
	svc, store, provider := newService(t, inv)
	provider.expireErr = notOpen()

	_, err := svc.Create(context.Background(), "SINV-0001")
	require.NoError(t, err)

	got, err := store.GetInvoice(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", got.SessionID)
}

func TestCreateRefusesUnpayableInvoices(t *testing.T) {
	cases := []struct {
		status      erp.InvoiceStatus
		outstanding string
		httpStatus  int
		code        string
	}{
		{erp.StatusPaid, "0", http.StatusConflict, "ALREADY_PAID"},
		{erp.StatusDraft, "10", http.StatusBadRequest, "NOT_SUBMITTED"},
		{erp.StatusCancelled, "10", http.StatusConflict, "CANCELLED"},
		{erp.StatusSubmitted, "0", http.StatusConflict, "NOTHING_OUTSTANDING"},
	}
	for _, tc := range cases {
		t.Run(string(tc.status)+"/"+tc.outstanding, func(t *testing.T) {
			svc, _, provider := newService(t, invoice(tc.status, tc.outstanding))
			_, err := svc.Create(context.Background(), "SINV-0001")
			requireAppError(t, err, tc.httpStatus, tc.code)
			require.Empty(t, provider.created)
		})
	}
}

func TestCreateUnknownInvoice(t *testing.T) {
	svc, _, _ := newService(t, invoice(erp.StatusSubmitted, "10"))
	_, err := svc.Create(context.Background(), "SINV-404")
	requireAppError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateSurfacesProviderMessage(t *testing.T) {
	svc, store, provider := newService(t, invoice(erp.StatusSubmitted, "10"))
	provider.createErr = &payment.Error{Type: "invalid_request_error", Message: "Invalid currency: xyz", HTTPStatus: http.StatusBadRequest}

	_, err := svc.Create(context.Background(), "SINV-0001")
	appErr := requireAppError(t, err, http.StatusInternalServerError, "PROVIDER_ERROR")
	require.True(t, strings.HasSuffix(appErr.Message, "Invalid currency: xyz"))

	inv, err := store.GetInvoice(context.Background(), "SINV-0001")
	require.NoError(t, err)
	require.Empty(t, inv.SessionID)
}

func TestCreateOpenBreakerIsUnavailable(t *testing.T) {
	svc, _, provider := newService(t, invoice(erp.StatusSubmitted, "10"))
	provider.createErr = &payment.Error{Op: "create checkout session", Err: fmt.Errorf("post: %w", resilience.ErrOpenCircuit)}

	_, err := svc.Create(context.Background(), "SINV-0001")
	requireAppError(t, err, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE")
}

func TestCreateWithoutSecretKey(t *testing.T) {
	svc, _, provider := newService(t, invoice(erp.StatusSubmitted, "10"))
	svc.Credentials = payment.Credentials{}

	_, err := svc.Create(context.Background(), "SINV-0001")
	requireAppError(t, err, http.StatusInternalServerError, "CONFIGURATION")
	require.Empty(t, provider.created)
}

func TestCreateExpiresSessionWhenInvoiceUpdateFails(t *testing.T) {
	svc, store, provider := newService(t, invoice(erp.StatusSubmitted, "10"))
	store.Fault = func(op string) error {
		if op == "UpdateInvoice" {
			return errors.New("erp unavailable")
		}
		return nil
	}

	_, err := svc.Create(context.Background(), "SINV-0001")
	requireAppError(t, err, http.StatusInternalServerError, "INTERNAL")
	require.Equal(t, []string{"cs_test_1"}, provider.expired)
}

func TestHandlerCreate(t *testing.T) {
	svc, _, _ := newService(t, invoice(erp.StatusSubmitted, "10"))
	h := &Handler{Svc: svc}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", strings.NewReader(`{"invoice":"SINV-0001"}`))
	req = req.WithContext(common.WithUserID(req.Context(), "erp-user"))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"session_id":"cs_test_1","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`, rec.Body.String())
}

func TestHandlerRejectsMissingInvoice(t *testing.T) {
	svc, _, _ := newService(t, invoice(erp.StatusSubmitted, "10"))
	h := &Handler{Svc: svc}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", strings.NewReader(`{}`))
	req = req.WithContext(common.WithUserID(req.Context(), "erp-user"))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION")
}

func TestHandlerRequiresAuthentication(t *testing.T) {
	svc, _, _ := newService(t, invoice(erp.StatusSubmitted, "10"))
	h := &Handler{Svc: svc}

	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", strings.NewReader(`{"invoice":"SINV-0001"}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
