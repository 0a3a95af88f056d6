// Package checkout issues hosted checkout sessions for submitted invoices.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/erp"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/payment"
)

// SessionProvider is the part of payment.Provider used here.
type SessionProvider interface {
	CreateCheckoutSession(ctx context.Context, creds payment.Credentials, p payment.SessionParams) (payment.CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, creds payment.Credentials, id string) error
	RetrieveCheckoutSession(ctx context.Context, creds payment.Credentials, id string) (payment.CheckoutSession, error)
}

// Locker serializes work per invoice.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Output is returned to the caller.
type Output struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Service creates checkout sessions. It shares the per-invoice lock with the
// webhook applier so a session is never swapped while a payment settles.
type Service struct {
	Store         erp.Store
	Provider      SessionProvider
	Locker        Locker
	Credentials   payment.Credentials
	LockTTL       time.Duration
	WaitTimeout   time.Duration
	PublicBaseURL string
	Currency      string
	MethodTypes   []string
	Logger        zerolog.Logger
}

// Create issues a session for the outstanding amount of invoice. Any session
// issued earlier is expired first.
func (s Service) Create(ctx context.Context, invoice string) (out Output, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "Checkout.Create")
	span.SetAttributes(attribute.String("invoice.name", invoice))
	defer func() {
		result := "created"
		if err != nil {
			result = "error"
			if appErr, ok := common.AsAppError(err); ok {
				result = strings.ToLower(appErr.Code)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkout failed")
		}
		obs.CheckoutSessionsTotal.WithLabelValues(result).Inc()
		span.End()
	}()

	if s.Store == nil || s.Provider == nil || s.Locker == nil {
		return Output{}, common.NewAppError("CONFIGURATION", "checkout service not configured", http.StatusInternalServerError, nil)
	}
	if !s.Credentials.Valid() {
		return Output{}, payment.AppError("create checkout session", payment.ErrMissingCredentials)
	}
	if s.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.WaitTimeout)
		defer cancel()
	}

	err = s.Locker.WithLock(ctx, lock.InvoiceKey(invoice), s.LockTTL, func(ctx context.Context) error {
		var err error
		out, err = s.issue(ctx, invoice)
		return err
	})
	switch {
	case err == nil:
		return out, nil
	case common.IsAppError(err):
		return Output{}, err
	case errors.Is(err, lock.ErrNotAcquired):
		return Output{}, common.NewAppError("BUSY", "invoice is being updated, retry shortly", http.StatusServiceUnavailable, err)
	default:
		return Output{}, common.NewAppError("INTERNAL", "failed to create checkout session", http.StatusInternalServerError, err)
	}
}

func (s Service) issue(ctx context.Context, name string) (Output, error) {
	inv, err := s.Store.GetInvoice(ctx, name)
	if errors.Is(err, erp.ErrNotFound) {
		return Output{}, common.NewAppError("NOT_FOUND", fmt.Sprintf("invoice %s not found", name), http.StatusNotFound, err)
	}
	if err != nil {
		return Output{}, fmt.Errorf("load invoice %s: %w", name, err)
	}
	if err := checkPayable(inv); err != nil {
		return Output{}, err
	}

	creds := s.Credentials
	if inv.SessionID != "" {
		if err := s.retirePrevious(ctx, creds, inv); err != nil {
			return Output{}, err
		}
	}

	currency := strings.ToLower(inv.Currency)
	if currency == "" {
		currency = s.Currency
	}
	cs, err := s.Provider.CreateCheckoutSession(ctx, creds, payment.SessionParams{
		InvoiceName:        inv.Name,
		Description:        "Payment for " + inv.Name,
		Amount:             erp.MinorUnits(inv.OutstandingAmount),
		Currency:           currency,
		PaymentMethodTypes: s.MethodTypes,
		SuccessURL:         s.pageURL("success", inv.Name),
		CancelURL:          s.pageURL("cancel", inv.Name),
		Metadata: map[string]string{
			"sales_invoice": inv.Name,
			"customer":      inv.Customer,
		},
	})
	if err != nil {
		return Output{}, payment.AppError("Stripe checkout session creation failed", err)
	}

	upd := erp.InvoiceUpdate{SessionID: &cs.ID}
	if cs.PaymentIntentID != "" {
		upd.PaymentIntentID = &cs.PaymentIntentID
	}
	if _, err := s.Store.UpdateInvoice(ctx, inv.Name, upd); err != nil {
		// The session exists at the provider but is unknown to the ERP; expire
		// it so it cannot be paid.
		if expErr := s.Provider.ExpireCheckoutSession(context.WithoutCancel(ctx), creds, cs.ID); expErr != nil {
			s.Logger.Error().Err(expErr).Str("invoice", inv.Name).Str("session_id", cs.ID).Msg("checkout_orphan_session")
		}
		return Output{}, fmt.Errorf("store session on invoice %s: %w", inv.Name, err)
	}
	s.Logger.Info().Str("invoice", inv.Name).Str("session_id", cs.ID).Msg("checkout_session_created")
	return Output{SessionID: cs.ID, URL: cs.URL}, nil
}

// retirePrevious expires the session issued earlier. The provider refuses to
// expire sessions that are no longer open; those are inspected, and a
// completed session whose payment may still settle keeps its linkage so the
// pending outcome can be matched to the invoice.
func (s Service) retirePrevious(ctx context.Context, creds payment.Credentials, inv erp.Invoice) error {
	err := s.Provider.ExpireCheckoutSession(ctx, creds, inv.SessionID)
	if err == nil {
		return nil
	}
	if !payment.IsInvalidRequest(err) {
		return payment.AppError("expire previous checkout session", err)
	}

	prev, err := s.Provider.RetrieveCheckoutSession(ctx, creds, inv.SessionID)
	if errors.Is(err, payment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return payment.AppError("retrieve previous checkout session", err)
	}
	if prev.Status != payment.SessionStatusComplete {
		return nil
	}
	// A Failed invoice with an unpaid completed session is the failed attempt.
	if inv.Status == erp.StatusFailed && prev.PaymentStatus != payment.PaymentStatusPaid {
		return nil
	}
	s.Logger.Warn().Str("invoice", inv.Name).Str("session_id", prev.ID).Str("payment_status", prev.PaymentStatus).Msg("checkout_payment_in_progress")
	return common.NewAppError("PAYMENT_IN_PROGRESS", fmt.Sprintf("a payment for invoice %s is already in progress", inv.Name), http.StatusConflict, nil)
}

func checkPayable(inv erp.Invoice) error {
	switch inv.Status {
	case erp.StatusPaid:
		return common.NewAppError("ALREADY_PAID", fmt.Sprintf("invoice %s is already paid", inv.Name), http.StatusConflict, nil)
	case erp.StatusDraft:
		return common.NewAppError("NOT_SUBMITTED", "invoice must be submitted before creating a payment", http.StatusBadRequest, nil)
	case erp.StatusCancelled:
		return common.NewAppError("CANCELLED", fmt.Sprintf("invoice %s is cancelled", inv.Name), http.StatusConflict, nil)
	}
	if !inv.Status.Payable() {
		return common.NewAppError("INVALID_STATE", fmt.Sprintf("invoice %s cannot be paid in status %s", inv.Name, inv.Status), http.StatusConflict, nil)
	}
	if !inv.OutstandingAmount.IsPositive() {
		return common.NewAppError("NOTHING_OUTSTANDING", fmt.Sprintf("invoice %s has no outstanding amount", inv.Name), http.StatusConflict, nil)
	}
	return nil
}

func (s Service) pageURL(page, invoice string) string {
	return s.PublicBaseURL + "/" + page + "?invoice=" + url.QueryEscape(invoice)
}
