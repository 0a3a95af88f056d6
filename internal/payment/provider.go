// Package payment defines the provider contract the bridge depends on and
// its Stripe implementation. Callers never touch SDK types directly.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrInvalidPayload is returned when a webhook body cannot be parsed.
	ErrInvalidPayload = errors.New("payment: invalid payload")
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("payment: invalid signature")
	// ErrMissingCredentials is returned when a call is made without a secret.
	ErrMissingCredentials = errors.New("payment: credentials not configured")
	// ErrNotFound matches provider errors for missing resources.
	ErrNotFound = errors.New("payment: resource not found")
)

// Credentials are passed explicitly on every outbound call so concurrent
// requests never share mutable client state.
type Credentials struct {
	SecretKey string
}

// Valid reports whether a secret key is present.
func (c Credentials) Valid() bool { return c.SecretKey != "" }

// Webhook event types the bridge understands.
const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventPaymentIntentSucceeded               = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed           = "payment_intent.payment_failed"
)

// PaymentStatusPaid is the checkout session payment status of settled funds.
const PaymentStatusPaid = "paid"

// SessionStatusComplete marks a checkout session the customer finished. Its
// payment may still be pending for delayed methods such as bank debits.
const SessionStatusComplete = "complete"

// Event is a verified webhook event. Exactly one of Session and Intent is set
// for the event families above; both are nil for other objects.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Session  *CheckoutSession
	Intent   *PaymentIntent
	Object   json.RawMessage
}

// CheckoutSession is a hosted payment page.
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	PaymentIntentID   string
	ClientReferenceID string
	AmountTotal       int64
	Currency          string
	Metadata          map[string]string
}

// PaymentIntent is a single payment attempt.
type PaymentIntent struct {
	ID        string
	Status    string
	Amount    int64
	Currency  string
	LastError string
	Metadata  map[string]string
}

// SessionParams describe a checkout session for one invoice.
type SessionParams struct {
	InvoiceName        string
	Description        string
	Amount             int64
	Currency           string
	PaymentMethodTypes []string
	SuccessURL         string
	CancelURL          string
	Metadata           map[string]string
	IdempotencyKey     string
}

// Transfer moves funds from the platform balance to a connected account.
type Transfer struct {
	ID          string
	Amount      int64
	Currency    string
	Destination string
	Status      string
}

// TransferParams describe a transfer to a connected account.
type TransferParams struct {
	Amount         int64
	Currency       string
	Destination    string
	TransferGroup  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Payout moves funds from a connected account balance to its bank account.
type Payout struct {
	ID       string
	Amount   int64
	Currency string
	Account  string
	Status   string
}

// PayoutParams describe a payout made on behalf of a connected account.
type PayoutParams struct {
	Account        string
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Provider is the payment processor contract.
type Provider interface {
	VerifyWebhook(payload []byte, signature, secret string) (Event, error)
	CreateCheckoutSession(ctx context.Context, creds Credentials, p SessionParams) (CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, creds Credentials, id string) error
	RetrieveCheckoutSession(ctx context.Context, creds Credentials, id string) (CheckoutSession, error)
	CreateTransfer(ctx context.Context, creds Credentials, p TransferParams) (Transfer, error)
	CreatePayout(ctx context.Context, creds Credentials, p PayoutParams) (Payout, error)
	RetrieveTransfer(ctx context.Context, creds Credentials, id string) (Transfer, error)
	RetrievePayout(ctx context.Context, creds Credentials, account, id string) (Payout, error)
}

// Error is a failed provider call. Message carries the provider's wording
// unchanged so it can be shown to operators.
type Error struct {
	Op         string
	Type       string
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrNotFound for missing-resource responses.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && (e.Code == "resource_missing" || e.HTTPStatus == http.StatusNotFound)
}

// Temporary reports whether retrying the same call later may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.HTTPStatus == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.HTTPStatus == http.StatusTooManyRequests, e.HTTPStatus == http.StatusConflict:
		return true
	default:
		return e.HTTPStatus >= http.StatusInternalServerError
	}
}

// IsTemporary reports whether err is worth retrying. Errors that did not come
// from the provider at all (timeouts, resets, open breaker) are temporary.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	if errors.Is(err, ErrMissingCredentials) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsInvalidRequest reports whether the provider rejected the request itself.
func IsInvalidRequest(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Type == "invalid_request_error"
}
