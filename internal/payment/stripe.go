package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	// APIURL overrides every Stripe backend base URL; empty uses Stripe's defaults.
	APIURL            string
	HTTPClient        *http.Client
	MaxNetworkRetries int64
	WebhookTolerance  time.Duration
	Logger            zerolog.Logger
}

// Stripe implements Provider with stripe-go. Backends are shared and
// immutable; a client bound to the caller's credentials is built per call.
type Stripe struct {
	backends  *stripe.Backends
	tolerance time.Duration
	tracer    trace.Tracer
}

// NewStripe builds a Stripe provider.
func NewStripe(cfg StripeConfig) *Stripe {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	backend := func(kind stripe.SupportedBackend) stripe.Backend {
		bc := &stripe.BackendConfig{
			HTTPClient:        cfg.HTTPClient,
			MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
			LeveledLogger:     leveledLogger{logger: cfg.Logger},
			EnableTelemetry:   stripe.Bool(false),
		}
		if cfg.APIURL != "" {
			bc.URL = stripe.String(cfg.APIURL)
		}
		return stripe.GetBackendWithConfig(kind, bc)
	}
	return &Stripe{
		backends: &stripe.Backends{
			API:     backend(stripe.APIBackend),
			Connect: backend(stripe.ConnectBackend),
			Uploads: backend(stripe.UploadsBackend),
		},
		tolerance: tolerance,
		tracer:    otel.Tracer("payment.Stripe"),
	}
}

func (s *Stripe) client(creds Credentials) (*client.API, error) {
	if !creds.Valid() {
		return nil, ErrMissingCredentials
	}
	return client.New(creds.SecretKey, s.backends), nil
}

// VerifyWebhook implements Provider.
func (s *Stripe) VerifyWebhook(payload []byte, signature, secret string) (Event, error) {
	if secret == "" {
		return Event{}, ErrMissingCredentials
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return decodeEvent(raw)
}

func decodeEvent(raw stripe.Event) (Event, error) {
	evt := Event{
		ID:       raw.ID,
		Type:     string(raw.Type),
		Created:  time.Unix(raw.Created, 0).UTC(),
		Livemode: raw.Livemode,
	}
	if raw.ID == "" || raw.Type == "" || raw.Data == nil {
		return Event{}, fmt.Errorf("%w: event id, type and data are required", ErrInvalidPayload)
	}
	evt.Object = raw.Data.Raw
	switch {
	case strings.HasPrefix(evt.Type, "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &cs); err != nil {
			return Event{}, fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
		}
		session := fromStripeSession(&cs)
		evt.Session = &session
	case strings.HasPrefix(evt.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: payment intent: %v", ErrInvalidPayload, err)
		}
		intent := PaymentIntent{
			ID:       pi.ID,
			Status:   string(pi.Status),
			Amount:   pi.Amount,
			Currency: string(pi.Currency),
			Metadata: pi.Metadata,
		}
		if pi.LastPaymentError != nil {
			intent.LastError = pi.LastPaymentError.Msg
		}
		evt.Intent = &intent
	}
	return evt, nil
}

func fromStripeSession(cs *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:                cs.ID,
		URL:               cs.URL,
		Status:            string(cs.Status),
		PaymentStatus:     string(cs.PaymentStatus),
		ClientReferenceID: cs.ClientReferenceID,
		AmountTotal:       cs.AmountTotal,
		Currency:          string(cs.Currency),
		Metadata:          cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		out.PaymentIntentID = cs.PaymentIntent.ID
	}
	return out
}

// CreateCheckoutSession implements Provider.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, creds Credentials, p SessionParams) (out CheckoutSession, err error) {
	ctx, span := s.start(ctx, "Stripe.CreateCheckoutSession", attribute.String("invoice", p.InvoiceName))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return CheckoutSession{}, err
	}
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice(p.PaymentMethodTypes),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(p.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.Description),
				},
				UnitAmount: stripe.Int64(p.Amount),
			},
			Quantity: stripe.Int64(1),
		}},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.InvoiceName),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		},
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	cs, err := sc.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, mapStripeErr("create checkout session", err)
	}
	return fromStripeSession(cs), nil
}

// ExpireCheckoutSession implements Provider.
func (s *Stripe) ExpireCheckoutSession(ctx context.Context, creds Credentials, id string) (err error) {
	ctx, span := s.start(ctx, "Stripe.ExpireCheckoutSession", attribute.String("session_id", id))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return err
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := sc.CheckoutSessions.Expire(id, params); err != nil {
		return mapStripeErr("expire checkout session", err)
	}
	return nil
}

// RetrieveCheckoutSession implements Provider.
func (s *Stripe) RetrieveCheckoutSession(ctx context.Context, creds Credentials, id string) (out CheckoutSession, err error) {
	ctx, span := s.start(ctx, "Stripe.RetrieveCheckoutSession", attribute.String("session_id", id))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return CheckoutSession{}, err
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := sc.CheckoutSessions.Get(id, params)
	if err != nil {
		return CheckoutSession{}, mapStripeErr("retrieve checkout session", err)
	}
	return fromStripeSession(cs), nil
}

// CreateTransfer implements Provider.
func (s *Stripe) CreateTransfer(ctx context.Context, creds Credentials, p TransferParams) (out Transfer, err error) {
	ctx, span := s.start(ctx, "Stripe.CreateTransfer", attribute.String("destination", p.Destination))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return Transfer{}, err
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.Amount),
		Currency:    stripe.String(p.Currency),
		Destination: stripe.String(p.Destination),
	}
	if p.TransferGroup != "" {
		params.TransferGroup = stripe.String(p.TransferGroup)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	tr, err := sc.Transfers.New(params)
	if err != nil {
		return Transfer{}, mapStripeErr("create transfer", err)
	}
	return fromStripeTransfer(tr), nil
}

// RetrieveTransfer implements Provider.
func (s *Stripe) RetrieveTransfer(ctx context.Context, creds Credentials, id string) (out Transfer, err error) {
	ctx, span := s.start(ctx, "Stripe.RetrieveTransfer", attribute.String("transfer_id", id))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return Transfer{}, err
	}
	params := &stripe.TransferParams{}
	params.Context = ctx
	tr, err := sc.Transfers.Get(id, params)
	if err != nil {
		return Transfer{}, mapStripeErr("retrieve transfer", err)
	}
	return fromStripeTransfer(tr), nil
}

// Transfers carry no status of their own; it is derived from reversals.
func fromStripeTransfer(tr *stripe.Transfer) Transfer {
	out := Transfer{
		ID:       tr.ID,
		Amount:   tr.Amount,
		Currency: string(tr.Currency),
		Status:   "paid",
	}
	if tr.Destination != nil {
		out.Destination = tr.Destination.ID
	}
	switch {
	case tr.Reversed:
		out.Status = "reversed"
	case tr.AmountReversed > 0:
		out.Status = "partially_reversed"
	}
	return out
}

// CreatePayout implements Provider.
func (s *Stripe) CreatePayout(ctx context.Context, creds Credentials, p PayoutParams) (out Payout, err error) {
	ctx, span := s.start(ctx, "Stripe.CreatePayout", attribute.String("account", p.Account))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return Payout{}, err
	}
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.Account != "" {
		params.SetStripeAccount(p.Account)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	po, err := sc.Payouts.New(params)
	if err != nil {
		return Payout{}, mapStripeErr("create payout", err)
	}
	return fromStripePayout(po, p.Account), nil
}

// RetrievePayout implements Provider.
func (s *Stripe) RetrievePayout(ctx context.Context, creds Credentials, account, id string) (out Payout, err error) {
	ctx, span := s.start(ctx, "Stripe.RetrievePayout", attribute.String("payout_id", id))
	defer func() { endSpan(span, err) }()

	sc, err := s.client(creds)
	if err != nil {
		return Payout{}, err
	}
	params := &stripe.PayoutParams{}
	if account != "" {
		params.SetStripeAccount(account)
	}
	params.Context = ctx
	po, err := sc.Payouts.Get(id, params)
	if err != nil {
		return Payout{}, mapStripeErr("retrieve payout", err)
	}
	return fromStripePayout(po, account), nil
}

func fromStripePayout(po *stripe.Payout, account string) Payout {
	return Payout{
		ID:       po.ID,
		Amount:   po.Amount,
		Currency: string(po.Currency),
		Account:  account,
		Status:   string(po.Status),
	}
}

func (s *Stripe) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("payment.provider", "stripe"))
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func mapStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &Error{
			Op:         op,
			Type:       string(se.Type),
			Code:       string(se.Code),
			Message:    se.Msg,
			HTTPStatus: se.HTTPStatusCode,
			Err:        err,
		}
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}

// leveledLogger routes stripe-go's internal logging into zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Str("component", "stripe").Msgf(format, v...)
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Str("component", "stripe").Msgf(format, v...)
}
