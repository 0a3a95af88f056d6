package reconcile

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/payment"
)

const providerStripe = "stripe"

// Verifier authenticates and decodes a webhook body.
type Verifier interface {
	VerifyWebhook(payload []byte, signature, secret string) (payment.Event, error)
}

// Auditor records handled events.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// WebhookHandler is the HTTP boundary for provider webhooks. It verifies the
// raw body before anything else and is the single place where handled events
// are logged, counted and audited.
type WebhookHandler struct {
	Verifier     Verifier
	Secret       string
	Dispatcher   Dispatcher
	Replay       ReplayGuard
	Audit        Auditor
	Logger       zerolog.Logger
	MaxBodyBytes int64
}

// Handle serves POST /webhooks/stripe.
func (h WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	const op = "reconcile.Webhook"
	ctx, span := otel.Tracer("reconcile").Start(r.Context(), "WebhookHandler.Handle")
	defer span.End()

	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(ctx, w, newError(KindInvalidPayload, op, "unable to read payload", err))
		return
	}
	if h.Secret == "" || h.Verifier == nil {
		h.reject(ctx, w, newError(KindConfiguration, op, "webhook secret not configured", nil))
		return
	}
	evt, err := h.Verifier.VerifyWebhook(body, r.Header.Get("Stripe-Signature"), h.Secret)
	if err != nil {
		h.reject(ctx, w, verifyError(op, err))
		return
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", evt.ID),
		attribute.String("webhook.event_type", evt.Type),
	)

	owned := false
	if h.Replay != nil {
		state, err := h.Replay.Begin(ctx, providerStripe, evt.ID)
		switch {
		case err != nil:
			h.Logger.Warn().Err(err).Str("event_id", evt.ID).Msg("replay_guard_unavailable")
		case state == ReplayDone:
			span.AddEvent("duplicate webhook event")
			h.finish(ctx, w, evt, nil, Result{
				EventID:   evt.ID,
				EventType: evt.Type,
				Outcome:   OutcomeNoop,
				Reason:    "duplicate_event",
				Duplicate: true,
			}, nil)
			return
		case state == ReplayInFlight:
			span.AddEvent("webhook event in flight")
			h.Logger.Info().Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("webhook_event_in_flight")
			common.JSONStatus(w, http.StatusConflict, "error", "event is being processed")
			return
		default:
			owned = true
		}
	}

	res, err := h.Dispatcher.Dispatch(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	if owned {
		h.settleReplay(ctx, evt.ID, Disposition(err))
	}
	h.finish(ctx, w, evt, body, res, err)
}

// Disposition maps a dispatch error onto the HTTP status returned to the
// provider. Only retryable failures ask for redelivery.
func Disposition(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindConfiguration, KindInvalidPayload, KindInvalidSignature:
		return http.StatusBadRequest
	}
	if IsRetryable(err) {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (h WebhookHandler) settleReplay(ctx context.Context, eventID string, status int) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if status >= http.StatusInternalServerError {
		err = h.Replay.Abort(ctx, providerStripe, eventID)
	} else {
		err = h.Replay.Complete(ctx, providerStripe, eventID)
	}
	if err != nil {
		h.Logger.Warn().Err(err).Str("event_id", eventID).Msg("replay_guard_update_failed")
	}
}

func (h WebhookHandler) finish(ctx context.Context, w http.ResponseWriter, evt payment.Event, payload []byte, res Result, err error) {
	status := Disposition(err)
	outcome := string(res.Outcome)
	level := zerolog.InfoLevel
	if res.Duplicate {
		outcome = "duplicate"
	}
	kind := KindOf(err)
	if err != nil {
		if kind == "" {
			kind = KindCollaborator
		}
		outcome = string(kind)
		level = zerolog.WarnLevel
		if kind == KindIntegrityConflict || status >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
	}

	le := h.Logger.WithLevel(level).
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Str("outcome", outcome).
		Int("status", status)
	if res.Invoice != "" {
		le = le.Str("invoice", res.Invoice)
	}
	if res.Transition != TransitionNone {
		le = le.Str("transition", string(res.Transition))
	}
	if res.Reason != "" {
		le = le.Str("reason", res.Reason)
	}
	if res.PaymentEntry != "" {
		le = le.Str("payment_entry", res.PaymentEntry)
	}
	if err != nil {
		le = le.Err(err).Bool("retryable", IsRetryable(err))
	}
	le.Msg("webhook_event")

	obs.WebhookEventsTotal.WithLabelValues(metricEventType(evt.Type), outcome).Inc()
	if h.Audit != nil && !res.Duplicate {
		h.Audit.Record(context.WithoutCancel(ctx), audit.Entry{
			Provider:   providerStripe,
			EventID:    evt.ID,
			EventType:  evt.Type,
			Invoice:    res.Invoice,
			Outcome:    outcome,
			ErrorKind:  string(kind),
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
	}

	switch {
	case status == http.StatusOK:
		common.JSONStatus(w, status, "success", "")
	case status >= http.StatusInternalServerError:
		common.JSONStatus(w, status, "error", "temporary failure, retry later")
	default:
		common.JSONStatus(w, status, "error", publicMessage(err))
	}
}

// reject answers deliveries that failed before an event could be trusted.
func (h WebhookHandler) reject(ctx context.Context, w http.ResponseWriter, err *Error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Kind))
	obs.WebhookRejectedTotal.WithLabelValues(string(err.Kind)).Inc()
	h.Logger.Warn().Err(err).Str("reason", string(err.Kind)).Msg("webhook_rejected")
	common.JSONStatus(w, Disposition(err), "error", err.Message)
}

func verifyError(op string, err error) *Error {
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		return newError(KindInvalidSignature, op, "invalid signature", err)
	case errors.Is(err, payment.ErrMissingCredentials):
		return newError(KindConfiguration, op, "webhook secret not configured", err)
	default:
		return newError(KindInvalidPayload, op, "invalid payload", err)
	}
}

func publicMessage(err error) string {
	var re *Error
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return "request rejected"
}

func metricEventType(eventType string) string {
	if Handled(eventType) {
		return eventType
	}
	return "other"
}
