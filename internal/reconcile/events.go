// Package reconcile turns verified payment-provider events into invoice state
// transitions. Every transition runs under a per-invoice lock inside one ERP
// transaction, so redelivered and concurrent events leave exactly one
// submitted payment entry behind.
package reconcile

import (
	"github.com/noah-isme/paybridge/internal/payment"
)

// Transition is the target state an event asks for.
type Transition string

const (
	TransitionNone   Transition = ""
	TransitionPaid   Transition = "paid"
	TransitionFailed Transition = "failed"
)

type lookup int

const (
	bySession lookup = iota
	byIntent
)

// rule describes how one event type is handled.
type rule struct {
	transition Transition
	lookup     lookup
	// settledOnly skips sessions whose payment_status is not paid yet.
	settledOnly bool
	// reason is recorded when the rule never mutates anything.
	reason string
}

var rules = map[string]rule{
	payment.EventCheckoutSessionCompleted:             {transition: TransitionPaid, lookup: bySession, settledOnly: true},
	payment.EventCheckoutSessionAsyncPaymentSucceeded: {transition: TransitionPaid, lookup: bySession},
	payment.EventCheckoutSessionAsyncPaymentFailed:    {transition: TransitionFailed, lookup: bySession},
	payment.EventPaymentIntentPaymentFailed:           {transition: TransitionFailed, lookup: byIntent},
	payment.EventPaymentIntentSucceeded:               {lookup: byIntent, reason: "recorded_by_session_event"},
}

// Plan is what the dispatcher intends to do with an event.
type Plan struct {
	EventType       string
	Transition      Transition
	SessionID       string
	PaymentIntentID string
	// Amount is the settled amount in minor units, zero when the event has none.
	Amount   int64
	Currency string
	// Reason explains a plan without a transition.
	Reason string
}

// Handled reports whether the event maps to a known rule.
func Handled(eventType string) bool {
	_, ok := rules[eventType]
	return ok
}

// Classify maps a verified event onto a Plan. Events of unknown types yield
// a plan without a transition. Known types whose object is missing or
// lacks an id are invalid payloads.
func Classify(evt payment.Event) (Plan, error) {
	const op = "reconcile.Classify"
	plan := Plan{EventType: evt.Type}
	r, ok := rules[evt.Type]
	if !ok {
		plan.Reason = "unhandled_event_type"
		return plan, nil
	}

	switch r.lookup {
	case bySession:
		s := evt.Session
		if s == nil || s.ID == "" {
			return plan, newError(KindInvalidPayload, op, "checkout session id missing", nil)
		}
		plan.SessionID = s.ID
		plan.PaymentIntentID = s.PaymentIntentID
		plan.Amount = s.AmountTotal
		plan.Currency = s.Currency
		if r.settledOnly && s.PaymentStatus != payment.PaymentStatusPaid {
			plan.Reason = "awaiting_async_payment"
			return plan, nil
		}
	case byIntent:
		pi := evt.Intent
		if pi == nil || pi.ID == "" {
			return plan, newError(KindInvalidPayload, op, "payment intent id missing", nil)
		}
		plan.PaymentIntentID = pi.ID
		plan.Amount = pi.Amount
		plan.Currency = pi.Currency
	}

	if r.transition == TransitionNone {
		plan.Reason = r.reason
		return plan, nil
	}
	plan.Transition = r.transition
	return plan, nil
}
