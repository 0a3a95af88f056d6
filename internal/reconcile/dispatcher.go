package reconcile

import (
	"context"

	"github.com/noah-isme/paybridge/internal/payment"
)

// Dispatcher routes a verified event to the resolver and the applier.
type Dispatcher struct {
	Resolver Resolver
	Applier  Applier
}

// Dispatch handles evt and reports what happened. Events without a
// transition are ignored without touching the store.
func (d Dispatcher) Dispatch(ctx context.Context, evt payment.Event) (Result, error) {
	res := Result{EventID: evt.ID, EventType: evt.Type}
	plan, err := Classify(evt)
	if err != nil {
		return res, err
	}
	if plan.Transition == TransitionNone {
		res.Outcome, res.Reason = OutcomeIgnored, plan.Reason
		return res, nil
	}
	res.Transition = plan.Transition

	inv, err := d.Resolver.Resolve(ctx, plan.SessionID, plan.PaymentIntentID)
	if err != nil {
		return res, err
	}
	res.Invoice = inv.Name

	reference := plan.PaymentIntentID
	if reference == "" {
		reference = plan.SessionID
	}
	applied, err := d.Applier.Apply(ctx, TransitionRequest{
		Invoice:         inv.Name,
		Transition:      plan.Transition,
		PaymentIntentID: plan.PaymentIntentID,
		Amount:          plan.Amount,
		Reference:       reference,
		ReferenceDate:   evt.Created,
	})
	res.Outcome, res.Reason, res.PaymentEntry = applied.Outcome, applied.Reason, applied.PaymentEntry
	return res, err
}
