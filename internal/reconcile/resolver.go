package reconcile

import (
	"context"
	"fmt"

	"github.com/noah-isme/paybridge/internal/erp"
)

// Resolver finds the invoice an event refers to.
type Resolver struct {
	Store erp.Store
}

// Resolve looks the invoice up by checkout session id first and falls back to
// the payment intent id. No match is KindNotFound; more than one match on
// either key is KindIntegrityConflict.
func (r Resolver) Resolve(ctx context.Context, sessionID, intentID string) (erp.Invoice, error) {
	const op = "reconcile.Resolve"
	if r.Store == nil {
		return erp.Invoice{}, newError(KindConfiguration, op, "invoice store not configured", nil)
	}
	if sessionID == "" && intentID == "" {
		return erp.Invoice{}, newError(KindNotFound, op, "event carries no session or payment intent id", nil)
	}

	if sessionID != "" {
		inv, found, err := r.findOne(ctx, erp.InvoiceFilter{SessionID: sessionID}, "session "+sessionID)
		if err != nil || found {
			return inv, err
		}
	}
	if intentID != "" {
		inv, found, err := r.findOne(ctx, erp.InvoiceFilter{PaymentIntentID: intentID}, "payment intent "+intentID)
		if err != nil || found {
			return inv, err
		}
	}
	return erp.Invoice{}, newError(KindNotFound, op, "no invoice linked to event", nil)
}

func (r Resolver) findOne(ctx context.Context, filter erp.InvoiceFilter, label string) (erp.Invoice, bool, error) {
	const op = "reconcile.Resolve"
	matches, err := r.Store.FindInvoices(ctx, filter)
	if err != nil {
		return erp.Invoice{}, false, collaboratorFailure(op, "find invoices by "+label, err)
	}
	switch len(matches) {
	case 0:
		return erp.Invoice{}, false, nil
	case 1:
		return matches[0], true, nil
	default:
		return erp.Invoice{}, false, newError(KindIntegrityConflict, op,
			fmt.Sprintf("%d invoices linked to %s", len(matches), label), nil)
	}
}
