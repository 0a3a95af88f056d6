package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paybridge/internal/erp"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/obs"
)

// Locker serializes work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Outcome is the result of handling one event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeIgnored Outcome = "ignored"
)

// Result describes what happened to an invoice.
type Result struct {
	EventID      string
	EventType    string
	Invoice      string
	Transition   Transition
	Outcome      Outcome
	Reason       string
	PaymentEntry string
	Duplicate    bool
}

// TransitionRequest asks the Applier to move an invoice to Paid or Failed.
type TransitionRequest struct {
	Invoice         string
	Transition      Transition
	PaymentIntentID string
	// Amount is the settled amount in minor units. Zero settles the
	// outstanding amount.
	Amount int64
	// Reference is stored as the payment entry reference number.
	Reference     string
	ReferenceDate time.Time
}

// Applier performs idempotent invoice transitions. WaitTimeout bounds lock
// acquisition together with the transaction that follows it.
type Applier struct {
	Store         erp.Store
	Locker        Locker
	LockTTL       time.Duration
	WaitTimeout   time.Duration
	ModeOfPayment string
}

// Apply moves the invoice named in req to the requested state. Paid is
// terminal; Failed never overrides Paid; repeating a transition is a no-op.
// A Paid transition creates and submits exactly one payment entry in the
// same transaction that flips the status.
func (a Applier) Apply(ctx context.Context, req TransitionRequest) (res Result, err error) {
	const op = "reconcile.Apply"
	ctx, span := otel.Tracer("reconcile").Start(ctx, "Applier.Apply")
	span.SetAttributes(
		attribute.String("invoice.name", req.Invoice),
		attribute.String("invoice.transition", string(req.Transition)),
	)
	defer func() {
		result := string(res.Outcome)
		if err != nil {
			result = string(KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
		}
		obs.InvoiceTransitionsTotal.WithLabelValues(string(req.Transition), result).Inc()
		span.End()
	}()

	res = Result{Invoice: req.Invoice, Transition: req.Transition}
	switch {
	case a.Store == nil || a.Locker == nil:
		return res, newError(KindConfiguration, op, "applier not configured", nil)
	case req.Invoice == "":
		return res, newError(KindInvalidPayload, op, "invoice name is required", nil)
	case req.Transition != TransitionPaid && req.Transition != TransitionFailed:
		return res, newError(KindInvalidPayload, op, fmt.Sprintf("unsupported transition %q", req.Transition), nil)
	}

	if a.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.WaitTimeout)
		defer cancel()
	}

	err = a.Locker.WithLock(ctx, lock.InvoiceKey(req.Invoice), a.LockTTL, func(ctx context.Context) error {
		return a.Store.WithinTx(ctx, func(tx erp.Store) error {
			inv, err := tx.LockInvoice(ctx, req.Invoice)
			if err != nil {
				return collaboratorFailure(op, "load invoice", err)
			}
			if req.Transition == TransitionPaid {
				return a.markPaid(ctx, tx, inv, req, &res)
			}
			return a.markFailed(ctx, tx, inv, req, &res)
		})
	})
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			return res, err
		}
		return res, collaboratorFailure(op, "invoice "+req.Invoice, err)
	}
	return res, nil
}

func (a Applier) markPaid(ctx context.Context, tx erp.Store, inv erp.Invoice, req TransitionRequest, res *Result) error {
	const op = "reconcile.Apply"
	if inv.Status == erp.StatusPaid {
		res.Outcome, res.Reason = OutcomeNoop, "already_paid"
		return nil
	}
	if !inv.Status.Payable() {
		return newError(KindStateConflict, op, fmt.Sprintf("invoice %s is %s", inv.Name, inv.Status), nil)
	}

	outstanding := inv.OutstandingAmount
	paid := outstanding
	if req.Amount > 0 {
		paid = erp.FromMinorUnits(req.Amount)
	}
	allocated := decimal.Min(paid, outstanding)

	if allocated.IsPositive() {
		reference := req.Reference
		if reference == "" {
			reference = req.PaymentIntentID
		}
		pe, err := tx.CreatePaymentEntry(ctx, erp.PaymentEntry{
			PaymentType:     erp.PaymentTypeReceive,
			Party:           inv.Customer,
			Company:         inv.Company,
			InvoiceName:     inv.Name,
			PaidAmount:      paid,
			AllocatedAmount: allocated,
			Currency:        inv.Currency,
			ModeOfPayment:   a.ModeOfPayment,
			ReferenceNo:     reference,
			ReferenceDate:   req.ReferenceDate,
		})
		if err != nil {
			return collaboratorFailure(op, "create payment entry", err)
		}
		if _, err := tx.SubmitPaymentEntry(ctx, pe.Name); err != nil {
			return collaboratorFailure(op, "submit payment entry", err)
		}
		res.PaymentEntry = pe.Name
	} else {
		res.Reason = "nothing_outstanding"
	}

	if err := a.setStatus(ctx, tx, inv, erp.StatusPaid, req.PaymentIntentID); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	return nil
}

func (a Applier) markFailed(ctx context.Context, tx erp.Store, inv erp.Invoice, req TransitionRequest, res *Result) error {
	const op = "reconcile.Apply"
	switch {
	case inv.Status == erp.StatusPaid:
		res.Outcome, res.Reason = OutcomeNoop, "paid_is_terminal"
		return nil
	case inv.Status == erp.StatusFailed:
		res.Outcome, res.Reason = OutcomeNoop, "already_failed"
		return nil
	case !inv.Status.Payable():
		return newError(KindStateConflict, op, fmt.Sprintf("invoice %s is %s", inv.Name, inv.Status), nil)
	}
	if err := a.setStatus(ctx, tx, inv, erp.StatusFailed, req.PaymentIntentID); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	return nil
}

// setStatus writes the new status and records the payment intent id unless
// the invoice already carries one.
func (a Applier) setStatus(ctx context.Context, tx erp.Store, inv erp.Invoice, status erp.InvoiceStatus, intentID string) error {
	upd := erp.InvoiceUpdate{Status: &status}
	if inv.PaymentIntentID == "" && intentID != "" {
		upd.PaymentIntentID = &intentID
	}
	if _, err := tx.UpdateInvoice(ctx, inv.Name, upd); err != nil {
		return collaboratorFailure("reconcile.Apply", "update invoice status", err)
	}
	return nil
}
