// Package transfer moves settled invoice funds to the connected account and
// pays them out, keeping an append-only log of every attempt.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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

// Provider is the part of payment.Provider used here.
type Provider interface {
	CreateTransfer(ctx context.Context, creds payment.Credentials, p payment.TransferParams) (payment.Transfer, error)
	CreatePayout(ctx context.Context, creds payment.Credentials, p payment.PayoutParams) (payment.Payout, error)
	RetrieveTransfer(ctx context.Context, creds payment.Credentials, id string) (payment.Transfer, error)
	RetrievePayout(ctx context.Context, creds payment.Credentials, account, id string) (payment.Payout, error)
}

// Locker serializes work per invoice.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Result is returned after a completed transfer and payout.
type Result struct {
	TransferID   string `json:"transfer_id"`
	PayoutID     string `json:"payout_id"`
	PaymentEntry string `json:"payment_entry"`
}

// Status is the provider-side state of a transfer or payout.
type Status struct {
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

// Service initiates transfers and payouts for invoices.
type Service struct {
	Store         erp.Store
	Provider      Provider
	Locker        Locker
	Credentials   payment.Credentials
	Account       string
	Currency      string
	ModeOfPayment string
	LockTTL       time.Duration
	WaitTimeout   time.Duration
	Logger        zerolog.Logger
}

// Initiate transfers the outstanding amount of invoice to the connected
// account, pays it out and settles the invoice with a payment entry. A
// failed step stops the flow; nothing is retried.
func (s Service) Initiate(ctx context.Context, invoice string) (res Result, err error) {
	ctx, span := otel.Tracer("transfer").Start(ctx, "Transfer.Initiate")
	span.SetAttributes(attribute.String("invoice.name", invoice))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transfer failed")
		}
		span.End()
	}()

	if s.Store == nil || s.Provider == nil || s.Locker == nil {
		return Result{}, common.NewAppError("CONFIGURATION", "transfer service not configured", http.StatusInternalServerError, nil)
	}
	if s.Account == "" {
		return Result{}, common.NewAppError("CONFIGURATION", "connected account not configured", http.StatusInternalServerError, nil)
	}
	if !s.Credentials.Valid() {
		return Result{}, payment.AppError("Stripe Transfer failed", payment.ErrMissingCredentials)
	}
	if s.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.WaitTimeout)
		defer cancel()
	}

	err = s.Locker.WithLock(ctx, lock.InvoiceKey(invoice), s.LockTTL, func(ctx context.Context) error {
		var err error
		res, err = s.initiate(ctx, invoice)
		return err
	})
	switch {
	case err == nil:
		return res, nil
	case common.IsAppError(err):
		return res, err
	case errors.Is(err, lock.ErrNotAcquired):
		return res, common.NewAppError("BUSY", "invoice is being updated, retry shortly", http.StatusServiceUnavailable, err)
	default:
		return res, common.NewAppError("INTERNAL", "transfer could not be completed", http.StatusInternalServerError, err)
	}
}

func (s Service) initiate(ctx context.Context, name string) (Result, error) {
	inv, err := s.Store.GetInvoice(ctx, name)
	if errors.Is(err, erp.ErrNotFound) {
		return Result{}, common.NewAppError("NOT_FOUND", fmt.Sprintf("invoice %s not found", name), http.StatusNotFound, err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load invoice %s: %w", name, err)
	}
	switch {
	case inv.Status == erp.StatusDraft:
		return Result{}, common.NewAppError("NOT_SUBMITTED", "invoice must be submitted before creating a payment", http.StatusBadRequest, nil)
	case !inv.Status.Payable():
		return Result{}, common.NewAppError("INVALID_STATE", fmt.Sprintf("invoice %s is %s", inv.Name, inv.Status), http.StatusConflict, nil)
	case !inv.OutstandingAmount.IsPositive():
		return Result{}, common.NewAppError("NOTHING_OUTSTANDING", fmt.Sprintf("invoice %s has no outstanding amount", inv.Name), http.StatusConflict, nil)
	}

	amount := erp.MinorUnits(inv.OutstandingAmount)
	currency := strings.ToLower(inv.Currency)
	if currency == "" {
		currency = s.Currency
	}
	var res Result

	tr, err := s.Provider.CreateTransfer(ctx, s.Credentials, payment.TransferParams{
		Amount:        amount,
		Currency:      currency,
		Destination:   s.Account,
		TransferGroup: inv.Name,
		Description:   "Transfer for Sales Invoice " + inv.Name,
		Metadata:      map[string]string{"sales_invoice": inv.Name},
	})
	s.record(ctx, "transfer", inv.Name, tr.ID, err)
	if err != nil {
		return res, payment.AppError("Stripe Transfer failed", err)
	}
	res.TransferID = tr.ID

	po, err := s.Provider.CreatePayout(ctx, s.Credentials, payment.PayoutParams{
		Account:     s.Account,
		Amount:      amount,
		Currency:    currency,
		Description: "Payout for Sales Invoice " + inv.Name,
		Metadata:    map[string]string{"sales_invoice": inv.Name, "transfer": tr.ID},
	})
	s.record(ctx, "payout", inv.Name, po.ID, err)
	if err != nil {
		return res, payment.AppError("Stripe Payout failed", err)
	}
	res.PayoutID = po.ID

	pe, err := s.settle(ctx, inv, tr.ID)
	if err != nil {
		obs.TransfersTotal.WithLabelValues("payment_entry", "failed").Inc()
		s.Logger.Error().Err(err).Str("invoice", inv.Name).Str("transfer_id", tr.ID).Str("payout_id", po.ID).Msg("transfer_settlement_failed")
		return res, common.NewAppError("SETTLEMENT_FAILED",
			fmt.Sprintf("funds moved (transfer %s, payout %s) but the payment entry could not be recorded", tr.ID, po.ID),
			http.StatusInternalServerError, err)
	}
	obs.TransfersTotal.WithLabelValues("payment_entry", "ok").Inc()
	res.PaymentEntry = pe.Name
	s.Logger.Info().Str("invoice", inv.Name).Str("transfer_id", tr.ID).Str("payout_id", po.ID).Str("payment_entry", pe.Name).Msg("transfer_completed")
	return res, nil
}

// record appends a transfer log entry for one provider attempt. The log is
// written outside any transaction so failed attempts stay visible.
func (s Service) record(ctx context.Context, step, invoice, reference string, stepErr error) {
	entry := erp.TransferLog{
		ReferenceID:      reference,
		Status:           erp.TransferPaid,
		ReferenceDoctype: erp.DoctypeSalesInvoice,
		ReferenceName:    invoice,
		Account:          s.Account,
	}
	result := "ok"
	if stepErr != nil {
		entry.ReferenceID, entry.Status = erp.FailedReference, erp.TransferFailed
		result = "failed"
	}
	obs.TransfersTotal.WithLabelValues(step, result).Inc()
	logged, err := s.Store.CreateTransferLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		s.Logger.Error().Err(err).Str("invoice", invoice).Str("step", step).Str("reference", entry.ReferenceID).Msg("transfer_log_failed")
		return
	}
	level := zerolog.InfoLevel
	if stepErr != nil {
		level = zerolog.WarnLevel
	}
	s.Logger.WithLevel(level).Err(stepErr).
		Str("invoice", invoice).
		Str("step", step).
		Str("reference", entry.ReferenceID).
		Str("log", logged.Name).
		Msg("transfer_step")
}

func (s Service) settle(ctx context.Context, inv erp.Invoice, transferID string) (erp.PaymentEntry, error) {
	var out erp.PaymentEntry
	err := s.Store.WithinTx(ctx, func(tx erp.Store) error {
		cur, err := tx.LockInvoice(ctx, inv.Name)
		if err != nil {
			return err
		}
		pe, err := tx.CreatePaymentEntry(ctx, erp.PaymentEntry{
			PaymentType:     erp.PaymentTypeReceive,
			Party:           cur.Customer,
			Company:         cur.Company,
			InvoiceName:     cur.Name,
			PaidAmount:      inv.OutstandingAmount,
			AllocatedAmount: inv.OutstandingAmount,
			Currency:        cur.Currency,
			ModeOfPayment:   s.ModeOfPayment,
			ReferenceNo:     transferID,
		})
		if err != nil {
			return err
		}
		if out, err = tx.SubmitPaymentEntry(ctx, pe.Name); err != nil {
			return err
		}
		after, err := tx.GetInvoice(ctx, cur.Name)
		if err != nil {
			return err
		}
		if after.OutstandingAmount.IsZero() && after.Status != erp.StatusPaid {
			paid := erp.StatusPaid
			if _, err := tx.UpdateInvoice(ctx, cur.Name, erp.InvoiceUpdate{Status: &paid}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// CheckStatus reports the provider status of reference. It is tried as a
// transfer first and, when the provider rejects that, as a payout on account.
func (s Service) CheckStatus(ctx context.Context, account, reference string) (Status, error) {
	ctx, span := otel.Tracer("transfer").Start(ctx, "Transfer.CheckStatus")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.reference", reference))

	if s.Provider == nil {
		return Status{}, common.NewAppError("CONFIGURATION", "transfer service not configured", http.StatusInternalServerError, nil)
	}
	if account == "" {
		account = s.Account
	}
	tr, err := s.Provider.RetrieveTransfer(ctx, s.Credentials, reference)
	if err == nil {
		return Status{Reference: tr.ID, Kind: "transfer", Status: tr.Status}, nil
	}
	if !payment.IsInvalidRequest(err) {
		span.RecordError(err)
		return Status{}, payment.AppError("Could not retrieve status", err)
	}
	po, err := s.Provider.RetrievePayout(ctx, s.Credentials, account, reference)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, payment.ErrNotFound) {
			return Status{}, common.NewAppError("NOT_FOUND", fmt.Sprintf("no transfer or payout %s", reference), http.StatusNotFound, err)
		}
		return Status{}, payment.AppError("Could not retrieve payout status", err)
	}
	return Status{Reference: po.ID, Kind: "payout", Status: po.Status}, nil
}

// Logs lists transfer log entries of invoice in the order they were written.
func (s Service) Logs(ctx context.Context, invoice string, limit, offset int) ([]erp.TransferLog, error) {
	if s.Store == nil {
		return nil, common.NewAppError("CONFIGURATION", "transfer service not configured", http.StatusInternalServerError, nil)
	}
	return s.Store.ListTransferLogs(ctx, invoice, limit, offset)
}
