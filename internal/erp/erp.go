// Package erp models the ERP documents the bridge reads and mutates: invoices,
// the payment entries that settle them and the transfer log kept for funds
// moved to connected accounts.
package erp

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("erp: document not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("erp: document conflict")
	// ErrInvalidDocStatus is returned when submitting a document that is not a draft.
	ErrInvalidDocStatus = errors.New("erp: invalid docstatus")
)

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "Draft"
	StatusSubmitted InvoiceStatus = "Submitted"
	StatusPaid      InvoiceStatus = "Paid"
	StatusFailed    InvoiceStatus = "Failed"
	StatusCancelled InvoiceStatus = "Cancelled"
)

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPaid, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Payable reports whether an invoice in status s may receive a payment.
func (s InvoiceStatus) Payable() bool {
	return s == StatusSubmitted || s == StatusFailed
}

// Invoice is a sales invoice together with its payment linkage.
type Invoice struct {
	Name              string
	Customer          string
	Company           string
	GrandTotal        decimal.Decimal
	OutstandingAmount decimal.Decimal
	Currency          string
	Status            InvoiceStatus
	SessionID         string
	PaymentIntentID   string
	UpdatedAt         time.Time
}

// InvoiceFilter selects invoices by payment linkage. Empty fields are ignored;
// at least one field must be set.
type InvoiceFilter struct {
	SessionID       string
	PaymentIntentID string
}

// Empty reports whether no criteria are set.
func (f InvoiceFilter) Empty() bool {
	return f.SessionID == "" && f.PaymentIntentID == ""
}

// InvoiceUpdate lists the invoice fields to change. Nil pointers are left as is.
type InvoiceUpdate struct {
	Status          *InvoiceStatus
	SessionID       *string
	PaymentIntentID *string
}

// DocStatus mirrors the ERP document status of submittable documents.
type DocStatus int

const (
	DocDraft     DocStatus = 0
	DocSubmitted DocStatus = 1
	DocCancelled DocStatus = 2
)

// PaymentTypeReceive marks incoming customer payments.
const PaymentTypeReceive = "Receive"

// PaymentEntry records money received against exactly one invoice.
type PaymentEntry struct {
	Name            string
	PaymentType     string
	Party           string
	Company         string
	InvoiceName     string
	PaidAmount      decimal.Decimal
	AllocatedAmount decimal.Decimal
	Currency        string
	ModeOfPayment   string
	ReferenceNo     string
	ReferenceDate   time.Time
	DocStatus       DocStatus
	CreatedAt       time.Time
}

// TransferStatus is the outcome recorded for a transfer or payout attempt.
type TransferStatus string

const (
	TransferPaid   TransferStatus = "paid"
	TransferFailed TransferStatus = "failed"
)

// FailedReference is stored as the reference of attempts the provider rejected.
const FailedReference = "N/A"

// DoctypeSalesInvoice is the linked document type of transfer log entries.
const DoctypeSalesInvoice = "Sales Invoice"

// TransferLog is an append-only record of one attempt to move funds.
type TransferLog struct {
	Name             string
	ReferenceID      string
	Status           TransferStatus
	ReferenceDoctype string
	ReferenceName    string
	Account          string
	CreatedAt        time.Time
}

// Store is the ERP document store consumed by the bridge. Implementations
// surface their own errors; only ErrNotFound and ErrConflict carry meaning.
type Store interface {
	GetInvoice(ctx context.Context, name string) (Invoice, error)
	// LockInvoice reads an invoice and holds a row lock until the surrounding
	// transaction ends. Outside a transaction it behaves like GetInvoice.
	LockInvoice(ctx context.Context, name string) (Invoice, error)
	FindInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	UpdateInvoice(ctx context.Context, name string, upd InvoiceUpdate) (Invoice, error)

	CreatePaymentEntry(ctx context.Context, pe PaymentEntry) (PaymentEntry, error)
	// SubmitPaymentEntry moves a draft entry to submitted and applies its
	// allocation to the invoice outstanding amount.
	SubmitPaymentEntry(ctx context.Context, name string) (PaymentEntry, error)
	ListPaymentEntries(ctx context.Context, invoice string) ([]PaymentEntry, error)

	CreateTransferLog(ctx context.Context, entry TransferLog) (TransferLog, error)
	ListTransferLogs(ctx context.Context, invoice string, limit, offset int) ([]TransferLog, error)

	// WithinTx runs fn inside a transaction. Returning an error rolls back
	// every write made through the Store passed to fn.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
