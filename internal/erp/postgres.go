package erp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db   DBTX
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore returns a Store backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool, pool: pool, now: time.Now}
}

// WithinTx implements Store. Nested calls reuse the running transaction.
func (s *PGStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&PGStore{db: tx, now: s.now})
	})
}

const invoiceColumns = `name, customer, company, grand_total, outstanding_amount, currency, status,
	COALESCE(session_id, ''), COALESCE(payment_intent_id, ''), updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var status string
	err := row.Scan(&inv.Name, &inv.Customer, &inv.Company, &inv.GrandTotal, &inv.OutstandingAmount,
		&inv.Currency, &status, &inv.SessionID, &inv.PaymentIntentID, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, mapErr(err)
	}
	inv.Status = InvoiceStatus(status)
	return inv, nil
}

const getInvoice = `SELECT ` + invoiceColumns + ` FROM invoices WHERE name = $1`

// GetInvoice implements Store.
func (s *PGStore) GetInvoice(ctx context.Context, name string) (Invoice, error) {
	return scanInvoice(s.db.QueryRow(ctx, getInvoice, name))
}

const lockInvoice = getInvoice + ` FOR UPDATE`

// LockInvoice implements Store.
func (s *PGStore) LockInvoice(ctx context.Context, name string) (Invoice, error) {
	return scanInvoice(s.db.QueryRow(ctx, lockInvoice, name))
}

const findInvoices = `SELECT ` + invoiceColumns + ` FROM invoices
WHERE ($1 = '' OR session_id = $1)
  AND ($2 = '' OR payment_intent_id = $2)
  AND status <> 'Cancelled'
ORDER BY name
LIMIT 10`

// FindInvoices implements Store. Cancelled invoices are skipped, matching the
// scope of the active-session unique index. The result is capped; callers
// only need to distinguish zero, one and several matches.
func (s *PGStore) FindInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	if filter.Empty() {
		return nil, errors.New("erp: empty invoice filter")
	}
	rows, err := s.db.Query(ctx, findInvoices, filter.SessionID, filter.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const updateInvoice = `UPDATE invoices SET
	status = COALESCE($2, status),
	session_id = CASE WHEN $3::text IS NULL THEN session_id ELSE NULLIF($3, '') END,
	payment_intent_id = CASE WHEN $4::text IS NULL THEN payment_intent_id ELSE NULLIF($4, '') END,
	updated_at = $5
WHERE name = $1
RETURNING ` + invoiceColumns

// UpdateInvoice implements Store.
func (s *PGStore) UpdateInvoice(ctx context.Context, name string, upd InvoiceUpdate) (Invoice, error) {
	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	return scanInvoice(s.db.QueryRow(ctx, updateInvoice, name, status, upd.SessionID, upd.PaymentIntentID, s.now().UTC()))
}

const paymentEntryColumns = `name, payment_type, party, company, invoice_name, paid_amount, allocated_amount,
	currency, mode_of_payment, reference_no, reference_date, docstatus, created_at`

func scanPaymentEntry(row pgx.Row) (PaymentEntry, error) {
	var pe PaymentEntry
	var docStatus int16
	err := row.Scan(&pe.Name, &pe.PaymentType, &pe.Party, &pe.Company, &pe.InvoiceName, &pe.PaidAmount,
		&pe.AllocatedAmount, &pe.Currency, &pe.ModeOfPayment, &pe.ReferenceNo, &pe.ReferenceDate,
		&docStatus, &pe.CreatedAt)
	if err != nil {
		return PaymentEntry{}, mapErr(err)
	}
	pe.DocStatus = DocStatus(docStatus)
	return pe, nil
}

const createPaymentEntry = `INSERT INTO payment_entries (` + paymentEntryColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12)
RETURNING ` + paymentEntryColumns

// CreatePaymentEntry implements Store. The entry is stored as a draft.
func (s *PGStore) CreatePaymentEntry(ctx context.Context, pe PaymentEntry) (PaymentEntry, error) {
	if pe.Name == "" {
		pe.Name = NewPaymentEntryName()
	}
	if pe.PaymentType == "" {
		pe.PaymentType = PaymentTypeReceive
	}
	now := s.now().UTC()
	if pe.ReferenceDate.IsZero() {
		pe.ReferenceDate = now
	}
	return scanPaymentEntry(s.db.QueryRow(ctx, createPaymentEntry,
		pe.Name, pe.PaymentType, pe.Party, pe.Company, pe.InvoiceName, pe.PaidAmount, pe.AllocatedAmount,
		pe.Currency, pe.ModeOfPayment, pe.ReferenceNo, pe.ReferenceDate, now))
}

const submitPaymentEntry = `UPDATE payment_entries SET docstatus = 1
WHERE name = $1 AND docstatus = 0
RETURNING ` + paymentEntryColumns

const applyAllocation = `UPDATE invoices SET
	outstanding_amount = GREATEST(outstanding_amount - $2, 0),
	updated_at = $3
WHERE name = $1`

// SubmitPaymentEntry implements Store. Callers wanting the entry and the
// allocation applied atomically run it inside WithinTx.
func (s *PGStore) SubmitPaymentEntry(ctx context.Context, name string) (PaymentEntry, error) {
	pe, err := scanPaymentEntry(s.db.QueryRow(ctx, submitPaymentEntry, name))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.getPaymentEntry(ctx, name); getErr == nil {
			return PaymentEntry{}, ErrInvalidDocStatus
		}
		return PaymentEntry{}, err
	}
	if err != nil {
		return PaymentEntry{}, err
	}
	tag, err := s.db.Exec(ctx, applyAllocation, pe.InvoiceName, pe.AllocatedAmount, s.now().UTC())
	if err != nil {
		return PaymentEntry{}, fmt.Errorf("apply allocation: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return PaymentEntry{}, fmt.Errorf("apply allocation to %s: %w", pe.InvoiceName, ErrNotFound)
	}
	return pe, nil
}

const getPaymentEntry = `SELECT ` + paymentEntryColumns + ` FROM payment_entries WHERE name = $1`

func (s *PGStore) getPaymentEntry(ctx context.Context, name string) (PaymentEntry, error) {
	return scanPaymentEntry(s.db.QueryRow(ctx, getPaymentEntry, name))
}

const listPaymentEntries = `SELECT ` + paymentEntryColumns + ` FROM payment_entries
WHERE invoice_name = $1 ORDER BY created_at, name`

// ListPaymentEntries implements Store.
func (s *PGStore) ListPaymentEntries(ctx context.Context, invoice string) ([]PaymentEntry, error) {
	rows, err := s.db.Query(ctx, listPaymentEntries, invoice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PaymentEntry
	for rows.Next() {
		pe, err := scanPaymentEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

const transferLogColumns = `name, reference_id, status, reference_doctype, reference_name, account, created_at`

func scanTransferLog(row pgx.Row) (TransferLog, error) {
	var l TransferLog
	var status string
	if err := row.Scan(&l.Name, &l.ReferenceID, &status, &l.ReferenceDoctype, &l.ReferenceName, &l.Account, &l.CreatedAt); err != nil {
		return TransferLog{}, mapErr(err)
	}
	l.Status = TransferStatus(status)
	return l, nil
}

const createTransferLog = `INSERT INTO transfer_logs (` + transferLogColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + transferLogColumns

// CreateTransferLog implements Store.
func (s *PGStore) CreateTransferLog(ctx context.Context, entry TransferLog) (TransferLog, error) {
	if entry.Name == "" {
		entry.Name = NewTransferLogName()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	return scanTransferLog(s.db.QueryRow(ctx, createTransferLog, entry.Name, entry.ReferenceID, string(entry.Status),
		entry.ReferenceDoctype, entry.ReferenceName, entry.Account, entry.CreatedAt))
}

const listTransferLogs = `SELECT ` + transferLogColumns + ` FROM transfer_logs
WHERE reference_name = $1
ORDER BY created_at, name
LIMIT $2 OFFSET $3`

// ListTransferLogs implements Store.
func (s *PGStore) ListTransferLogs(ctx context.Context, invoice string, limit, offset int) ([]TransferLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, listTransferLogs, invoice, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransferLog
	for rows.Next() {
		l, err := scanTransferLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// NewPaymentEntryName returns a fresh payment entry identifier.
func NewPaymentEntryName() string { return "PE-" + uuid.NewString() }

// NewTransferLogName returns a fresh transfer log identifier.
func NewTransferLogName() string { return "STD-" + uuid.NewString() }

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// MinorUnits converts a decimal amount into the currency's minor unit count.
// Two decimal places are assumed, matching the currencies the ERP books in.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts a minor unit count back to a decimal amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
