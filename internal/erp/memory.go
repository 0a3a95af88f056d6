package erp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and local tooling.
// Transactions are serialized and roll back by restoring a snapshot; nested
// WithinTx calls are not supported.
type MemoryStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	invoices map[string]Invoice
	entries  map[string]PaymentEntry
	logs     []TransferLog

	// Fault, when set, is consulted before every write. A non-nil error is
	// returned to the caller instead of performing the write.
	Fault func(op string) error
	Now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]Invoice),
		entries:  make(map[string]PaymentEntry),
		Now:      time.Now,
	}
}

// PutInvoice inserts or replaces an invoice.
func (s *MemoryStore) PutInvoice(inv Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = s.Now().UTC()
	}
	s.invoices[inv.Name] = inv
}

func (s *MemoryStore) fault(op string) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(op)
}

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	invoices := make(map[string]Invoice, len(s.invoices))
	for k, v := range s.invoices {
		invoices[k] = v
	}
	entries := make(map[string]PaymentEntry, len(s.entries))
	for k, v := range s.entries {
		entries[k] = v
	}
	logs := append([]TransferLog(nil), s.logs...)
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.invoices, s.entries, s.logs = invoices, entries, logs
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetInvoice implements Store.
func (s *MemoryStore) GetInvoice(_ context.Context, name string) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[name]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

// LockInvoice implements Store.
func (s *MemoryStore) LockInvoice(ctx context.Context, name string) (Invoice, error) {
	return s.GetInvoice(ctx, name)
}

// FindInvoices implements Store. Cancelled invoices never match.
func (s *MemoryStore) FindInvoices(_ context.Context, filter InvoiceFilter) ([]Invoice, error) {
	if filter.Empty() {
		return nil, errors.New("erp: empty invoice filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invoice
	for _, inv := range s.invoices {
		if inv.Status == StatusCancelled {
			continue
		}
		if filter.SessionID != "" && inv.SessionID != filter.SessionID {
			continue
		}
		if filter.PaymentIntentID != "" && inv.PaymentIntentID != filter.PaymentIntentID {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateInvoice implements Store.
func (s *MemoryStore) UpdateInvoice(_ context.Context, name string, upd InvoiceUpdate) (Invoice, error) {
	if err := s.fault("UpdateInvoice"); err != nil {
		return Invoice{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[name]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	if upd.Status != nil {
		inv.Status = *upd.Status
	}
	if upd.SessionID != nil {
		inv.SessionID = *upd.SessionID
	}
	if upd.PaymentIntentID != nil {
		inv.PaymentIntentID = *upd.PaymentIntentID
	}
	inv.UpdatedAt = s.Now().UTC()
	s.invoices[name] = inv
	return inv, nil
}

// CreatePaymentEntry implements Store.
func (s *MemoryStore) CreatePaymentEntry(_ context.Context, pe PaymentEntry) (PaymentEntry, error) {
	if err := s.fault("CreatePaymentEntry"); err != nil {
		return PaymentEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pe.Name == "" {
		pe.Name = NewPaymentEntryName()
	}
	if _, exists := s.entries[pe.Name]; exists {
		return PaymentEntry{}, ErrConflict
	}
	if _, ok := s.invoices[pe.InvoiceName]; !ok {
		return PaymentEntry{}, ErrNotFound
	}
	if pe.PaymentType == "" {
		pe.PaymentType = PaymentTypeReceive
	}
	now := s.Now().UTC()
	if pe.ReferenceDate.IsZero() {
		pe.ReferenceDate = now
	}
	pe.DocStatus = DocDraft
	pe.CreatedAt = now
	s.entries[pe.Name] = pe
	return pe, nil
}

// SubmitPaymentEntry implements Store.
func (s *MemoryStore) SubmitPaymentEntry(_ context.Context, name string) (PaymentEntry, error) {
	if err := s.fault("SubmitPaymentEntry"); err != nil {
		return PaymentEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.entries[name]
	if !ok {
		return PaymentEntry{}, ErrNotFound
	}
	if pe.DocStatus != DocDraft {
		return PaymentEntry{}, ErrInvalidDocStatus
	}
	inv, ok := s.invoices[pe.InvoiceName]
	if !ok {
		return PaymentEntry{}, ErrNotFound
	}
	pe.DocStatus = DocSubmitted
	s.entries[name] = pe
	inv.OutstandingAmount = decimal.Max(inv.OutstandingAmount.Sub(pe.AllocatedAmount), decimal.Zero)
	inv.UpdatedAt = s.Now().UTC()
	s.invoices[inv.Name] = inv
	return pe, nil
}

// ListPaymentEntries implements Store.
func (s *MemoryStore) ListPaymentEntries(_ context.Context, invoice string) ([]PaymentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PaymentEntry
	for _, pe := range s.entries {
		if pe.InvoiceName == invoice {
			out = append(out, pe)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateTransferLog implements Store.
func (s *MemoryStore) CreateTransferLog(_ context.Context, entry TransferLog) (TransferLog, error) {
	if err := s.fault("CreateTransferLog"); err != nil {
		return TransferLog{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Name == "" {
		entry.Name = NewTransferLogName()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.Now().UTC()
	}
	s.logs = append(s.logs, entry)
	return entry, nil
}

// ListTransferLogs implements Store. Entries are returned in insertion order.
func (s *MemoryStore) ListTransferLogs(_ context.Context, invoice string, limit, offset int) ([]TransferLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []TransferLog
	for _, l := range s.logs {
		if l.ReferenceName == invoice {
			matched = append(matched, l)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
