package erp

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.PutInvoice(Invoice{
		Name:              "SINV-0001",
		Customer:          "Acme",
		GrandTotal:        decimal.RequireFromString("120.50"),
		OutstandingAmount: decimal.RequireFromString("120.50"),
		Currency:          "usd",
		Status:            StatusSubmitted,
		SessionID:         "cs_test_1",
	})
	return s
}

func TestMinorUnits(t *testing.T) {
	require.Equal(t, int64(12050), MinorUnits(decimal.RequireFromString("120.50")))
	require.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.005")))
	require.True(t, FromMinorUnits(12050).Equal(decimal.RequireFromString("120.5")))
}

func TestSubmitPaymentEntryAppliesAllocation(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	pe, err := s.CreatePaymentEntry(ctx, PaymentEntry{
		InvoiceName:     "SINV-0001",
		Party:           "Acme",
		PaidAmount:      decimal.RequireFromString("20"),
		AllocatedAmount: decimal.RequireFromString("20"),
		ReferenceNo:     "pi_1",
	})
	require.NoError(t, err)
	require.Equal(t, DocDraft, pe.DocStatus)

	pe, err = s.SubmitPaymentEntry(ctx, pe.Name)
	require.NoError(t, err)
	require.Equal(t, DocSubmitted, pe.DocStatus)

	inv, err := s.GetInvoice(ctx, "SINV-0001")
	require.NoError(t, err)
	require.True(t, inv.OutstandingAmount.Equal(decimal.RequireFromString("100.50")))

	_, err = s.SubmitPaymentEntry(ctx, pe.Name)
	require.ErrorIs(t, err, ErrInvalidDocStatus)
}

func TestWithinTxRollsBack(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx Store) error {
		paid := StatusPaid
		if _, err := tx.UpdateInvoice(ctx, "SINV-0001", InvoiceUpdate{Status: &paid}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	inv, err := s.GetInvoice(ctx, "SINV-0001")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, inv.Status)
}

func TestFindInvoices(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	found, err := s.FindInvoices(ctx, InvoiceFilter{SessionID: "cs_test_1"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = s.FindInvoices(ctx, InvoiceFilter{SessionID: "cs_other"})
	require.NoError(t, err)
	require.Empty(t, found)

	_, err = s.FindInvoices(ctx, InvoiceFilter{})
	require.Error(t, err)
}

func TestFindInvoicesSkipsCancelled(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	s.PutInvoice(Invoice{
		Name:              "SINV-0000",
		Customer:          "Acme",
		GrandTotal:        decimal.RequireFromString("120.50"),
		OutstandingAmount: decimal.RequireFromString("120.50"),
		Currency:          "usd",
		Status:            StatusCancelled,
		SessionID:         "cs_test_1",
		PaymentIntentID:   "pi_stale",
	})

	found, err := s.FindInvoices(ctx, InvoiceFilter{SessionID: "cs_test_1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "SINV-0001", found[0].Name)

	found, err = s.FindInvoices(ctx, InvoiceFilter{PaymentIntentID: "pi_stale"})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestTransferLogsAppendOnly(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	for _, st := range []TransferStatus{TransferFailed, TransferPaid} {
		_, err := s.CreateTransferLog(ctx, TransferLog{ReferenceID: FailedReference, Status: st, ReferenceDoctype: DoctypeSalesInvoice, ReferenceName: "SINV-0001"})
		require.NoError(t, err)
	}
	logs, err := s.ListTransferLogs(ctx, "SINV-0001", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NotEqual(t, logs[0].Name, logs[1].Name)

	logs, err = s.ListTransferLogs(ctx, "SINV-0001", 1, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, TransferPaid, logs[0].Status)
}

func TestInvoiceStatusPayable(t *testing.T) {
	require.True(t, StatusSubmitted.Payable())
	require.True(t, StatusFailed.Payable())
	require.False(t, StatusPaid.Payable())
	require.False(t, StatusDraft.Payable())
	require.False(t, InvoiceStatus("Bogus").Valid())
}
