package market_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/market/store"
)

func newLedger(t *testing.T) (*market.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ledger := market.NewLedger(mem)
	ledger.Now = func() time.Time { return fixedNow }
	return ledger, mem
}

func payout(paymentID string) market.PayoutEntry {
	return market.PayoutEntry{
		Amount:       decimal.RequireFromString("25.50"),
		From:         "buyer-1",
		To:           "prov-1",
		LeadID:       "lead-1",
		ConnectionID: "conn-1",
		PaymentID:    paymentID,
		Description:  "Lead payout",
		Metadata:     map[string]string{"leadId": "lead-1"},
	}
}

// =============================================================================
// RECORD
// =============================================================================

func TestLedger_RecordPendingIsIdempotent(t *testing.T) {
	// GIVEN: A payment already recorded
	// WHEN: The same payment id is recorded again
	// THEN: The original row comes back and nothing new is appended

	ledger, mem := newLedger(t)
	ctx := context.Background()

	first, created, err := ledger.RecordPending(ctx, payout("pi_1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, market.TxPending, first.Status)
	assert.Equal(t, market.TxLeadPayout, first.Type)
	assert.True(t, first.NetAmount.Equal(first.Amount))
	assert.True(t, first.FeeAmount.IsZero())
	assert.Equal(t, fixedNow, first.CreatedAt)

	again, created, err := ledger.RecordFailed(ctx, payout("pi_1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, market.TxPending, again.Status, "the existing row wins")

	rows, err := mem.ListUserTransactions(ctx, "prov-1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLedger_RecordRequiresPaymentID(t *testing.T) {
	ledger, _ := newLedger(t)

	_, _, err := ledger.RecordPending(context.Background(), payout(""))
	var ve *market.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "stripe_payment_id", ve.Field)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestLedger_TransitionRules(t *testing.T) {
	tests := []struct {
		from    market.TransactionStatus
		to      market.TransactionStatus
		changed bool
		wantErr error
	}{
		{market.TxPending, market.TxCompleted, true, nil},
		{market.TxPending, market.TxFailed, true, nil},
		{market.TxCompleted, market.TxFailed, true, nil},
		{market.TxCompleted, market.TxPending, false, market.ErrInvalidTransition},
		{market.TxFailed, market.TxCompleted, false, market.ErrInvalidTransition},
		{market.TxFailed, market.TxPending, false, market.ErrInvalidTransition},
		{market.TxPending, market.TxPending, false, nil},
		{market.TxCompleted, market.TxCompleted, false, nil},
		{market.TxFailed, market.TxFailed, false, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			ledger, mem := newLedger(t)
			ctx := context.Background()

			tx := market.Transaction{
				ID:              "tx-1",
				Type:            market.TxLeadPayout,
				Status:          tt.from,
				Amount:          decimal.NewFromInt(10),
				NetAmount:       decimal.NewFromInt(10),
				ToAccountID:     "prov-1",
				StripePaymentID: "pi_1",
				CreatedAt:       fixedNow,
			}
			require.NoError(t, mem.AppendTransaction(ctx, tx))

			changed, err := ledger.Transition(ctx, &tx, market.TransactionUpdate{Status: tt.to})
			assert.Equal(t, tt.changed, changed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			stored, err := mem.GetTransactionByPaymentID(ctx, "pi_1")
			require.NoError(t, err)
			if tt.changed {
				assert.Equal(t, tt.to, stored.Status)
			} else {
				assert.Equal(t, tt.from, stored.Status)
			}
		})
	}
}

func TestLedger_CompleteThenFailKeepsTransferAndMergesMetadata(t *testing.T) {
	ledger, mem := newLedger(t)
	ctx := context.Background()

	tx, _, err := ledger.RecordPending(ctx, payout("pi_1"))
	require.NoError(t, err)

	settled := fixedNow.Add(time.Hour)
	changed, err := ledger.Complete(ctx, tx, "tr_1", settled)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, market.TxCompleted, tx.Status)

	changed, err = ledger.Fail(ctx, tx, map[string]string{"reversal_reason": "transfer.reversed"})
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := mem.GetTransactionByPaymentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, market.TxFailed, stored.Status)
	assert.Equal(t, "tr_1", stored.StripeTransferID)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, settled, *stored.CompletedAt)
	assert.Equal(t, "lead-1", stored.Metadata["leadId"])
	assert.Equal(t, "transfer.reversed", stored.Metadata["reversal_reason"])
	assert.Equal(t, stored.Metadata, tx.Metadata)

	// failed is terminal
	_, err = ledger.Complete(ctx, tx, "tr_2", settled)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

func TestLedger_StaleCopyLosesCompareAndSwap(t *testing.T) {
	// GIVEN: Two readers holding the same pending row
	// WHEN: One completes it and the other then tries to fail it
	// THEN: The second write is rejected and the row keeps the first result

	ledger, mem := newLedger(t)
	ctx := context.Background()

	_, _, err := ledger.RecordPending(ctx, payout("pi_1"))
	require.NoError(t, err)

	a, err := ledger.ByPaymentID(ctx, "pi_1")
	require.NoError(t, err)
	b, err := ledger.LatestForLead(ctx, "lead-1")
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	_, err = ledger.Complete(ctx, a, "tr_1", fixedNow)
	require.NoError(t, err)

	changed, err := ledger.Fail(ctx, b, nil)
	assert.False(t, changed)
	assert.ErrorIs(t, err, market.ErrConcurrentModification)

	stored, err := mem.GetTransactionByPaymentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, market.TxCompleted, stored.Status)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestLedger_ForUserCapsPage(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	for i := 0; i < market.MaxTransactionPage+20; i++ {
		ledger.Now = func() time.Time { return fixedNow.Add(time.Duration(i) * time.Minute) }
		_, _, err := ledger.RecordPending(ctx, payout(fmt.Sprintf("pi_%03d", i)))
		require.NoError(t, err)
	}

	for _, limit := range []int{0, -1, 500} {
		rows, err := ledger.ForUser(ctx, "prov-1", limit)
		require.NoError(t, err)
		assert.Len(t, rows, market.MaxTransactionPage, "limit %d", limit)
	}

	rows, err := ledger.ForUser(ctx, "buyer-1", 5)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "pi_119", rows[0].StripePaymentID, "newest first")

	rows, err = ledger.ForUser(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = ledger.LatestForLead(ctx, "missing")
	assert.ErrorIs(t, err, market.ErrTransactionNotFound)
}
