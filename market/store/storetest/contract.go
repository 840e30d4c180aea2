// Package storetest holds the behavioural contract every market.Store must
// satisfy. Each backend runs it from its own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lead-exchange/market"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) market.Store

var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ConnectionPairIsUnique", func(t *testing.T) { connectionPairIsUnique(t, newStore(t)) })
	t.Run("ConnectionGuardedUpdate", func(t *testing.T) { connectionGuardedUpdate(t, newStore(t)) })
	t.Run("ConnectionConcurrentUpdate", func(t *testing.T) { connectionConcurrentUpdate(t, newStore(t)) })
	t.Run("ListConnectionsFilters", func(t *testing.T) { listConnectionsFilters(t, newStore(t)) })
	t.Run("TransactionPaymentIDUnique", func(t *testing.T) { transactionPaymentIDUnique(t, newStore(t)) })
	t.Run("TransactionGuardedUpdate", func(t *testing.T) { transactionGuardedUpdate(t, newStore(t)) })
	t.Run("UserTransactionsNewestFirst", func(t *testing.T) { userTransactionsNewestFirst(t, newStore(t)) })
	t.Run("LeadClaimOnce", func(t *testing.T) { leadClaimOnce(t, newStore(t)) })
	t.Run("LeadPayoutKeepsTransfer", func(t *testing.T) { leadPayoutKeepsTransfer(t, newStore(t)) })
	t.Run("UserOnboarding", func(t *testing.T) { userOnboarding(t, newStore(t)) })
	t.Run("EventLog", func(t *testing.T) { eventLog(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func connection(id, provider, buyer string, status market.ConnectionStatus, at time.Time) market.Connection {
	weekly := 10
	return market.Connection{
		ID:         market.ConnectionID(id),
		ProviderID: market.UserID(provider),
		BuyerID:    market.UserID(buyer),
		Status:     status,
		Initiator:  market.InitiatorProvider,
		Terms: market.Terms{
			RatePerLead:           decimal.RequireFromString("25.50"),
			PaymentTiming:         market.TimingPerLead,
			WeeklyLeadCap:         &weekly,
			TerminationNoticeDays: market.DefaultTerminationNoticeDays,
		},
		Message:   "hello",
		CreatedAt: at,
	}
}

func payout(id, paymentID, from, to string, status market.TransactionStatus, amount string, at time.Time) market.Transaction {
	amt := decimal.RequireFromString(amount)
	return market.Transaction{
		ID:              market.TransactionID(id),
		Type:            market.TxLeadPayout,
		Status:          status,
		Amount:          amt,
		FeeAmount:       decimal.Zero,
		NetAmount:       amt,
		FromAccountID:   market.UserID(from),
		ToAccountID:     market.UserID(to),
		LeadID:          "lead-1",
		StripePaymentID: paymentID,
		Metadata:        map[string]string{"leadId": "lead-1"},
		CreatedAt:       at,
	}
}

// =============================================================================
// CONNECTIONS
// =============================================================================

func connectionPairIsUnique(t *testing.T, s market.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateConnection(ctx, connection("c1", "p1", "b1", market.StatusPendingBuyerReview, base)))
	err := s.CreateConnection(ctx, connection("c2", "p1", "b1", market.StatusPendingProviderAccept, base))
	assert.ErrorIs(t, err, market.ErrConnectionExists)

	got, err := s.FindConnection(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Equal(t, market.ConnectionID("c1"), got.ID)
	assert.True(t, got.RatePerLead.Equal(decimal.RequireFromString("25.5")))
	require.NotNil(t, got.WeeklyLeadCap)
	assert.Equal(t, 10, *got.WeeklyLeadCap)
	assert.Nil(t, got.MonthlyLeadCap)

	_, err = s.GetConnection(ctx, "missing")
	assert.ErrorIs(t, err, market.ErrConnectionNotFound)
}

func connectionGuardedUpdate(t *testing.T, s market.Store) {
	ctx := context.Background()
	c := connection("c1", "p1", "b1", market.StatusPendingBuyerReview, base)
	require.NoError(t, s.CreateConnection(ctx, c))

	accepted := base.Add(time.Hour)
	c.Status = market.StatusActive
	c.AcceptedAt = &accepted
	require.NoError(t, s.UpdateConnection(ctx, c, market.StatusPendingBuyerReview))

	// Stale expected status loses.
	c.Status = market.StatusRejectedByBuyer
	err := s.UpdateConnection(ctx, c, market.StatusPendingBuyerReview)
	assert.ErrorIs(t, err, market.ErrConcurrentModification)

	got, err := s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, market.StatusActive, got.Status)
	require.NotNil(t, got.AcceptedAt)
	assert.True(t, accepted.Equal(*got.AcceptedAt))

	missing := connection("nope", "p9", "b9", market.StatusActive, base)
	assert.ErrorIs(t, s.UpdateConnection(ctx, missing, market.StatusActive), market.ErrConnectionNotFound)
}

func connectionConcurrentUpdate(t *testing.T, s market.Store) {
	ctx := context.Background()
	c := connection("c1", "p1", "b1", market.StatusPendingBuyerReview, base)
	require.NoError(t, s.CreateConnection(ctx, c))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := c
			next.Status = market.StatusPendingProviderAccept
			if err := s.UpdateConnection(ctx, next, market.StatusPendingBuyerReview); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one guarded write may succeed")
}

func listConnectionsFilters(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConnection(ctx, connection("c1", "p1", "b1", market.StatusActive, base)))
	require.NoError(t, s.CreateConnection(ctx, connection("c2", "p1", "b2", market.StatusPendingBuyerReview, base.Add(time.Minute))))
	require.NoError(t, s.CreateConnection(ctx, connection("c3", "p2", "b1", market.StatusActive, base.Add(2*time.Minute))))

	got, err := s.ListConnections(ctx, market.ConnectionFilter{ProviderID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, market.ConnectionID("c2"), got[0].ID, "newest first")

	got, err = s.ListConnections(ctx, market.ConnectionFilter{BuyerID: "b1", Statuses: []market.ConnectionStatus{market.StatusActive}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, market.ConnectionID("c3"), got[0].ID)

	got, err = s.ListConnections(ctx, market.ConnectionFilter{ProviderID: "p1", Statuses: []market.ConnectionStatus{market.StatusPendingBuyerReview, market.StatusPendingProviderAccept}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, market.ConnectionID("c2"), got[0].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func transactionPaymentIDUnique(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendTransaction(ctx, payout("t1", "pi_1", "b1", "p1", market.TxPending, "25.00", base)))

	err := s.AppendTransaction(ctx, payout("t2", "pi_1", "b1", "p1", market.TxPending, "25.00", base))
	assert.ErrorIs(t, err, market.ErrDuplicatePaymentID)

	got, err := s.GetTransactionByPaymentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, market.TransactionID("t1"), got.ID)
	assert.Equal(t, "25", got.Amount.String())
	assert.Equal(t, "lead-1", got.Metadata["leadId"])

	_, err = s.GetTransactionByPaymentID(ctx, "pi_missing")
	assert.ErrorIs(t, err, market.ErrTransactionNotFound)
}

func transactionGuardedUpdate(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendTransaction(ctx, payout("t1", "pi_1", "b1", "p1", market.TxPending, "10.00", base)))

	done := base.Add(time.Hour)
	err := s.UpdateTransaction(ctx, "t1", market.TransactionUpdate{
		Status:           market.TxCompleted,
		StripeTransferID: "tr_1",
		CompletedAt:      &done,
		Metadata:         map[string]string{"note": "settled"},
	}, market.TxPending)
	require.NoError(t, err)

	err = s.UpdateTransaction(ctx, "t1", market.TransactionUpdate{Status: market.TxFailed}, market.TxPending)
	assert.ErrorIs(t, err, market.ErrConcurrentModification)

	got, err := s.LatestLeadTransaction(ctx, "lead-1", market.TxLeadPayout)
	require.NoError(t, err)
	assert.Equal(t, market.TxCompleted, got.Status)
	assert.Equal(t, "tr_1", got.StripeTransferID)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	assert.Equal(t, "settled", got.Metadata["note"])
	assert.Equal(t, "lead-1", got.Metadata["leadId"], "metadata is merged, not replaced")

	err = s.UpdateTransaction(ctx, "missing", market.TransactionUpdate{Status: market.TxFailed}, market.TxPending)
	assert.ErrorIs(t, err, market.ErrTransactionNotFound)
}

func userTransactionsNewestFirst(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendTransaction(ctx, payout("t1", "pi_1", "b1", "p1", market.TxCompleted, "1.00", base)))
	require.NoError(t, s.AppendTransaction(ctx, payout("t2", "pi_2", "b2", "p1", market.TxPending, "2.00", base.Add(time.Minute))))
	require.NoError(t, s.AppendTransaction(ctx, payout("t3", "pi_3", "p1", "x1", market.TxCompleted, "3.00", base.Add(2*time.Minute))))
	require.NoError(t, s.AppendTransaction(ctx, payout("t4", "pi_4", "b9", "p9", market.TxCompleted, "4.00", base.Add(3*time.Minute))))

	got, err := s.ListUserTransactions(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, market.TransactionID("t3"), got[0].ID)
	assert.Equal(t, market.TransactionID("t2"), got[1].ID)
	assert.Equal(t, market.TransactionID("t1"), got[2].ID)

	got, err = s.ListUserTransactions(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// =============================================================================
// LEADS
// =============================================================================

func leadClaimOnce(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateLead(ctx, market.Lead{
		ID:          "lead-1",
		ProviderID:  "p1",
		Status:      market.LeadAvailable,
		ContactName: "Jane Doe",
		Price:       decimal.Zero,
		CreatedAt:   base,
	}))

	claim := market.LeadClaim{
		BuyerID:         "b1",
		ConnectionID:    "c1",
		Price:           decimal.RequireFromString("30"),
		StripePaymentID: "pi_1",
		ClaimedAt:       base.Add(time.Minute),
	}
	require.NoError(t, s.ClaimLead(ctx, "lead-1", claim))

	claim.BuyerID = "b2"
	assert.ErrorIs(t, s.ClaimLead(ctx, "lead-1", claim), market.ErrLeadUnavailable)
	assert.ErrorIs(t, s.ClaimLead(ctx, "missing", claim), market.ErrLeadNotFound)

	got, err := s.GetLead(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, market.LeadClaimed, got.Status)
	assert.Equal(t, market.UserID("b1"), got.BuyerID)
	assert.Equal(t, market.PayoutPending, got.PayoutStatus)
	assert.Equal(t, "pi_1", got.StripePaymentID)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("30")))

	require.NotNil(t, got.ClaimedAt)
	*got.ClaimedAt = base.Add(-time.Hour)
	again, err := s.GetLead(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, again.ClaimedAt)
	assert.True(t, again.ClaimedAt.Equal(claim.ClaimedAt), "got %s", again.ClaimedAt)
}

func leadPayoutKeepsTransfer(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateLead(ctx, market.Lead{
		ID: "lead-1", ProviderID: "p1", Status: market.LeadClaimed,
		ContactName: "Jane Doe", Price: decimal.RequireFromString("30"), CreatedAt: base,
	}))

	done := base.Add(time.Hour)
	require.NoError(t, s.UpdateLeadPayout(ctx, "lead-1", market.PayoutUpdate{
		Status: market.PayoutCompleted, StripeTransferID: "tr_1", PayoutCompletedAt: &done,
	}))
	require.NoError(t, s.UpdateLeadPayout(ctx, "lead-1", market.PayoutUpdate{Status: market.PayoutFailed}))

	got, err := s.GetLead(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, market.PayoutFailed, got.PayoutStatus)
	assert.Equal(t, "tr_1", got.StripeTransferID)
	require.NotNil(t, got.PayoutCompletedAt)

	// returned timestamps are copies
	*got.PayoutCompletedAt = base.Add(-time.Hour)
	again, err := s.GetLead(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, again.PayoutCompletedAt)
	assert.True(t, again.PayoutCompletedAt.Equal(done), "got %s", again.PayoutCompletedAt)

	assert.ErrorIs(t, s.UpdateLeadPayout(ctx, "missing", market.PayoutUpdate{Status: market.PayoutFailed}), market.ErrLeadNotFound)
}

// =============================================================================
// USERS AND EVENTS
// =============================================================================

func userOnboarding(t *testing.T, s market.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveUser(ctx, market.User{
		ID: "p1", Email: "p1@example.com", Role: market.RoleProvider,
		StripeAccountID: "acct_1", CreatedAt: base,
	}))

	found, err := s.SetOnboardingComplete(ctx, "acct_1", true)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.SetOnboardingComplete(ctx, "acct_unknown", true)
	require.NoError(t, err)
	assert.False(t, found)

	got, err := s.GetUser(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.OnboardingComplete)
	assert.Equal(t, market.RoleProvider, got.Role)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, market.ErrUserNotFound)
}

func eventLog(t *testing.T, s market.Store) {
	ctx := context.Background()

	done, err := s.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", market.EventTransferCreated, base))
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", market.EventTransferCreated, base), "re-marking is not an error")

	done, err = s.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, done)
}
