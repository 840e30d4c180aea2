/*
ledger.go - Payout transaction ledger

PURPOSE:
  Records every step of money movement for lead payouts. Rows are created
  when the processor confirms (or fails) a payment and then only move
  forward as transfer events arrive.

STATUS RULES:
  pending   -> completed | failed
  completed -> failed      (transfer reversal)
  failed    -> (terminal)

  A status is never resurrected: a reversed payout stays failed even if a
  stale transfer.created is redelivered afterwards.

IDEMPOTENCY:
  The processor payment id is unique across the ledger. Recording the same
  payment twice returns the existing row with created=false. A declined
  attempt is recorded under its charge id, not the intent id, because the
  buyer may retry the same intent and the success needs its own row.
*/
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxTransactionPage bounds ListUserTransactions for the API.
const MaxTransactionPage = 100

// PayoutEntry describes a lead payout to record.
type PayoutEntry struct {
	Amount       decimal.Decimal
	From         UserID
	To           UserID
	LeadID       LeadID
	ConnectionID ConnectionID
	PaymentID    string
	Description  string
	Metadata     map[string]string
}

type Ledger struct {
	Store TransactionStore
	Now   func() time.Time
	NewID func() string
}

func NewLedger(store TransactionStore) *Ledger {
	return &Ledger{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// RecordPending appends a pending payout. created is false when the payment
// id was already recorded; the existing row is returned in that case.
func (l *Ledger) RecordPending(ctx context.Context, e PayoutEntry) (tx *Transaction, created bool, err error) {
	return l.record(ctx, e, TxPending)
}

// RecordFailed appends a payout that failed before any money moved.
func (l *Ledger) RecordFailed(ctx context.Context, e PayoutEntry) (tx *Transaction, created bool, err error) {
	return l.record(ctx, e, TxFailed)
}

func (l *Ledger) record(ctx context.Context, e PayoutEntry, status TransactionStatus) (*Transaction, bool, error) {
	if e.PaymentID == "" {
		return nil, false, invalid("stripe_payment_id", "is required")
	}

	fee := decimal.Zero
	tx := Transaction{
		ID:              TransactionID(l.NewID()),
		Type:            TxLeadPayout,
		Status:          status,
		Amount:          e.Amount,
		FeeAmount:       fee,
		NetAmount:       e.Amount.Sub(fee),
		FromAccountID:   e.From,
		ToAccountID:     e.To,
		LeadID:          e.LeadID,
		ConnectionID:    e.ConnectionID,
		StripePaymentID: e.PaymentID,
		Description:     e.Description,
		Metadata:        e.Metadata,
		CreatedAt:       l.Now(),
	}

	err := l.Store.AppendTransaction(ctx, tx)
	if errors.Is(err, ErrDuplicatePaymentID) {
		existing, gerr := l.Store.GetTransactionByPaymentID(ctx, e.PaymentID)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to append transaction: %w", err)
	}
	return &tx, true, nil
}

// Transition moves tx to u.Status. Returns false without error when tx is
// already in that status, and ErrInvalidTransition when the move would go
// backwards.
func (l *Ledger) Transition(ctx context.Context, tx *Transaction, u TransactionUpdate) (bool, error) {
	if tx.Status == u.Status {
		return false, nil
	}
	if !tx.Status.CanMoveTo(u.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, u.Status)
	}
	if err := l.Store.UpdateTransaction(ctx, tx.ID, u, tx.Status); err != nil {
		return false, err
	}

	tx.Status = u.Status
	if u.StripeTransferID != "" {
		tx.StripeTransferID = u.StripeTransferID
	}
	if u.CompletedAt != nil {
		tx.CompletedAt = u.CompletedAt
	}
	for k, v := range u.Metadata {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]string)
		}
		tx.Metadata[k] = v
	}
	return true, nil
}

// Complete settles a pending payout once the transfer exists.
func (l *Ledger) Complete(ctx context.Context, tx *Transaction, transferID string, at time.Time) (bool, error) {
	return l.Transition(ctx, tx, TransactionUpdate{
		Status:           TxCompleted,
		StripeTransferID: transferID,
		CompletedAt:      &at,
	})
}

// Fail marks a payout failed, annotating it with metadata.
func (l *Ledger) Fail(ctx context.Context, tx *Transaction, metadata map[string]string) (bool, error) {
	return l.Transition(ctx, tx, TransactionUpdate{Status: TxFailed, Metadata: metadata})
}

// LatestForLead returns the newest lead payout transaction for a lead.
func (l *Ledger) LatestForLead(ctx context.Context, leadID LeadID) (*Transaction, error) {
	return l.Store.LatestLeadTransaction(ctx, leadID, TxLeadPayout)
}

// ByPaymentID returns the transaction correlated with a processor payment.
func (l *Ledger) ByPaymentID(ctx context.Context, paymentID string) (*Transaction, error) {
	return l.Store.GetTransactionByPaymentID(ctx, paymentID)
}

// ForUser lists the user's transactions newest first, capped at MaxTransactionPage.
func (l *Ledger) ForUser(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > MaxTransactionPage {
		limit = MaxTransactionPage
	}
	return l.Store.ListUserTransactions(ctx, userID, limit)
}
