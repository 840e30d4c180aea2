/*
balance.go - Account balance derivation

STRATEGIES:
  MaterializedBalance: reads a per-user aggregate kept by the store
                       (postgres user_balances view). O(1) for callers.
  LedgerBalance:       scans the most recent LedgerScanLimit transactions
                       touching the user and sums them.

  NewBalanceCalculator picks the materialized strategy when the store
  implements BalanceView, and falls back to the ledger scan whenever the
  aggregate has no row for the user.

LEDGER SCAN RULES (user = U):
  receiver, completed -> TotalEarnings += net_amount
  receiver, pending   -> PendingBalance += net_amount
  sender,   completed -> TotalPayouts  += amount
  AvailableBalance = TotalEarnings - TotalPayouts

KNOWN LIMIT:
  The scan is capped at LedgerScanLimit rows, so very active accounts can
  under-report. The cap belongs to LedgerBalance only.
*/
package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerScanLimit caps the fallback scan.
const LedgerScanLimit = 1000

// BalanceSource computes a balance for one user.
type BalanceSource interface {
	// Balance returns ok=false when this source has nothing for the user.
	Balance(ctx context.Context, userID UserID) (b *Balance, ok bool, err error)
}

// =============================================================================
// MATERIALIZED STRATEGY
// =============================================================================

type MaterializedBalance struct {
	View BalanceView
}

func (m *MaterializedBalance) Balance(ctx context.Context, userID UserID) (*Balance, bool, error) {
	return m.View.BalanceAggregate(ctx, userID)
}

// =============================================================================
// LEDGER STRATEGY
// =============================================================================

type LedgerBalance struct {
	Store TransactionStore
	Limit int
}

func (l *LedgerBalance) Balance(ctx context.Context, userID UserID) (*Balance, bool, error) {
	limit := l.Limit
	if limit <= 0 {
		limit = LedgerScanLimit
	}
	txs, err := l.Store.ListUserTransactions(ctx, userID, limit)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load transactions: %w", err)
	}
	b := SumTransactions(userID, txs)
	return &b, true, nil
}

// SumTransactions applies the ledger scan rules to txs.
func SumTransactions(userID UserID, txs []Transaction) Balance {
	earnings := decimal.Zero
	pending := decimal.Zero
	payouts := decimal.Zero

	for _, tx := range txs {
		if tx.ToAccountID == userID {
			switch tx.Status {
			case TxCompleted:
				earnings = earnings.Add(tx.NetAmount)
			case TxPending:
				pending = pending.Add(tx.NetAmount)
			}
		}
		if tx.FromAccountID == userID && tx.Status == TxCompleted {
			payouts = payouts.Add(tx.Amount)
		}
	}

	return Balance{
		AvailableBalance: earnings.Sub(payouts),
		PendingBalance:   pending,
		TotalEarnings:    earnings,
		TotalPayouts:     payouts,
	}
}

// =============================================================================
// CALCULATOR
// =============================================================================

// BalanceCalculator tries each source in order and returns the first hit.
type BalanceCalculator struct {
	Sources []BalanceSource
}

// NewBalanceCalculator selects strategies by capability: a store that also
// implements BalanceView gets the materialized strategy in front of the scan.
func NewBalanceCalculator(store TransactionStore) *BalanceCalculator {
	calc := &BalanceCalculator{}
	if view, ok := store.(BalanceView); ok {
		calc.Sources = append(calc.Sources, &MaterializedBalance{View: view})
	}
	calc.Sources = append(calc.Sources, &LedgerBalance{Store: store, Limit: LedgerScanLimit})
	return calc
}

func (c *BalanceCalculator) Calculate(ctx context.Context, userID UserID) (Balance, error) {
	for _, src := range c.Sources {
		b, ok, err := src.Balance(ctx, userID)
		if err != nil {
			return Balance{}, err
		}
		if ok && b != nil {
			return *b, nil
		}
	}
	return zeroBalance(), nil
}

func zeroBalance() Balance {
	return Balance{
		AvailableBalance: decimal.Zero,
		PendingBalance:   decimal.Zero,
		TotalEarnings:    decimal.Zero,
		TotalPayouts:     decimal.Zero,
	}
}
