/*
store.go - Persistence interfaces for the marketplace core

PURPOSE:
  Defines the boundary between the engines in this package and the
  database. Implementations:
  - market/store/memory.go:     in-memory (tests, dev)
  - store/sqlite/sqlite.go:     SQLite
  - store/postgres/postgres.go: PostgreSQL (also implements BalanceView)

GUARDED WRITES:
  Every status change is a compare-and-swap on the current status.
  UpdateConnection, UpdateTransaction and ClaimLead take the status the
  caller read and fail with ErrConcurrentModification (or
  ErrLeadUnavailable) if it moved. This is the only concurrency control
  the core relies on; there are no in-process locks around business logic.

NEVER DELETED:
  Connections, transactions and leads have no Delete method. Terminal
  states are retained for audit.
*/
package market

import (
	"context"
	"time"
)

// =============================================================================
// CONNECTION STORE
// =============================================================================

type ConnectionStore interface {
	// CreateConnection inserts c. Returns ErrConnectionExists if the
	// (provider, buyer) pair already has a connection.
	CreateConnection(ctx context.Context, c Connection) error

	// GetConnection returns ErrConnectionNotFound for unknown ids.
	GetConnection(ctx context.Context, id ConnectionID) (*Connection, error)

	// FindConnection looks up the connection for a pair.
	FindConnection(ctx context.Context, providerID, buyerID UserID) (*Connection, error)

	// ListConnections returns matches newest first.
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]Connection, error)

	// UpdateConnection overwrites c only if the stored status equals expected.
	UpdateConnection(ctx context.Context, c Connection, expected ConnectionStatus) error
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

type TransactionStore interface {
	// AppendTransaction inserts tx. Returns ErrDuplicatePaymentID when
	// tx.StripePaymentID is already recorded.
	AppendTransaction(ctx context.Context, tx Transaction) error

	GetTransactionByPaymentID(ctx context.Context, paymentID string) (*Transaction, error)

	// LatestLeadTransaction returns the newest transaction of txType for a lead.
	LatestLeadTransaction(ctx context.Context, leadID LeadID, txType TransactionType) (*Transaction, error)

	// UpdateTransaction applies u only if the stored status equals expected.
	UpdateTransaction(ctx context.Context, id TransactionID, u TransactionUpdate, expected TransactionStatus) error

	// ListUserTransactions returns transactions where the user is sender or
	// receiver, newest first, at most limit rows.
	ListUserTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}

// =============================================================================
// LEAD STORE
// =============================================================================

type LeadStore interface {
	CreateLead(ctx context.Context, lead Lead) error
	GetLead(ctx context.Context, id LeadID) (*Lead, error)

	// ClaimLead moves an available lead to claimed. Returns ErrLeadUnavailable
	// if the lead is no longer available.
	ClaimLead(ctx context.Context, id LeadID, claim LeadClaim) error

	// UpdateLeadPayout writes the payout fields. Empty StripeTransferID and nil
	// PayoutCompletedAt leave the stored values untouched.
	UpdateLeadPayout(ctx context.Context, id LeadID, u PayoutUpdate) error
}

// =============================================================================
// USER STORE
// =============================================================================

type UserStore interface {
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)

	// SetOnboardingComplete updates the user owning the processor account.
	// Returns false (and no error) when no user matches.
	SetOnboardingComplete(ctx context.Context, stripeAccountID string, complete bool) (bool, error)
}

// =============================================================================
// EVENT LOG - Processed webhook events
// =============================================================================

type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkEventProcessed records eventID. Recording an id twice is not an error.
	MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
}

// =============================================================================
// BALANCE VIEW - Optional precomputed aggregate
// =============================================================================

// BalanceView is implemented by stores that maintain a per-user aggregate.
// The second return is false when no aggregate row exists for the user.
type BalanceView interface {
	BalanceAggregate(ctx context.Context, userID UserID) (*Balance, bool, error)
}

// Store is the full set of persistence a running server needs.
type Store interface {
	ConnectionStore
	TransactionStore
	LeadStore
	UserStore
	EventLog
}
