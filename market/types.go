/*
Package market provides the core of the lead exchange: the connection
lifecycle between lead providers and buyers, the payout ledger, webhook
reconciliation against the payment processor, and balance derivation.

PURPOSE:
  Everything money-related in the marketplace flows through this package.
  HTTP handlers, CLI commands and stores are thin adapters around it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Session:     Who is calling (provider or buyer), resolved at the API edge
  - Connection:  Negotiated relationship + terms between one provider and one buyer
  - Transaction: Ledger row for one step of money movement
  - Lead:        Externally owned record whose payout fields we reconcile
  - User:        Minimal account record (role, processor account, onboarding)

MONEY:
  All amounts are decimal.Decimal in major currency units (dollars).
  The processor speaks minor units (cents); conversion happens at the
  boundary with FromMinorUnits / ToMinorUnits.

SEE ALSO:
  - connection.go: Lifecycle engine and transition table
  - ledger.go:     Transaction ledger
  - reconcile.go:  Processor event handling
  - balance.go:    Balance strategies
*/
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ConnectionID string
type TransactionID string
type LeadID string

// =============================================================================
// SESSION - Caller identity, one variant per role
// =============================================================================

type Role string

const (
	RoleProvider Role = "provider"
	RoleBuyer    Role = "buyer"
)

// Valid reports whether r is a known marketplace role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleBuyer
}

// Session is the authenticated caller. It is a closed set: only
// ProviderSession and BuyerSession satisfy it.
type Session interface {
	UserID() UserID
	Role() Role
	isSession()
}

type ProviderSession struct {
	ID UserID
}

func (s ProviderSession) UserID() UserID { return s.ID }
func (s ProviderSession) Role() Role     { return RoleProvider }
func (ProviderSession) isSession()       {}

type BuyerSession struct {
	ID UserID
}

func (s BuyerSession) UserID() UserID { return s.ID }
func (s BuyerSession) Role() Role     { return RoleBuyer }
func (BuyerSession) isSession()       {}

// NewSession builds the session variant for role.
func NewSession(id UserID, role Role) (Session, error) {
	switch role {
	case RoleProvider:
		return ProviderSession{ID: id}, nil
	case RoleBuyer:
		return BuyerSession{ID: id}, nil
	default:
		return nil, &ValidationError{Field: "role", Message: "must be provider or buyer"}
	}
}

// =============================================================================
// USER
// =============================================================================

type User struct {
	ID                 UserID    `json:"id"`
	Email              string    `json:"email"`
	Role               Role      `json:"role"`
	StripeAccountID    string    `json:"stripe_account_id,omitempty"`
	OnboardingComplete bool      `json:"onboarding_complete"`
	CreatedAt          time.Time `json:"created_at"`
}

// =============================================================================
// CONNECTION - Provider/buyer relationship and terms
// =============================================================================

type ConnectionStatus string

const (
	StatusPendingBuyerReview    ConnectionStatus = "pending_buyer_review"
	StatusPendingProviderAccept ConnectionStatus = "pending_provider_accept"
	StatusActive                ConnectionStatus = "active"
	StatusDeclinedByProvider    ConnectionStatus = "declined_by_provider"
	StatusRejectedByBuyer       ConnectionStatus = "rejected_by_buyer"
	StatusTerminated            ConnectionStatus = "terminated"
)

// Terminal reports whether no transition leaves s.
func (s ConnectionStatus) Terminal() bool {
	switch s {
	case StatusDeclinedByProvider, StatusRejectedByBuyer, StatusTerminated:
		return true
	}
	return false
}

// Pending reports whether s is waiting on one of the parties.
func (s ConnectionStatus) Pending() bool {
	return s == StatusPendingBuyerReview || s == StatusPendingProviderAccept
}

type PaymentTiming string

const (
	TimingPerLead PaymentTiming = "per_lead"
	TimingWeekly  PaymentTiming = "weekly"
	TimingMonthly PaymentTiming = "monthly"
)

func (p PaymentTiming) Valid() bool {
	switch p {
	case TimingPerLead, TimingWeekly, TimingMonthly:
		return true
	}
	return false
}

const DefaultTerminationNoticeDays = 7

// Terms are the negotiated commercial conditions of a connection.
type Terms struct {
	RatePerLead           decimal.Decimal `json:"rate_per_lead"`
	PaymentTiming         PaymentTiming   `json:"payment_timing,omitempty"`
	WeeklyLeadCap         *int            `json:"weekly_lead_cap,omitempty"`
	MonthlyLeadCap        *int            `json:"monthly_lead_cap,omitempty"`
	TerminationNoticeDays int             `json:"termination_notice_days"`
}

type Initiator string

const (
	InitiatorProvider Initiator = "provider"
	InitiatorBuyer    Initiator = "buyer"
)

type Connection struct {
	ID         ConnectionID     `json:"id"`
	ProviderID UserID           `json:"provider_id"`
	BuyerID    UserID           `json:"buyer_id"`
	Status     ConnectionStatus `json:"status"`
	Initiator  Initiator        `json:"initiator"`
	Terms
	Message        string     `json:"message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	TermsUpdatedAt *time.Time `json:"terms_updated_at,omitempty"`
}

// IsParty reports whether id is the provider or the buyer of c.
func (c *Connection) IsParty(id UserID) bool {
	return id != "" && (c.ProviderID == id || c.BuyerID == id)
}

// SideOf returns the role id plays in c, or "" if id is not a party.
func (c *Connection) SideOf(id UserID) Role {
	switch id {
	case c.ProviderID:
		return RoleProvider
	case c.BuyerID:
		return RoleBuyer
	}
	return ""
}

// ConnectionFilter narrows ListConnections. Zero values match everything.
type ConnectionFilter struct {
	ProviderID UserID
	BuyerID    UserID
	Statuses   []ConnectionStatus
	Limit      int
}

// =============================================================================
// TRANSACTION - Ledger entry
// =============================================================================

type TransactionType string

const (
	TxLeadPayout TransactionType = "lead_payout"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// CanMoveTo reports whether a transaction may go from s to next.
// Failed is terminal; completed may only fall to failed (reversal).
func (s TransactionStatus) CanMoveTo(next TransactionStatus) bool {
	switch s {
	case TxPending:
		return next == TxCompleted || next == TxFailed
	case TxCompleted:
		return next == TxFailed
	}
	return false
}

type Transaction struct {
	ID               TransactionID     `json:"id"`
	Type             TransactionType   `json:"type"`
	Status           TransactionStatus `json:"status"`
	Amount           decimal.Decimal   `json:"amount"`
	FeeAmount        decimal.Decimal   `json:"fee_amount"`
	NetAmount        decimal.Decimal   `json:"net_amount"`
	FromAccountID    UserID            `json:"from_account_id,omitempty"`
	ToAccountID      UserID            `json:"to_account_id,omitempty"`
	LeadID           LeadID            `json:"lead_id,omitempty"`
	ConnectionID     ConnectionID      `json:"connection_id,omitempty"`
	StripePaymentID  string            `json:"stripe_payment_id,omitempty"`
	StripeTransferID string            `json:"stripe_transfer_id,omitempty"`
	Description      string            `json:"description,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// TransactionUpdate is the set of fields a status change may touch.
type TransactionUpdate struct {
	Status           TransactionStatus
	StripeTransferID string
	CompletedAt      *time.Time
	Metadata         map[string]string
}

// =============================================================================
// LEAD - Externally owned, payout fields reconciled here
// =============================================================================

type LeadStatus string

const (
	LeadAvailable LeadStatus = "available"
	LeadClaimed   LeadStatus = "claimed"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

type Lead struct {
	ID                LeadID          `json:"id"`
	ProviderID        UserID          `json:"provider_id"`
	BuyerID           UserID          `json:"buyer_id,omitempty"`
	ConnectionID      ConnectionID    `json:"connection_id,omitempty"`
	Status            LeadStatus      `json:"status"`
	ContactName       string          `json:"contact_name"`
	ContactEmail      string          `json:"contact_email,omitempty"`
	ContactPhone      string          `json:"contact_phone,omitempty"`
	InsuranceType     string          `json:"insurance_type,omitempty"`
	Price             decimal.Decimal `json:"price"`
	PayoutStatus      PayoutStatus    `json:"payout_status,omitempty"`
	StripePaymentID   string          `json:"stripe_payment_id,omitempty"`
	StripeTransferID  string          `json:"stripe_transfer_id,omitempty"`
	PayoutCompletedAt *time.Time      `json:"payout_completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
}

// LeadClaim is the compare-and-swap payload for claiming an available lead.
type LeadClaim struct {
	BuyerID         UserID
	ConnectionID    ConnectionID
	Price           decimal.Decimal
	StripePaymentID string
	ClaimedAt       time.Time
}

// PayoutUpdate carries the reconciled payout fields of a lead.
type PayoutUpdate struct {
	Status            PayoutStatus
	StripeTransferID  string
	PayoutCompletedAt *time.Time
}

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	PendingBalance   decimal.Decimal `json:"pendingBalance"`
	TotalEarnings    decimal.Decimal `json:"totalEarnings"`
	TotalPayouts     decimal.Decimal `json:"totalPayouts"`
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// FromMinorUnits converts a processor amount (cents) to major units.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ToMinorUnits converts major units to cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
