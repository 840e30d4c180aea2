/*
connection.go - Connection lifecycle between providers and buyers

PURPOSE:
  Enforces the negotiation state machine for a provider/buyer connection.
  Every mutation goes through Apply, which checks party, role and
  current status before a single guarded write.

STATE MACHINE:

    provider request                      buyer invitation (with terms)
          │                                         │
          ▼                                         ▼
  pending_buyer_review ──set_terms──▶ pending_provider_accept
          │                                │            │
        reject                           accept      decline
          ▼                                ▼            ▼
  rejected_by_buyer                     active    declined_by_provider
                                        │   ▲
                               terminate│   │update_terms
                                        ▼   │
                                   terminated

  Terminal: declined_by_provider, rejected_by_buyer, terminated.

CHECK ORDER (Apply):
  1. Action is known                    -> ValidationError
  2. Connection exists                  -> ErrConnectionNotFound
  3. Caller is a party, with the role
     the action requires                -> AuthorizationError
  4. Status equals the precondition     -> StateConflictError
  5. Fields are valid                   -> ValidationError
  6. Guarded write (status CAS)         -> StateConflictError on a lost race

SEE ALSO:
  - store.go: UpdateConnection compare-and-swap contract
  - claim.go: RequireActive gate for money movement
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

// =============================================================================
// ACTIONS AND TRANSITION TABLE
// =============================================================================

type Action string

const (
	ActionSetTerms    Action = "set_terms"
	ActionAccept      Action = "accept"
	ActionDecline     Action = "decline"
	ActionReject      Action = "reject"
	ActionTerminate   Action = "terminate"
	ActionUpdateTerms Action = "update_terms"
)

type transition struct {
	actor Role // empty means either party
	from  ConnectionStatus
	to    ConnectionStatus
	terms bool
}

var transitions = map[Action]transition{
	ActionSetTerms:    {actor: RoleBuyer, from: StatusPendingBuyerReview, to: StatusPendingProviderAccept, terms: true},
	ActionAccept:      {actor: RoleProvider, from: StatusPendingProviderAccept, to: StatusActive},
	ActionDecline:     {actor: RoleProvider, from: StatusPendingProviderAccept, to: StatusDeclinedByProvider},
	ActionReject:      {actor: RoleBuyer, from: StatusPendingBuyerReview, to: StatusRejectedByBuyer},
	ActionTerminate:   {from: StatusActive, to: StatusTerminated},
	ActionUpdateTerms: {actor: RoleBuyer, from: StatusActive, to: StatusActive, terms: true},
}

// Actions returns every known action.
func Actions() []Action {
	return []Action{ActionSetTerms, ActionAccept, ActionDecline, ActionReject, ActionTerminate, ActionUpdateTerms}
}

// Valid reports whether a is in the transition table.
func (a Action) Valid() bool {
	_, ok := transitions[a]
	return ok
}

// =============================================================================
// INPUTS
// =============================================================================

// TermsInput carries terms from a request. Nil fields are "not supplied".
type TermsInput struct {
	RatePerLead           *decimal.Decimal
	PaymentTiming         PaymentTiming
	WeeklyLeadCap         *int
	MonthlyLeadCap        *int
	TerminationNoticeDays *int
}

func (in *TermsInput) empty() bool {
	return in == nil || (in.RatePerLead == nil && in.PaymentTiming == "" &&
		in.WeeklyLeadCap == nil && in.MonthlyLeadCap == nil && in.TerminationNoticeDays == nil)
}

// merge overlays the supplied fields on base. When full is true, rate and
// timing must end up set.
func (in *TermsInput) merge(base Terms, full bool) (Terms, error) {
	out := base
	if in != nil {
		if in.RatePerLead != nil {
			out.RatePerLead = *in.RatePerLead
		}
		if in.PaymentTiming != "" {
			out.PaymentTiming = in.PaymentTiming
		}
		if in.WeeklyLeadCap != nil {
			out.WeeklyLeadCap = copyInt(in.WeeklyLeadCap)
		}
		if in.MonthlyLeadCap != nil {
			out.MonthlyLeadCap = copyInt(in.MonthlyLeadCap)
		}
		if in.TerminationNoticeDays != nil {
			out.TerminationNoticeDays = *in.TerminationNoticeDays
		}
	}

	if full && (in == nil || in.RatePerLead == nil) {
		return Terms{}, invalid("rate_per_lead", "is required")
	}
	if full && (in == nil || in.PaymentTiming == "") {
		return Terms{}, invalid("payment_timing", "is required")
	}
	if !out.RatePerLead.IsPositive() {
		return Terms{}, invalid("rate_per_lead", "must be greater than zero")
	}
	if !out.RatePerLead.Equal(out.RatePerLead.Round(2)) {
		return Terms{}, invalid("rate_per_lead", "must have at most two decimal places")
	}
	if !out.PaymentTiming.Valid() {
		return Terms{}, invalid("payment_timing", "must be one of per_lead, weekly, monthly")
	}
	if out.WeeklyLeadCap != nil && *out.WeeklyLeadCap <= 0 {
		return Terms{}, invalid("weekly_lead_cap", "must be positive")
	}
	if out.MonthlyLeadCap != nil && *out.MonthlyLeadCap <= 0 {
		return Terms{}, invalid("monthly_lead_cap", "must be positive")
	}
	if out.TerminationNoticeDays < 0 {
		return Terms{}, invalid("termination_notice_days", "must not be negative")
	}
	return out, nil
}

type CreateConnectionInput struct {
	CounterpartID UserID
	Message       string
	Terms         *TermsInput
}

type ActionInput struct {
	Action Action
	Terms  *TermsInput
}

// ListScope selects which connections List returns.
type ListScope string

const (
	ScopeAll     ListScope = ""
	ScopePending ListScope = "pending"
	ScopeActive  ListScope = "active"
)

// =============================================================================
// CONNECTION SERVICE
// =============================================================================

type ConnectionService struct {
	Connections ConnectionStore
	Users       UserStore
	Now         func() time.Time
	NewID       func() string
}

func NewConnectionService(connections ConnectionStore, users UserStore) *ConnectionService {
	return &ConnectionService{
		Connections: connections,
		Users:       users,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// Request creates a connection. A provider's request waits for the buyer to
// set terms; a buyer's invitation carries terms and waits for the provider.
func (s *ConnectionService) Request(ctx context.Context, sess Session, in CreateConnectionInput) (*Connection, error) {
	if in.CounterpartID == "" {
		return nil, invalid("counterpart_id", "is required")
	}
	if in.CounterpartID == sess.UserID() {
		return nil, invalid("counterpart_id", "cannot connect to yourself")
	}

	counterpart, err := s.Users.GetUser(ctx, in.CounterpartID)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	conn := Connection{
		ID:        ConnectionID(s.NewID()),
		Message:   in.Message,
		CreatedAt: now,
		Terms:     Terms{TerminationNoticeDays: DefaultTerminationNoticeDays},
	}

	switch sess.(type) {
	case ProviderSession:
		if counterpart.Role != RoleBuyer {
			return nil, invalid("counterpart_id", "must be a buyer")
		}
		conn.ProviderID = sess.UserID()
		conn.BuyerID = counterpart.ID
		conn.Initiator = InitiatorProvider
		conn.Status = StatusPendingBuyerReview

	case BuyerSession:
		if counterpart.Role != RoleProvider {
			return nil, invalid("counterpart_id", "must be a provider")
		}
		terms, err := in.Terms.merge(conn.Terms, true)
		if err != nil {
			return nil, err
		}
		conn.ProviderID = counterpart.ID
		conn.BuyerID = sess.UserID()
		conn.Initiator = InitiatorBuyer
		conn.Status = StatusPendingProviderAccept
		conn.Terms = terms
		conn.TermsUpdatedAt = &now
	}

	existing, err := s.Connections.FindConnection(ctx, conn.ProviderID, conn.BuyerID)
	switch {
	case err == nil && existing != nil:
		return nil, ErrConnectionExists
	case err != nil && !errors.Is(err, ErrConnectionNotFound):
		return nil, err
	}

	if err := s.Connections.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Get returns a connection the session is a party to.
func (s *ConnectionService) Get(ctx context.Context, sess Session, id ConnectionID) (*Connection, error) {
	conn, err := s.Connections.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conn.IsParty(sess.UserID()) {
		return nil, forbidden(sess.UserID(), "not a party to this connection")
	}
	return conn, nil
}

// List returns the session's connections on its own side, newest first.
func (s *ConnectionService) List(ctx context.Context, sess Session, scope ListScope) ([]Connection, error) {
	filter := ConnectionFilter{}
	switch sess.Role() {
	case RoleProvider:
		filter.ProviderID = sess.UserID()
	case RoleBuyer:
		filter.BuyerID = sess.UserID()
	}

	switch scope {
	case ScopeAll:
	case ScopePending:
		filter.Statuses = []ConnectionStatus{StatusPendingBuyerReview, StatusPendingProviderAccept}
	case ScopeActive:
		filter.Statuses = []ConnectionStatus{StatusActive}
	default:
		return nil, invalid("status", "must be pending or active")
	}

	return s.Connections.ListConnections(ctx, filter)
}

// Apply performs one action from the transition table.
func (s *ConnectionService) Apply(ctx context.Context, sess Session, id ConnectionID, in ActionInput) (*Connection, error) {
	t, ok := transitions[in.Action]
	if !ok {
		return nil, invalid("action", "unknown action %q", in.Action)
	}

	conn, err := s.Connections.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := authorize(sess, conn, in.Action, t); err != nil {
		return nil, err
	}

	if conn.Status != t.from {
		return nil, &StateConflictError{
			ConnectionID: conn.ID,
			Action:       in.Action,
			Expected:     []ConnectionStatus{t.from},
			Actual:       conn.Status,
		}
	}

	next := *conn
	next.Status = t.to
	now := s.Now()

	switch in.Action {
	case ActionSetTerms:
		terms, err := in.Terms.merge(conn.Terms, true)
		if err != nil {
			return nil, err
		}
		next.Terms = terms
	case ActionUpdateTerms:
		if in.Terms.empty() {
			return nil, invalid("terms", "at least one term must be supplied")
		}
		terms, err := in.Terms.merge(conn.Terms, false)
		if err != nil {
			return nil, err
		}
		next.Terms = terms
		next.TermsUpdatedAt = &now
	case ActionAccept:
		next.AcceptedAt = &now
	}

	if err := s.Connections.UpdateConnection(ctx, next, conn.Status); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil, s.lostRace(ctx, conn.ID, in.Action, t.from)
		}
		return nil, fmt.Errorf("failed to persist %s: %w", in.Action, err)
	}
	return &next, nil
}

// RequireActive returns the provider/buyer connection if it is active.
func (s *ConnectionService) RequireActive(ctx context.Context, providerID, buyerID UserID) (*Connection, error) {
	conn, err := s.Connections.FindConnection(ctx, providerID, buyerID)
	if errors.Is(err, ErrConnectionNotFound) {
		return nil, ErrConnectionNotActive
	}
	if err != nil {
		return nil, err
	}
	if conn.Status != StatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrConnectionNotActive, conn.Status)
	}
	return conn, nil
}

func (s *ConnectionService) lostRace(ctx context.Context, id ConnectionID, action Action, expected ConnectionStatus) error {
	current, err := s.Connections.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	return &StateConflictError{
		ConnectionID: id,
		Action:       action,
		Expected:     []ConnectionStatus{expected},
		Actual:       current.Status,
	}
}

func authorize(sess Session, conn *Connection, action Action, t transition) error {
	side := conn.SideOf(sess.UserID())
	if side == "" {
		return forbidden(sess.UserID(), "not a party to this connection")
	}
	if side != sess.Role() {
		return forbidden(sess.UserID(), "session role %s does not match your side of this connection", sess.Role())
	}
	if t.actor != "" && side != t.actor {
		return forbidden(sess.UserID(), "only the %s may %s", t.actor, action)
	}
	return nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
