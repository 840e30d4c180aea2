/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
  Populates a fresh database with marketplace data that shows a specific
  part of the system: connection negotiation, lead claims and the payout
  lifecycle. Every scenario drives the real services (ConnectionService,
  ClaimService, Reconciler) rather than writing rows directly, so the data
  is exactly what the API would have produced.

AVAILABLE SCENARIOS:
  pending-request:   Provider asked to connect; buyer has not set terms
  buyer-invitation:  Buyer invited a provider with terms; awaiting accept
  active-connection: Accepted connection with two unclaimed leads
  payout-completed:  Lead claimed, payment succeeded, transfer created
  payout-reversed:   As payout-completed, then the transfer was reversed

HOW SCENARIOS WORK:
 1. Create the demo provider and buyer users
 2. Negotiate the connection through ConnectionService
 3. Submit and claim leads through ClaimService
 4. Feed synthetic processor events to the Reconciler

USAGE:
  leadx seed --list
  leadx seed payout-completed

NOTE:
  Scenarios use fixed user ids and refuse to load twice into the same
  database. There is no reset; point LEADX_DATABASE_DSN at a fresh file.

SEE ALSO:
  - cmd/server/seed.go: CLI wiring
  - market/reconcile.go: How the synthetic events are applied
*/
package scenarios

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/lead-exchange/market"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

var scenarios = []Scenario{
	{
		ID:          "pending-request",
		Name:        "Pending Request",
		Description: "Provider requested a connection; buyer review pending",
		Category:    "connections",
	},
	{
		ID:          "buyer-invitation",
		Name:        "Buyer Invitation",
		Description: "Buyer invited a provider at $45/lead, weekly; provider accept pending",
		Category:    "connections",
	},
	{
		ID:          "active-connection",
		Name:        "Active Connection",
		Description: "Accepted connection with two leads ready to claim",
		Category:    "connections",
	},
	{
		ID:          "payout-completed",
		Name:        "Payout Completed",
		Description: "Claimed lead whose payment and transfer both went through",
		Category:    "payouts",
	},
	{
		ID:          "payout-reversed",
		Name:        "Payout Reversed",
		Description: "Completed payout whose transfer was later reversed",
		Category:    "payouts",
	},
}

// Demo identities shared by every scenario.
const (
	ProviderID      market.UserID = "demo-provider"
	BuyerID         market.UserID = "demo-buyer"
	ProviderAccount               = "acct_demo_provider"
)

var ErrAlreadyLoaded = errors.New("demo data already present; use a fresh database")

// List returns the available scenarios.
func List() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// =============================================================================
// LOADER
// =============================================================================

type Loader struct {
	Store     market.Store
	Processor market.PaymentProcessor
	Log       logrus.FieldLogger
	Now       func() time.Time

	connections *market.ConnectionService
	claims      *market.ClaimService
	reconciler  *market.Reconciler
	events      int
}

func NewLoader(store market.Store, processor market.PaymentProcessor, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		Store:     store,
		Processor: processor,
		Log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Load runs the scenario with the given id.
func (l *Loader) Load(ctx context.Context, id string) error {
	l.connections = market.NewConnectionService(l.Store, l.Store)
	l.connections.Now = l.Now
	l.claims = market.NewClaimService(l.Store, l.Store, l.connections, l.Processor, "usd")
	l.claims.Now = l.Now
	l.claims.Log = l.Log
	l.reconciler = market.NewReconciler(l.Store, l.Log)
	l.reconciler.Now = l.Now

	var load func(context.Context) error
	switch id {
	case "pending-request":
		load = l.loadPendingRequest
	case "buyer-invitation":
		load = l.loadBuyerInvitation
	case "active-connection":
		load = l.loadActiveConnection
	case "payout-completed":
		load = l.loadPayoutCompleted
	case "payout-reversed":
		load = l.loadPayoutReversed
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}

	if _, err := l.Store.GetUser(ctx, ProviderID); err == nil {
		return ErrAlreadyLoaded
	} else if !errors.Is(err, market.ErrUserNotFound) {
		return err
	}

	if err := l.createUsers(ctx); err != nil {
		return err
	}
	if err := load(ctx); err != nil {
		return fmt.Errorf("failed to load scenario %s: %w", id, err)
	}

	l.Log.WithField("scenario", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (l *Loader) loadPendingRequest(ctx context.Context) error {
	_, err := l.connections.Request(ctx, market.ProviderSession{ID: ProviderID}, market.CreateConnectionInput{
		CounterpartID: BuyerID,
		Message:       "Exclusive auto insurance leads from the Pacific Northwest.",
	})
	return err
}

func (l *Loader) loadBuyerInvitation(ctx context.Context) error {
	_, err := l.invite(ctx)
	return err
}

func (l *Loader) loadActiveConnection(ctx context.Context) error {
	if _, err := l.activeConnection(ctx); err != nil {
		return err
	}
	for _, name := range []string{"Jordan Lee", "Morgan Diaz"} {
		if _, err := l.submitLead(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadPayoutCompleted(ctx context.Context) error {
	_, err := l.completedPayout(ctx)
	return err
}

func (l *Loader) loadPayoutReversed(ctx context.Context) error {
	lead, err := l.completedPayout(ctx)
	if err != nil {
		return err
	}
	return l.emit(ctx, market.EventTransferReversed, map[string]any{
		"id":             "tr_demo_" + string(lead.ID),
		"transfer_group": market.TransferGroupPrefix + string(lead.ID),
	})
}

// =============================================================================
// BUILDING BLOCKS
// =============================================================================

func (l *Loader) createUsers(ctx context.Context) error {
	now := l.Now()
	for _, u := range []market.User{
		{
			ID:                 ProviderID,
			Email:              "provider@demo.leadx.dev",
			Role:               market.RoleProvider,
			StripeAccountID:    ProviderAccount,
			OnboardingComplete: true,
			CreatedAt:          now,
		},
		{
			ID:        BuyerID,
			Email:     "buyer@demo.leadx.dev",
			Role:      market.RoleBuyer,
			CreatedAt: now,
		},
	} {
		if err := l.Store.SaveUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) invite(ctx context.Context) (*market.Connection, error) {
	rate := decimal.NewFromInt(45)
	weeklyCap := 50
	return l.connections.Request(ctx, market.BuyerSession{ID: BuyerID}, market.CreateConnectionInput{
		CounterpartID: ProviderID,
		Message:       "Looking for 50 auto leads a week.",
		Terms: &market.TermsInput{
			RatePerLead:   &rate,
			PaymentTiming: market.TimingWeekly,
			WeeklyLeadCap: &weeklyCap,
		},
	})
}

func (l *Loader) activeConnection(ctx context.Context) (*market.Connection, error) {
	conn, err := l.invite(ctx)
	if err != nil {
		return nil, err
	}
	return l.connections.Apply(ctx, market.ProviderSession{ID: ProviderID}, conn.ID, market.ActionInput{
		Action: market.ActionAccept,
	})
}

func (l *Loader) submitLead(ctx context.Context, name string) (*market.Lead, error) {
	return l.claims.Submit(ctx, market.ProviderSession{ID: ProviderID}, market.SubmitLeadInput{
		ContactName:   name,
		InsuranceType: "auto",
	})
}

// completedPayout claims a lead and reports the payment and transfer as the
// processor would.
func (l *Loader) completedPayout(ctx context.Context) (*market.Lead, error) {
	if _, err := l.activeConnection(ctx); err != nil {
		return nil, err
	}
	lead, err := l.submitLead(ctx, "Riley Chen")
	if err != nil {
		return nil, err
	}

	res, err := l.claims.Claim(ctx, market.BuyerSession{ID: BuyerID}, lead.ID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		market.MetaType:         string(market.TxLeadPayout),
		market.MetaLeadID:       string(lead.ID),
		market.MetaConnectionID: string(res.Lead.ConnectionID),
		market.MetaProviderID:   string(ProviderID),
		market.MetaBuyerID:      string(BuyerID),
	}
	if err := l.emit(ctx, market.EventPaymentIntentSucceeded, map[string]any{
		"id":       res.PaymentIntent.ID,
		"amount":   market.ToMinorUnits(res.Lead.Price),
		"currency": "usd",
		"metadata": metadata,
	}); err != nil {
		return nil, err
	}
	if err := l.emit(ctx, market.EventTransferCreated, map[string]any{
		"id":             "tr_demo_" + string(lead.ID),
		"amount":         market.ToMinorUnits(res.Lead.Price),
		"destination":    ProviderAccount,
		"transfer_group": market.TransferGroupPrefix + string(lead.ID),
	}); err != nil {
		return nil, err
	}
	return res.Lead, nil
}

// emit feeds one synthetic processor event through the reconciler.
func (l *Loader) emit(ctx context.Context, eventType string, object any) error {
	data, err := json.Marshal(object)
	if err != nil {
		return err
	}
	l.events++
	ev := market.ProcessorEvent{
		ID:      fmt.Sprintf("evt_demo_%d_%d", l.Now().Unix(), l.events),
		Type:    eventType,
		Created: l.Now(),
		Data:    data,
	}
	if outcome := l.reconciler.Handle(ctx, ev); outcome != market.OutcomeApplied {
		return fmt.Errorf("%s was %s", eventType, outcome)
	}
	return nil
}
