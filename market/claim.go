/*
claim.go - Lead submission and buyer claims

PURPOSE:
  Providers submit leads; a buyer with an active connection to the
  provider claims one, which creates a PaymentIntent at the processor.
  The ledger row is NOT written here: it appears when the processor
  reports payment_intent.succeeded (see reconcile.go).

CLAIM FLOW:
  1. Lead exists and is available
  2. Provider/buyer connection is active      (ErrConnectionNotActive)
  3. Price = connection rate_per_lead
  4. PaymentIntent with lead payout metadata; transfer to the provider's
     processor account when their onboarding is complete
  5. Lead -> claimed (guarded on status)        (ErrLeadUnavailable)
     A buyer that loses the race has its PaymentIntent cancelled; the client
     never saw its secret, so nothing else would close it.
*/
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// PAYMENT PROCESSOR
// =============================================================================

type PaymentIntentRequest struct {
	Amount             decimal.Decimal
	Currency           string
	Description        string
	DestinationAccount string
	TransferGroup      string
	Metadata           map[string]string
	IdempotencyKey     string
}

type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status"`
	Simulated    bool   `json:"simulated,omitempty"`
}

// PaymentProcessor creates payments at the external processor.
type PaymentProcessor interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) error
}

// =============================================================================
// CLAIM SERVICE
// =============================================================================

type SubmitLeadInput struct {
	ContactName   string
	ContactEmail  string
	ContactPhone  string
	InsuranceType string
}

type ClaimResult struct {
	Lead          *Lead          `json:"lead"`
	PaymentIntent *PaymentIntent `json:"payment_intent"`
}

type ClaimService struct {
	Leads       LeadStore
	Users       UserStore
	Connections *ConnectionService
	Processor   PaymentProcessor
	Currency    string
	Log         logrus.FieldLogger
	Now         func() time.Time
	NewID       func() string
}

func NewClaimService(leads LeadStore, users UserStore, connections *ConnectionService, processor PaymentProcessor, currency string) *ClaimService {
	if currency == "" {
		currency = "usd"
	}
	return &ClaimService{
		Leads:       leads,
		Users:       users,
		Connections: connections,
		Processor:   processor,
		Currency:    strings.ToLower(currency),
		Log:         logrus.StandardLogger(),
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// Submit records a new available lead owned by the provider session.
func (s *ClaimService) Submit(ctx context.Context, sess Session, in SubmitLeadInput) (*Lead, error) {
	if _, ok := sess.(ProviderSession); !ok {
		return nil, forbidden(sess.UserID(), "only providers may submit leads")
	}
	if strings.TrimSpace(in.ContactName) == "" {
		return nil, invalid("contact_name", "is required")
	}

	lead := Lead{
		ID:            LeadID(s.NewID()),
		ProviderID:    sess.UserID(),
		Status:        LeadAvailable,
		ContactName:   strings.TrimSpace(in.ContactName),
		ContactEmail:  in.ContactEmail,
		ContactPhone:  in.ContactPhone,
		InsuranceType: in.InsuranceType,
		Price:         decimal.Zero,
		CreatedAt:     s.Now(),
	}
	if err := s.Leads.CreateLead(ctx, lead); err != nil {
		return nil, err
	}
	return &lead, nil
}

// Get returns a lead visible to the session: its provider, or the buyer
// that claimed it.
func (s *ClaimService) Get(ctx context.Context, sess Session, id LeadID) (*Lead, error) {
	lead, err := s.Leads.GetLead(ctx, id)
	if err != nil {
		return nil, err
	}
	if lead.ProviderID != sess.UserID() && lead.BuyerID != sess.UserID() {
		return nil, forbidden(sess.UserID(), "not allowed to view this lead")
	}
	return lead, nil
}

// Claim reserves a lead for the buyer and starts payment.
func (s *ClaimService) Claim(ctx context.Context, sess Session, id LeadID) (*ClaimResult, error) {
	if _, ok := sess.(BuyerSession); !ok {
		return nil, forbidden(sess.UserID(), "only buyers may claim leads")
	}

	lead, err := s.Leads.GetLead(ctx, id)
	if err != nil {
		return nil, err
	}
	if lead.Status != LeadAvailable {
		return nil, ErrLeadUnavailable
	}

	conn, err := s.Connections.RequireActive(ctx, lead.ProviderID, sess.UserID())
	if err != nil {
		return nil, err
	}

	provider, err := s.Users.GetUser(ctx, lead.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}

	req := PaymentIntentRequest{
		Amount:        conn.RatePerLead,
		Currency:      s.Currency,
		Description:   fmt.Sprintf("Lead %s", lead.ID),
		TransferGroup: TransferGroupPrefix + string(lead.ID),
		Metadata: map[string]string{
			MetaType:         string(TxLeadPayout),
			MetaLeadID:       string(lead.ID),
			MetaConnectionID: string(conn.ID),
			MetaProviderID:   string(lead.ProviderID),
			MetaBuyerID:      string(sess.UserID()),
		},
		IdempotencyKey: fmt.Sprintf("claim-%s-%s", lead.ID, sess.UserID()),
	}
	if provider.OnboardingComplete && provider.StripeAccountID != "" {
		req.DestinationAccount = provider.StripeAccountID
	}

	intent, err := s.Processor.CreatePaymentIntent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	now := s.Now()
	if err := s.Leads.ClaimLead(ctx, lead.ID, LeadClaim{
		BuyerID:         sess.UserID(),
		ConnectionID:    conn.ID,
		Price:           conn.RatePerLead,
		StripePaymentID: intent.ID,
		ClaimedAt:       now,
	}); err != nil {
		if errors.Is(err, ErrLeadUnavailable) {
			s.abandon(ctx, lead.ID, intent.ID)
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim lead: %w", err)
	}

	lead.Status = LeadClaimed
	lead.BuyerID = sess.UserID()
	lead.ConnectionID = conn.ID
	lead.Price = conn.RatePerLead
	lead.PayoutStatus = PayoutPending
	lead.StripePaymentID = intent.ID
	lead.ClaimedAt = &now

	return &ClaimResult{Lead: lead, PaymentIntent: intent}, nil
}

// abandon cancels the intent of a claim that lost the race for the lead.
// A failed cancel is logged with the intent id for manual cleanup.
func (s *ClaimService) abandon(ctx context.Context, leadID LeadID, intentID string) {
	log := s.Log.WithFields(logrus.Fields{"lead_id": leadID, "payment_id": intentID})
	if err := s.Processor.CancelPaymentIntent(ctx, intentID); err != nil {
		log.WithError(err).Error("failed to cancel payment intent for lost claim")
		return
	}
	log.Info("cancelled payment intent for lost claim")
}
