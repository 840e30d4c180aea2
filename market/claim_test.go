package market_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/market/store"
)

// recordingProcessor captures payment intent requests and cancellations.
type recordingProcessor struct {
	requests  []market.PaymentIntentRequest
	cancelled []string
	err       error
	cancelErr error
}

func (p *recordingProcessor) CreatePaymentIntent(_ context.Context, req market.PaymentIntentRequest) (*market.PaymentIntent, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &market.PaymentIntent{ID: "pi_test", ClientSecret: "pi_test_secret", Status: "requires_payment_method"}, nil
}

func (p *recordingProcessor) CancelPaymentIntent(_ context.Context, id string) error {
	p.cancelled = append(p.cancelled, id)
	return p.cancelErr
}

// racedLeads lets another buyer claim the lead between the availability
// check and the guarded write.
type racedLeads struct {
	*store.Memory
}

func (r racedLeads) ClaimLead(ctx context.Context, id market.LeadID, claim market.LeadClaim) error {
	if err := r.Memory.ClaimLead(ctx, id, market.LeadClaim{
		BuyerID:         "buyer-2",
		ConnectionID:    "conn-2",
		StripePaymentID: "pi_winner",
		ClaimedAt:       claim.ClaimedAt,
	}); err != nil {
		return err
	}
	return r.Memory.ClaimLead(ctx, id, claim)
}

type claimEnv struct {
	mem       *store.Memory
	svc       *market.ClaimService
	processor *recordingProcessor
}

// newClaimEnv seeds an active prov-1/buyer-1 connection at 30.00 per lead
// and one available lead.
func newClaimEnv(t *testing.T, onboarded bool) *claimEnv {
	t.Helper()
	connections, mem := newConnectionService(t)
	ctx := context.Background()

	require.NoError(t, mem.SaveUser(ctx, market.User{
		ID:                 "prov-1",
		Role:               market.RoleProvider,
		StripeAccountID:    "acct_prov1",
		OnboardingComplete: onboarded,
	}))
	conn := seedConnection(t, mem, market.StatusPendingProviderAccept)
	_, err := connections.Apply(ctx, provider, conn.ID, market.ActionInput{Action: market.ActionAccept})
	require.NoError(t, err)

	require.NoError(t, mem.CreateLead(ctx, market.Lead{
		ID:          "lead-1",
		ProviderID:  "prov-1",
		Status:      market.LeadAvailable,
		ContactName: "Pat Doe",
		Price:       decimal.Zero,
		CreatedAt:   fixedNow,
	}))

	processor := &recordingProcessor{}
	svc := market.NewClaimService(mem, mem, connections, processor, "USD")
	svc.Now = func() time.Time { return fixedNow }
	return &claimEnv{mem: mem, svc: svc, processor: processor}
}

// =============================================================================
// CLAIM
// =============================================================================

func TestClaim_CreatesPaymentIntentAndClaimsLead(t *testing.T) {
	// GIVEN: An active connection and an available lead
	// WHEN: The buyer claims the lead
	// THEN: A payment intent is created at the connection rate with lead
	//       metadata, and the lead is claimed with payout pending

	env := newClaimEnv(t, true)

	res, err := env.svc.Claim(context.Background(), buyer, "lead-1")
	require.NoError(t, err)

	require.Len(t, env.processor.requests, 1)
	req := env.processor.requests[0]
	assert.True(t, decimal.NewFromInt(30).Equal(req.Amount))
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, "acct_prov1", req.DestinationAccount)
	assert.Equal(t, market.TransferGroupPrefix+"lead-1", req.TransferGroup)
	assert.Equal(t, "claim-lead-1-buyer-1", req.IdempotencyKey)
	assert.Equal(t, map[string]string{
		market.MetaType:         "lead_payout",
		market.MetaLeadID:       "lead-1",
		market.MetaConnectionID: "conn-1",
		market.MetaProviderID:   "prov-1",
		market.MetaBuyerID:      "buyer-1",
	}, req.Metadata)

	assert.Equal(t, "pi_test", res.PaymentIntent.ID)
	assert.Equal(t, market.LeadClaimed, res.Lead.Status)

	stored, err := env.mem.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, market.LeadClaimed, stored.Status)
	assert.Equal(t, market.UserID("buyer-1"), stored.BuyerID)
	assert.Equal(t, market.ConnectionID("conn-1"), stored.ConnectionID)
	assert.Equal(t, market.PayoutPending, stored.PayoutStatus)
	assert.Equal(t, "pi_test", stored.StripePaymentID)
	assert.True(t, decimal.NewFromInt(30).Equal(stored.Price))
	require.NotNil(t, stored.ClaimedAt)
	assert.Equal(t, fixedNow, *stored.ClaimedAt)

	// the claiming buyer can now see the lead
	_, err = env.svc.Get(context.Background(), buyer, "lead-1")
	assert.NoError(t, err)
}

func TestClaim_NoDestinationBeforeOnboarding(t *testing.T) {
	env := newClaimEnv(t, false)

	_, err := env.svc.Claim(context.Background(), buyer, "lead-1")
	require.NoError(t, err)
	require.Len(t, env.processor.requests, 1)
	assert.Empty(t, env.processor.requests[0].DestinationAccount)
}

func TestClaim_RequiresActiveConnection(t *testing.T) {
	env := newClaimEnv(t, true)
	ctx := context.Background()

	// terminate the only connection
	_, err := market.NewConnectionService(env.mem, env.mem).Apply(ctx, buyer, "conn-1", market.ActionInput{Action: market.ActionTerminate})
	require.NoError(t, err)

	_, err = env.svc.Claim(ctx, buyer, "lead-1")
	assert.ErrorIs(t, err, market.ErrConnectionNotActive)
	assert.Empty(t, env.processor.requests)

	// a buyer with no connection at all
	_, err = env.svc.Claim(ctx, outsider, "lead-1")
	assert.ErrorIs(t, err, market.ErrConnectionNotActive)
}

func TestClaim_Errors(t *testing.T) {
	env := newClaimEnv(t, true)
	ctx := context.Background()

	_, err := env.svc.Claim(ctx, provider, "lead-1")
	assert.True(t, market.IsForbidden(err))

	_, err = env.svc.Claim(ctx, buyer, "missing")
	assert.ErrorIs(t, err, market.ErrLeadNotFound)

	_, err = env.svc.Claim(ctx, buyer, "lead-1")
	require.NoError(t, err)

	_, err = env.svc.Claim(ctx, buyer, "lead-1")
	assert.ErrorIs(t, err, market.ErrLeadUnavailable)
	assert.Len(t, env.processor.requests, 1, "second claim never reaches the processor")
	assert.Empty(t, env.processor.cancelled)
}

func TestClaim_LostRaceCancelsPaymentIntent(t *testing.T) {
	// GIVEN: Another buyer claims the lead after this buyer's intent is created
	// WHEN: The guarded claim write fails
	// THEN: The orphaned intent is cancelled and the winner keeps the lead

	for _, cancelErr := range []error{nil, errors.New("processor unreachable")} {
		env := newClaimEnv(t, true)
		env.processor.cancelErr = cancelErr
		log, hook := test.NewNullLogger()

		svc := market.NewClaimService(racedLeads{env.mem}, env.mem, env.svc.Connections, env.processor, "usd")
		svc.Now = env.svc.Now
		svc.Log = log

		_, err := svc.Claim(context.Background(), buyer, "lead-1")
		assert.ErrorIs(t, err, market.ErrLeadUnavailable)
		assert.Equal(t, []string{"pi_test"}, env.processor.cancelled)

		stored, err := env.mem.GetLead(context.Background(), "lead-1")
		require.NoError(t, err)
		assert.Equal(t, "pi_winner", stored.StripePaymentID)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, "pi_test", entry.Data["payment_id"])
		if cancelErr != nil {
			assert.Equal(t, logrus.ErrorLevel, entry.Level)
		} else {
			assert.Equal(t, logrus.InfoLevel, entry.Level)
		}
	}
}

func TestClaim_ProcessorFailureLeavesLeadAvailable(t *testing.T) {
	env := newClaimEnv(t, true)
	env.processor.err = errors.New("card network down")

	_, err := env.svc.Claim(context.Background(), buyer, "lead-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create payment intent")
	assert.False(t, market.IsClientError(err))

	stored, err := env.mem.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, market.LeadAvailable, stored.Status)
}

// =============================================================================
// SUBMIT / GET
// =============================================================================

func TestSubmitLead(t *testing.T) {
	env := newClaimEnv(t, true)
	ctx := context.Background()

	lead, err := env.svc.Submit(ctx, provider, market.SubmitLeadInput{
		ContactName:   "  Sam Roe ",
		ContactEmail:  "sam@example.com",
		InsuranceType: "auto",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sam Roe", lead.ContactName)
	assert.Equal(t, market.LeadAvailable, lead.Status)
	assert.Equal(t, market.UserID("prov-1"), lead.ProviderID)
	assert.Equal(t, fixedNow, lead.CreatedAt)

	_, err = env.svc.Submit(ctx, provider, market.SubmitLeadInput{ContactName: "   "})
	assert.ErrorIs(t, err, market.ErrValidation)

	_, err = env.svc.Submit(ctx, buyer, market.SubmitLeadInput{ContactName: "Sam"})
	assert.True(t, market.IsForbidden(err))
}

func TestGetLead_Visibility(t *testing.T) {
	env := newClaimEnv(t, true)
	ctx := context.Background()

	_, err := env.svc.Get(ctx, provider, "lead-1")
	assert.NoError(t, err)

	_, err = env.svc.Get(ctx, buyer, "lead-1")
	assert.True(t, market.IsForbidden(err), "unclaimed leads are the provider's only")

	_, err = env.svc.Get(ctx, market.ProviderSession{ID: "prov-2"}, "lead-1")
	assert.True(t, market.IsForbidden(err))

	_, err = env.svc.Get(ctx, provider, "missing")
	assert.True(t, market.IsNotFound(err))
}
