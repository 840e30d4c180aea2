package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/market/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

var (
	provider = market.ProviderSession{ID: "prov-1"}
	buyer    = market.BuyerSession{ID: "buyer-1"}
	outsider = market.BuyerSession{ID: "buyer-2"}
)

func newConnectionService(t *testing.T) (*market.ConnectionService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, u := range []market.User{
		{ID: "prov-1", Role: market.RoleProvider, StripeAccountID: "acct_prov1"},
		{ID: "prov-2", Role: market.RoleProvider},
		{ID: "buyer-1", Role: market.RoleBuyer},
		{ID: "buyer-2", Role: market.RoleBuyer},
	} {
		require.NoError(t, mem.SaveUser(ctx, u))
	}

	svc := market.NewConnectionService(mem, mem)
	svc.Now = func() time.Time { return fixedNow }
	return svc, mem
}

func rate(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func intp(n int) *int { return &n }

func fullTerms() *market.TermsInput {
	return &market.TermsInput{RatePerLead: rate("45"), PaymentTiming: market.TimingWeekly}
}

// seedConnection stores a prov-1/buyer-1 connection directly in status.
func seedConnection(t *testing.T, mem *store.Memory, status market.ConnectionStatus) market.Connection {
	t.Helper()
	conn := market.Connection{
		ID:         "conn-1",
		ProviderID: "prov-1",
		BuyerID:    "buyer-1",
		Status:     status,
		Initiator:  market.InitiatorProvider,
		Terms: market.Terms{
			RatePerLead:           decimal.NewFromInt(30),
			PaymentTiming:         market.TimingPerLead,
			TerminationNoticeDays: market.DefaultTerminationNoticeDays,
		},
		Message:   "hello",
		CreatedAt: fixedNow.Add(-time.Hour),
	}
	require.NoError(t, mem.CreateConnection(context.Background(), conn))
	return conn
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_ProviderStartsPendingBuyerReview(t *testing.T) {
	// GIVEN: A provider and a buyer
	// WHEN: The provider requests a connection, even with terms attached
	// THEN: It waits for the buyer; terms are the buyer's to set

	svc, _ := newConnectionService(t)

	conn, err := svc.Request(context.Background(), provider, market.CreateConnectionInput{
		CounterpartID: "buyer-1",
		Message:       "Quality auto leads",
		Terms:         fullTerms(),
	})
	require.NoError(t, err)

	assert.Equal(t, market.StatusPendingBuyerReview, conn.Status)
	assert.Equal(t, market.InitiatorProvider, conn.Initiator)
	assert.Equal(t, market.UserID("prov-1"), conn.ProviderID)
	assert.Equal(t, market.UserID("buyer-1"), conn.BuyerID)
	assert.True(t, conn.RatePerLead.IsZero())
	assert.Equal(t, market.DefaultTerminationNoticeDays, conn.TerminationNoticeDays)
	assert.Equal(t, fixedNow, conn.CreatedAt)
	assert.Nil(t, conn.TermsUpdatedAt)

	got, err := svc.Get(context.Background(), buyer, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.Status, got.Status)
}

func TestRequest_BuyerInvitationCarriesTerms(t *testing.T) {
	svc, _ := newConnectionService(t)

	conn, err := svc.Request(context.Background(), buyer, market.CreateConnectionInput{
		CounterpartID: "prov-1",
		Terms:         &market.TermsInput{RatePerLead: rate("50"), PaymentTiming: market.TimingPerLead, MonthlyLeadCap: intp(100)},
	})
	require.NoError(t, err)

	assert.Equal(t, market.StatusPendingProviderAccept, conn.Status)
	assert.Equal(t, market.InitiatorBuyer, conn.Initiator)
	assert.True(t, decimal.NewFromInt(50).Equal(conn.RatePerLead))
	require.NotNil(t, conn.MonthlyLeadCap)
	assert.Equal(t, 100, *conn.MonthlyLeadCap)
	assert.Nil(t, conn.WeeklyLeadCap)
	assert.Equal(t, market.DefaultTerminationNoticeDays, conn.TerminationNoticeDays)
	require.NotNil(t, conn.TermsUpdatedAt)
}

func TestRequest_Errors(t *testing.T) {
	tests := []struct {
		name  string
		sess  market.Session
		input market.CreateConnectionInput
		check func(t *testing.T, err error)
	}{
		{
			name:  "missing counterpart",
			sess:  provider,
			input: market.CreateConnectionInput{},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, market.ErrValidation) },
		},
		{
			name:  "self",
			sess:  provider,
			input: market.CreateConnectionInput{CounterpartID: "prov-1"},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, market.ErrValidation) },
		},
		{
			name:  "unknown counterpart",
			sess:  provider,
			input: market.CreateConnectionInput{CounterpartID: "ghost"},
			check: func(t *testing.T, err error) { assert.True(t, market.IsNotFound(err)) },
		},
		{
			name:  "provider to provider",
			sess:  provider,
			input: market.CreateConnectionInput{CounterpartID: "prov-2"},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, market.ErrValidation) },
		},
		{
			name:  "buyer invitation without terms",
			sess:  buyer,
			input: market.CreateConnectionInput{CounterpartID: "prov-1"},
			check: func(t *testing.T, err error) {
				var ve *market.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "rate_per_lead", ve.Field)
			},
		},
		{
			name:  "buyer invitation with zero rate",
			sess:  buyer,
			input: market.CreateConnectionInput{CounterpartID: "prov-1", Terms: &market.TermsInput{RatePerLead: rate("0"), PaymentTiming: market.TimingWeekly}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, market.ErrValidation) },
		},
		{
			name:  "buyer invitation with sub-cent rate",
			sess:  buyer,
			input: market.CreateConnectionInput{CounterpartID: "prov-1", Terms: &market.TermsInput{RatePerLead: rate("10.005"), PaymentTiming: market.TimingWeekly}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, market.ErrValidation) },
		},
		{
			name:  "buyer invitation with unknown timing",
			sess:  buyer,
			input: market.CreateConnectionInput{CounterpartID: "prov-1", Terms: &market.TermsInput{RatePerLead: rate("10"), PaymentTiming: "daily"}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, market.ErrValidation) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newConnectionService(t)
			_, err := svc.Request(context.Background(), tt.sess, tt.input)
			require.Error(t, err)
			tt.check(t, err)
			assert.True(t, market.IsClientError(err) || market.IsNotFound(err))
		})
	}
}

func TestRequest_DuplicatePairEitherDirection(t *testing.T) {
	svc, _ := newConnectionService(t)
	ctx := context.Background()

	_, err := svc.Request(ctx, provider, market.CreateConnectionInput{CounterpartID: "buyer-1"})
	require.NoError(t, err)

	_, err = svc.Request(ctx, provider, market.CreateConnectionInput{CounterpartID: "buyer-1"})
	assert.ErrorIs(t, err, market.ErrConnectionExists)

	_, err = svc.Request(ctx, buyer, market.CreateConnectionInput{CounterpartID: "prov-1", Terms: fullTerms()})
	assert.ErrorIs(t, err, market.ErrConnectionExists)
	assert.True(t, market.IsClientError(err))
}

// =============================================================================
// APPLY - TRANSITION TABLE
// =============================================================================

func TestApply_TransitionTable(t *testing.T) {
	// GIVEN: Every (action, current status, caller side) combination
	// WHEN: The action is applied
	// THEN: Only the table's entries succeed; a wrong side is 403 before the
	//       status is even looked at; everything else is a state conflict

	type rule struct {
		actor market.Role
		from  market.ConnectionStatus
		to    market.ConnectionStatus
	}
	table := map[market.Action]rule{
		market.ActionSetTerms:    {market.RoleBuyer, market.StatusPendingBuyerReview, market.StatusPendingProviderAccept},
		market.ActionAccept:      {market.RoleProvider, market.StatusPendingProviderAccept, market.StatusActive},
		market.ActionDecline:     {market.RoleProvider, market.StatusPendingProviderAccept, market.StatusDeclinedByProvider},
		market.ActionReject:      {market.RoleBuyer, market.StatusPendingBuyerReview, market.StatusRejectedByBuyer},
		market.ActionTerminate:   {"", market.StatusActive, market.StatusTerminated},
		market.ActionUpdateTerms: {market.RoleBuyer, market.StatusActive, market.StatusActive},
	}
	statuses := []market.ConnectionStatus{
		market.StatusPendingBuyerReview, market.StatusPendingProviderAccept, market.StatusActive,
		market.StatusDeclinedByProvider, market.StatusRejectedByBuyer, market.StatusTerminated,
	}
	sessions := []market.Session{provider, buyer}

	require.Len(t, market.Actions(), len(table))

	for _, action := range market.Actions() {
		r := table[action]
		for _, status := range statuses {
			for _, sess := range sessions {
				name := string(action) + "/" + string(status) + "/" + string(sess.Role())
				t.Run(name, func(t *testing.T) {
					svc, mem := newConnectionService(t)
					conn := seedConnection(t, mem, status)

					got, err := svc.Apply(context.Background(), sess, conn.ID, market.ActionInput{
						Action: action,
						Terms:  fullTerms(),
					})

					stored, gerr := mem.GetConnection(context.Background(), conn.ID)
					require.NoError(t, gerr)

					switch {
					case r.actor != "" && sess.Role() != r.actor:
						assert.True(t, market.IsForbidden(err), "got %v", err)
						assert.Equal(t, status, stored.Status)
					case status != r.from:
						var sc *market.StateConflictError
						require.ErrorAs(t, err, &sc)
						assert.Equal(t, []market.ConnectionStatus{r.from}, sc.Expected)
						assert.Equal(t, status, sc.Actual)
						assert.Equal(t, status, stored.Status)
					default:
						require.NoError(t, err)
						assert.Equal(t, r.to, got.Status)
						assert.Equal(t, r.to, stored.Status)
					}
				})
			}
		}
	}
}

func TestApply_TerminalStatesHaveNoExits(t *testing.T) {
	for _, status := range []market.ConnectionStatus{
		market.StatusDeclinedByProvider, market.StatusRejectedByBuyer, market.StatusTerminated,
	} {
		assert.True(t, status.Terminal())
		for _, action := range market.Actions() {
			for _, sess := range []market.Session{provider, buyer} {
				svc, mem := newConnectionService(t)
				conn := seedConnection(t, mem, status)
				_, err := svc.Apply(context.Background(), sess, conn.ID, market.ActionInput{Action: action, Terms: fullTerms()})
				assert.Error(t, err, "%s by %s from %s", action, sess.Role(), status)
			}
		}
	}
}

func TestApply_CheckOrder(t *testing.T) {
	svc, mem := newConnectionService(t)
	conn := seedConnection(t, mem, market.StatusTerminated)
	ctx := context.Background()

	// Unknown action wins over everything, even a missing connection
	_, err := svc.Apply(ctx, outsider, "missing", market.ActionInput{Action: "approve"})
	assert.ErrorIs(t, err, market.ErrValidation)

	_, err = svc.Apply(ctx, buyer, "missing", market.ActionInput{Action: market.ActionReject})
	assert.ErrorIs(t, err, market.ErrConnectionNotFound)

	// Non-party is refused before the terminal status is reported
	_, err = svc.Apply(ctx, outsider, conn.ID, market.ActionInput{Action: market.ActionReject})
	var ae *market.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, market.UserID("buyer-2"), ae.UserID)

	// A provider session holding the buyer's id is not the buyer
	_, err = svc.Apply(ctx, market.ProviderSession{ID: "buyer-1"}, conn.ID, market.ActionInput{Action: market.ActionTerminate})
	assert.True(t, market.IsForbidden(err))

	_, err = svc.Get(ctx, outsider, conn.ID)
	assert.True(t, market.IsForbidden(err))
}

func TestApply_FieldValidationAfterPrecondition(t *testing.T) {
	svc, mem := newConnectionService(t)
	conn := seedConnection(t, mem, market.StatusPendingBuyerReview)

	_, err := svc.Apply(context.Background(), buyer, conn.ID, market.ActionInput{
		Action: market.ActionSetTerms,
		Terms:  &market.TermsInput{RatePerLead: rate("-5"), PaymentTiming: market.TimingWeekly},
	})
	var ve *market.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "rate_per_lead", ve.Field)

	stored, _ := mem.GetConnection(context.Background(), conn.ID)
	assert.Equal(t, market.StatusPendingBuyerReview, stored.Status)
}

func TestApply_OnlyTransitionFieldsChange(t *testing.T) {
	svc, mem := newConnectionService(t)
	conn := seedConnection(t, mem, market.StatusPendingProviderAccept)

	got, err := svc.Apply(context.Background(), provider, conn.ID, market.ActionInput{
		Action: market.ActionAccept,
		Terms:  &market.TermsInput{RatePerLead: rate("999"), PaymentTiming: market.TimingMonthly},
	})
	require.NoError(t, err)

	require.NotNil(t, got.AcceptedAt)
	assert.Equal(t, fixedNow, *got.AcceptedAt)
	assert.True(t, decimal.NewFromInt(30).Equal(got.RatePerLead), "accept ignores terms")
	assert.Equal(t, market.TimingPerLead, got.PaymentTiming)
	assert.Equal(t, conn.Message, got.Message)
	assert.Equal(t, conn.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.TermsUpdatedAt)
}

func TestApply_UpdateTermsMergesPartialInput(t *testing.T) {
	svc, mem := newConnectionService(t)
	conn := seedConnection(t, mem, market.StatusActive)
	ctx := context.Background()

	_, err := svc.Apply(ctx, buyer, conn.ID, market.ActionInput{Action: market.ActionUpdateTerms})
	assert.ErrorIs(t, err, market.ErrValidation, "at least one term is required")

	got, err := svc.Apply(ctx, buyer, conn.ID, market.ActionInput{
		Action: market.ActionUpdateTerms,
		Terms:  &market.TermsInput{WeeklyLeadCap: intp(25), TerminationNoticeDays: intp(14)},
	})
	require.NoError(t, err)

	assert.Equal(t, market.StatusActive, got.Status)
	assert.True(t, decimal.NewFromInt(30).Equal(got.RatePerLead))
	assert.Equal(t, market.TimingPerLead, got.PaymentTiming)
	require.NotNil(t, got.WeeklyLeadCap)
	assert.Equal(t, 25, *got.WeeklyLeadCap)
	assert.Equal(t, 14, got.TerminationNoticeDays)
	require.NotNil(t, got.TermsUpdatedAt)

	_, err = svc.Apply(ctx, buyer, conn.ID, market.ActionInput{
		Action: market.ActionUpdateTerms,
		Terms:  &market.TermsInput{WeeklyLeadCap: intp(0)},
	})
	assert.ErrorIs(t, err, market.ErrValidation)
}

func TestApply_ConcurrentSetTermsOneWinner(t *testing.T) {
	// GIVEN: A connection pending buyer review
	// WHEN: Many set_terms calls race
	// THEN: Exactly one succeeds; the rest see a state conflict naming the new status

	svc, mem := newConnectionService(t)
	conn := seedConnection(t, mem, market.StatusPendingBuyerReview)

	const racers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Apply(context.Background(), buyer, conn.ID, market.ActionInput{
				Action: market.ActionSetTerms,
				Terms:  &market.TermsInput{RatePerLead: rate("40"), PaymentTiming: market.TimingWeekly},
			})

			mu.Lock()
			defer mu.Unlock()
			var sc *market.StateConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &sc):
				conflicts++
				assert.Equal(t, market.StatusPendingProviderAccept, sc.Actual)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)
}

// =============================================================================
// LIST / REQUIRE ACTIVE
// =============================================================================

func TestList_ScopesBySideAndStatus(t *testing.T) {
	svc, _ := newConnectionService(t)
	ctx := context.Background()

	_, err := svc.Request(ctx, provider, market.CreateConnectionInput{CounterpartID: "buyer-1"})
	require.NoError(t, err)
	invite, err := svc.Request(ctx, buyer, market.CreateConnectionInput{CounterpartID: "prov-2", Terms: fullTerms()})
	require.NoError(t, err)
	_, err = svc.Apply(ctx, market.ProviderSession{ID: "prov-2"}, invite.ID, market.ActionInput{Action: market.ActionAccept})
	require.NoError(t, err)

	all, err := svc.List(ctx, buyer, market.ScopeAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.List(ctx, buyer, market.ScopeActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, invite.ID, active[0].ID)

	pending, err := svc.List(ctx, provider, market.ScopePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, market.StatusPendingBuyerReview, pending[0].Status)

	none, err := svc.List(ctx, outsider, market.ScopeAll)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.List(ctx, buyer, "archived")
	assert.ErrorIs(t, err, market.ErrValidation)
}

func TestRequireActive(t *testing.T) {
	svc, mem := newConnectionService(t)
	ctx := context.Background()

	_, err := svc.RequireActive(ctx, "prov-1", "buyer-1")
	assert.ErrorIs(t, err, market.ErrConnectionNotActive, "no connection at all")

	seedConnection(t, mem, market.StatusPendingProviderAccept)
	_, err = svc.RequireActive(ctx, "prov-1", "buyer-1")
	assert.ErrorIs(t, err, market.ErrConnectionNotActive)

	_, err = svc.Apply(ctx, provider, "conn-1", market.ActionInput{Action: market.ActionAccept})
	require.NoError(t, err)
	conn, err := svc.RequireActive(ctx, "prov-1", "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, market.ConnectionID("conn-1"), conn.ID)
}
