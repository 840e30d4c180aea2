package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/payments"
)

const paymentIntentsURL = "https://api.stripe.com/v1/payment_intents"

func claimRequest() market.PaymentIntentRequest {
	return market.PaymentIntentRequest{
		Amount:             decimal.RequireFromString("25.50"),
		Currency:           "usd",
		Description:        "Lead lead-1",
		DestinationAccount: "acct_provider",
		TransferGroup:      "lead_lead-1",
		Metadata: map[string]string{
			market.MetaType:   string(market.TxLeadPayout),
			market.MetaLeadID: "lead-1",
		},
		IdempotencyKey: "claim-lead-1-b1",
	}
}

// =============================================================================
// STRIPE PROCESSOR
// =============================================================================

func TestStripeProcessor_CreatePaymentIntent(t *testing.T) {
	// GIVEN: A processor whose HTTP client is intercepted
	// WHEN: A claim creates a PaymentIntent
	// THEN: Amount goes out in cents with transfer destination, group and
	//       metadata, and the idempotency key travels as a header

	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	var form map[string][]string
	var idempotencyKey string
	httpmock.RegisterResponder("POST", paymentIntentsURL, func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		form = req.PostForm
		idempotencyKey = req.Header.Get("Idempotency-Key")
		return httpmock.NewJsonResponse(200, map[string]any{
			"id":            "pi_123",
			"object":        "payment_intent",
			"amount":        2550,
			"currency":      "usd",
			"client_secret": "pi_123_secret_abc",
			"status":        "requires_payment_method",
		})
	})

	p := payments.NewStripeProcessor(payments.StripeOptions{SecretKey: "sk_test_123", HTTPClient: hc})
	intent, err := p.CreatePaymentIntent(context.Background(), claimRequest())
	require.NoError(t, err)

	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
	assert.False(t, intent.Simulated)

	assert.Equal(t, []string{"2550"}, form["amount"])
	assert.Equal(t, []string{"usd"}, form["currency"])
	assert.Equal(t, []string{"acct_provider"}, form["transfer_data[destination]"])
	assert.Equal(t, []string{"lead_lead-1"}, form["transfer_group"])
	assert.Equal(t, []string{"lead-1"}, form["metadata[leadId]"])
	assert.Equal(t, []string{"lead_payout"}, form["metadata[type]"])
	assert.Equal(t, "claim-lead-1-b1", idempotencyKey)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestStripeProcessor_NoDestinationBeforeOnboarding(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	var form map[string][]string
	httpmock.RegisterResponder("POST", paymentIntentsURL, func(req *http.Request) (*http.Response, error) {
		_ = req.ParseForm()
		form = req.PostForm
		return httpmock.NewJsonResponse(200, map[string]any{"id": "pi_456", "object": "payment_intent", "status": "requires_payment_method"})
	})

	req := claimRequest()
	req.DestinationAccount = ""
	p := payments.NewStripeProcessor(payments.StripeOptions{SecretKey: "sk_test_123", HTTPClient: hc})
	_, err := p.CreatePaymentIntent(context.Background(), req)
	require.NoError(t, err)

	_, ok := form["transfer_data[destination]"]
	assert.False(t, ok)
}

func TestStripeProcessor_APIErrorIsReturned(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentIntentsURL, httpmock.NewStringResponder(402,
		`{"error": {"type": "card_error", "code": "card_declined", "message": "Your card was declined."}}`))

	p := payments.NewStripeProcessor(payments.StripeOptions{SecretKey: "sk_test_123", HTTPClient: hc})
	_, err := p.CreatePaymentIntent(context.Background(), claimRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declined")
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "no retries")
}

func TestStripeProcessor_CancelPaymentIntent(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	var form map[string][]string
	httpmock.RegisterResponder("POST", paymentIntentsURL+"/pi_123/cancel", func(req *http.Request) (*http.Response, error) {
		_ = req.ParseForm()
		form = req.PostForm
		return httpmock.NewJsonResponse(200, map[string]any{"id": "pi_123", "object": "payment_intent", "status": "canceled"})
	})
	httpmock.RegisterResponder("POST", paymentIntentsURL+"/pi_gone/cancel", httpmock.NewStringResponder(404,
		`{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such payment_intent"}}`))

	p := payments.NewStripeProcessor(payments.StripeOptions{SecretKey: "sk_test_123", HTTPClient: hc})
	require.NoError(t, p.CancelPaymentIntent(context.Background(), "pi_123"))
	assert.Equal(t, []string{"abandoned"}, form["cancellation_reason"])

	err := p.CancelPaymentIntent(context.Background(), "pi_gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pi_gone")
}

// =============================================================================
// SIMULATED PROCESSOR
// =============================================================================

func TestSimulatedProcessor(t *testing.T) {
	log, hook := test.NewNullLogger()
	p := payments.NewSimulatedProcessor(log)
	p.NewID = func() string { return "fixed" }

	intent, err := p.CreatePaymentIntent(context.Background(), claimRequest())
	require.NoError(t, err)
	assert.Equal(t, "pi_sim_fixed", intent.ID)
	assert.True(t, intent.Simulated)

	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level, "startup warning")

	require.NoError(t, p.CancelPaymentIntent(context.Background(), intent.ID))
	assert.Equal(t, intent.ID, hook.LastEntry().Data["payment_id"])
}

// =============================================================================
// SIGNATURE VERIFIERS
// =============================================================================

func eventPayload(t *testing.T) []byte {
	b, err := json.Marshal(map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    market.EventTransferCreated,
		"created": 1735689600,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "tr_1",
				"object":         "transfer",
				"amount":         2550,
				"transfer_group": "lead_lead-1",
			},
		},
	})
	require.NoError(t, err)
	return b
}

func TestStripeVerifier_ValidSignature(t *testing.T) {
	payload := eventPayload(t)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	v := payments.NewSignatureVerifier("whsec_test", nil)
	assert.False(t, v.Permissive())

	ev, err := v.Verify(payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, market.EventTransferCreated, ev.Type)
	assert.Equal(t, time.Unix(1735689600, 0).UTC(), ev.Created)

	var obj struct {
		ID            string `json:"id"`
		TransferGroup string `json:"transfer_group"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &obj))
	assert.Equal(t, "tr_1", obj.ID)
	assert.Equal(t, "lead_lead-1", obj.TransferGroup)
}

func TestStripeVerifier_Rejects(t *testing.T) {
	payload := eventPayload(t)
	v := payments.NewSignatureVerifier("whsec_test", nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"garbage header", "not-a-signature"},
		{"wrong secret", webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: payload, Secret: "whsec_other", Timestamp: time.Now(),
		}).Header},
		{"too old", webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: payload, Secret: "whsec_test", Timestamp: time.Now().Add(-time.Hour),
		}).Header},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(payload, tt.header)
			assert.True(t, errors.Is(err, payments.ErrInvalidSignature), "got %v", err)
		})
	}
}

func TestPermissiveVerifier_AcceptsUnsignedAndWarns(t *testing.T) {
	log, hook := test.NewNullLogger()
	v := payments.NewSignatureVerifier("", log)
	assert.True(t, v.Permissive())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	ev, err := v.Verify(eventPayload(t), "")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	_, err = v.Verify([]byte("{not json"), "")
	assert.ErrorIs(t, err, payments.ErrMalformedEvent)
}
