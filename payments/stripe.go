/*
Package payments adapts the Stripe API to the marketplace core.

PURPOSE:
  - StripeProcessor:    market.PaymentProcessor over stripe-go
  - SimulatedProcessor: market.PaymentProcessor used when no API key is set
  - SignatureVerifier:  webhook authentication strategies (webhook.go)

The core never imports stripe-go; it sees market.PaymentIntentRequest in
and market.ProcessorEvent out.

TIMEOUTS:
  Every API call carries the request context and runs on an http.Client
  with a transport timeout. Network retries inside stripe-go are disabled:
  a timeout is reported to the caller as an error, not retried.
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/warp/lead-exchange/market"
)

const DefaultTimeout = 10 * time.Second

// StripeOptions configure NewStripeProcessor.
type StripeOptions struct {
	SecretKey string
	Timeout   time.Duration

	// BaseURL overrides the API endpoint (stripe-mock, tests).
	BaseURL    string
	HTTPClient *http.Client
	Log        logrus.FieldLogger
}

// StripeProcessor creates PaymentIntents through the Stripe API.
type StripeProcessor struct {
	api *client.API
	log logrus.FieldLogger
}

var _ market.PaymentProcessor = (*StripeProcessor)(nil)

func NewStripeProcessor(opts StripeOptions) *StripeProcessor {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "stripe")

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        hc,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     log,
	}
	if opts.BaseURL != "" {
		cfg.URL = stripe.String(opts.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	api := &client.API{}
	api.Init(opts.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeProcessor{api: api, log: log}
}

// CreatePaymentIntent charges the buyer. When req.DestinationAccount is set
// Stripe transfers the funds to the provider's connected account, which
// later surfaces as transfer.created.
func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, req market.PaymentIntentRequest) (*market.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(market.ToMinorUnits(req.Amount)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.DestinationAccount != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			p.log.WithFields(logrus.Fields{
				"stripe_code":   serr.Code,
				"stripe_type":   serr.Type,
				"http_status":   serr.HTTPStatusCode,
				"stripe_req_id": serr.RequestID,
			}).Error("payment intent rejected")
		}
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	return &market.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
	}, nil
}

// CancelPaymentIntent cancels an intent that was never handed to a buyer.
func (p *StripeProcessor) CancelPaymentIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	if _, err := p.api.PaymentIntents.Cancel(id, params); err != nil {
		return fmt.Errorf("stripe: cancel payment intent %s: %w", id, err)
	}
	return nil
}
