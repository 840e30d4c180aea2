package payments

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/lead-exchange/market"
)

// SimulatedIDPrefix marks PaymentIntent ids that never reached Stripe.
const SimulatedIDPrefix = "pi_sim_"

// SimulatedProcessor stands in for Stripe when no API key is configured.
// Claims still go through; no money moves and no webhook will follow.
type SimulatedProcessor struct {
	Log   logrus.FieldLogger
	NewID func() string
}

var _ market.PaymentProcessor = (*SimulatedProcessor)(nil)

func NewSimulatedProcessor(log logrus.FieldLogger) *SimulatedProcessor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.Warn("stripe secret key not configured; payment intents are simulated")
	return &SimulatedProcessor{Log: log, NewID: uuid.NewString}
}

func (p *SimulatedProcessor) CreatePaymentIntent(_ context.Context, req market.PaymentIntentRequest) (*market.PaymentIntent, error) {
	id := SimulatedIDPrefix + p.NewID()
	p.Log.WithFields(logrus.Fields{
		"payment_id": id,
		"amount":     req.Amount.StringFixed(2),
		"currency":   req.Currency,
		"lead_id":    req.Metadata[market.MetaLeadID],
	}).Info("simulated payment intent")

	return &market.PaymentIntent{
		ID:        id,
		Status:    "requires_payment_method",
		Simulated: true,
	}, nil
}

func (p *SimulatedProcessor) CancelPaymentIntent(_ context.Context, id string) error {
	p.Log.WithField("payment_id", id).Info("simulated payment intent cancelled")
	return nil
}
