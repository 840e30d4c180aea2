package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/warp/lead-exchange/market"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "Stripe-Signature"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// SignatureVerifier authenticates a raw webhook body and decodes it.
// The strategy is chosen once at startup by NewSignatureVerifier.
type SignatureVerifier interface {
	Verify(payload []byte, signature string) (market.ProcessorEvent, error)
	Permissive() bool
}

// NewSignatureVerifier returns a StripeVerifier when secret is set, and a
// PermissiveVerifier otherwise.
func NewSignatureVerifier(secret string, log logrus.FieldLogger) SignatureVerifier {
	if secret != "" {
		return &StripeVerifier{Secret: secret, Tolerance: webhook.DefaultTolerance}
	}
	return NewPermissiveVerifier(log)
}

// =============================================================================
// STRIPE VERIFIER
// =============================================================================

// StripeVerifier checks the Stripe-Signature HMAC over the raw body.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v *StripeVerifier) Verify(payload []byte, signature string) (market.ProcessorEvent, error) {
	if signature == "" {
		return market.ProcessorEvent{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		Tolerance:                v.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return market.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return market.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return toProcessorEvent(ev)
}

func (v *StripeVerifier) Permissive() bool { return false }

// =============================================================================
// PERMISSIVE VERIFIER
// =============================================================================

// PermissiveVerifier accepts unsigned events. Only for environments where
// the webhook secret has not been provisioned.
type PermissiveVerifier struct {
	Log logrus.FieldLogger
}

func NewPermissiveVerifier(log logrus.FieldLogger) *PermissiveVerifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.Warn("STRIPE WEBHOOK SECRET NOT CONFIGURED: accepting unsigned webhook events")
	return &PermissiveVerifier{Log: log}
}

func (v *PermissiveVerifier) Verify(payload []byte, _ string) (market.ProcessorEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return market.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	v.Log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type}).
		Warn("accepted unsigned webhook event")
	return toProcessorEvent(ev)
}

func (v *PermissiveVerifier) Permissive() bool { return true }

// =============================================================================
// HELPERS
// =============================================================================

func toProcessorEvent(ev stripe.Event) (market.ProcessorEvent, error) {
	if ev.Type == "" {
		return market.ProcessorEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	out := market.ProcessorEvent{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Created > 0 {
		out.Created = time.Unix(ev.Created, 0).UTC()
	}
	if ev.Data != nil {
		out.Data = ev.Data.Raw
	}
	return out, nil
}
