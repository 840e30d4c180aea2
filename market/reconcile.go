/*
reconcile.go - Applies payment processor events to the ledger and leads

PURPOSE:
  The processor reports money movement asynchronously. Each event is
  applied to the Transaction ledger, Lead payout fields, or User
  onboarding state. Delivery is at-least-once and may be out of order.

EVENT HANDLING:
  account.updated               -> user.onboarding_complete =
                                   charges_enabled && payouts_enabled && details_submitted
  payment_intent.succeeded      -> lead processing, pending transaction (amount = cents/100)
  payment_intent.payment_failed -> lead failed, failed transaction with failure message
                                   (keyed on the declined charge when no row exists,
                                   so the buyer can retry the same intent)
  transfer.created              -> lead completed (+ transfer id, timestamp), transaction completed
  transfer.reversed             -> lead failed, transaction failed
  payout.paid / payout.failed   -> logged only

IDEMPOTENCY:
  1. Processed event ids are recorded after a handler succeeds; a redelivered
     id is acknowledged without running the handler again.
  2. Each handler is idempotent on its own: payment ids are unique in the
     ledger and transaction status only moves forward.

FAILURE POLICY:
  Handle never returns an error and never panics. Handler failures are
  logged and reported as OutcomeFailed; the caller still acknowledges the
  event so the processor does not retry forever. A Reconciler built without
  a store acknowledges everything as a no-op (OutcomeDegraded).

ORDERING ASSUMPTION:
  Events for the same lead are assumed to arrive in the processor's order.
  This is not verified here; the persisted status is last-write-wins.
*/
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// EVENTS
// =============================================================================

const (
	EventAccountUpdated         = "account.updated"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventTransferCreated        = "transfer.created"
	EventTransferReversed       = "transfer.reversed"
	EventPayoutPaid             = "payout.paid"
	EventPayoutFailed           = "payout.failed"
)

// Metadata keys attached to processor objects for lead payouts.
const (
	MetaType         = "type"
	MetaLeadID       = "leadId"
	MetaConnectionID = "connectionId"
	MetaProviderID   = "providerId"
	MetaBuyerID      = "buyerId"

	// MetaPaymentIntentID links a declined attempt row to its intent.
	MetaPaymentIntentID = "payment_intent_id"

	// TransferGroupPrefix + lead id is set as the PaymentIntent transfer group
	// so transfers can be traced back to a lead without metadata.
	TransferGroupPrefix = "lead_"
)

// ProcessorEvent is a verified event envelope. Data holds the raw object.
type ProcessorEvent struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeDegraded  Outcome = "degraded"
)

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	TransferGroup    string            `json:"transfer_group"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Charge  string `json:"charge"`
	} `json:"last_payment_error"`
}

// declineKey is the ledger key for a failed attempt with no prior row. The
// intent id stays free so a later success on the same intent can record its
// own pending row.
func (pi paymentIntentObject) declineKey(eventID string) string {
	if pi.LastPaymentError != nil && pi.LastPaymentError.Charge != "" {
		return pi.LastPaymentError.Charge
	}
	if eventID != "" {
		return pi.ID + "/" + eventID
	}
	return pi.ID + "/declined"
}

type transferObject struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Destination   string            `json:"destination"`
	Metadata      map[string]string `json:"metadata"`
	TransferGroup string            `json:"transfer_group"`
}

// leadID prefers metadata and falls back to the transfer group.
func (t transferObject) leadID() LeadID {
	if id := t.Metadata[MetaLeadID]; id != "" {
		return LeadID(id)
	}
	if strings.HasPrefix(t.TransferGroup, TransferGroupPrefix) {
		return LeadID(strings.TrimPrefix(t.TransferGroup, TransferGroupPrefix))
	}
	return ""
}

type accountObject struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

type payoutObject struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// =============================================================================
// RECONCILER
// =============================================================================

type eventHandler func(ctx context.Context, ev ProcessorEvent, log logrus.FieldLogger) (applied bool, err error)

type Reconciler struct {
	Leads  LeadStore
	Users  UserStore
	Events EventLog
	Ledger *Ledger
	Log    logrus.FieldLogger
	Now    func() time.Time
}

// NewReconciler wires a reconciler over store. A nil store yields a
// reconciler that acknowledges every event without applying it.
func NewReconciler(store Store, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reconciler{
		Log: log,
		Now: func() time.Time { return time.Now().UTC() },
	}
	if store != nil {
		r.Leads = store
		r.Users = store
		r.Events = store
		r.Ledger = NewLedger(store)
	}
	return r
}

func (r *Reconciler) degraded() bool {
	return r.Leads == nil || r.Users == nil || r.Ledger == nil
}

// Handle applies ev. It always returns; failures are logged.
func (r *Reconciler) Handle(ctx context.Context, ev ProcessorEvent) (outcome Outcome) {
	log := r.Log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("processor event handler panicked")
			outcome = OutcomeFailed
		}
	}()

	if r.degraded() {
		log.Warn("persistence unavailable; acknowledging event without applying it")
		return OutcomeDegraded
	}

	if ev.ID != "" && r.Events != nil {
		done, err := r.Events.IsEventProcessed(ctx, ev.ID)
		if err != nil {
			log.WithError(err).Warn("could not check processed events; handling anyway")
		} else if done {
			log.Debug("event already processed")
			return OutcomeDuplicate
		}
	}

	handler, ok := r.handlers()[ev.Type]
	if !ok {
		log.Debug("unhandled event type")
		return OutcomeIgnored
	}

	applied, err := handler(ctx, ev, log)
	if err != nil {
		log.WithError(err).Error("failed to apply processor event")
		return OutcomeFailed
	}

	if ev.ID != "" && r.Events != nil {
		if err := r.Events.MarkEventProcessed(ctx, ev.ID, ev.Type, r.Now()); err != nil {
			log.WithError(err).Warn("failed to record processed event")
		}
	}

	if !applied {
		return OutcomeIgnored
	}
	return OutcomeApplied
}

// Handles reports whether eventType has a handler.
func (r *Reconciler) Handles(eventType string) bool {
	_, ok := r.handlers()[eventType]
	return ok
}

func (r *Reconciler) handlers() map[string]eventHandler {
	return map[string]eventHandler{
		EventAccountUpdated:         r.accountUpdated,
		EventPaymentIntentSucceeded: r.paymentSucceeded,
		EventPaymentIntentFailed:    r.paymentFailed,
		EventTransferCreated:        r.transferCreated,
		EventTransferReversed:       r.transferReversed,
		EventPayoutPaid:             r.payoutPaid,
		EventPayoutFailed:           r.payoutFailed,
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

func (r *Reconciler) accountUpdated(ctx context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var acct accountObject
	if err := decodeObject(ev, &acct); err != nil {
		return false, err
	}

	complete := acct.ChargesEnabled && acct.PayoutsEnabled && acct.DetailsSubmitted
	found, err := r.Users.SetOnboardingComplete(ctx, acct.ID, complete)
	if err != nil {
		return false, fmt.Errorf("failed to update onboarding status: %w", err)
	}
	if !found {
		log.WithField("account_id", acct.ID).Debug("no user for processor account")
		return false, nil
	}

	log.WithFields(logrus.Fields{"account_id": acct.ID, "onboarding_complete": complete}).Info("account status updated")
	return true, nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var pi paymentIntentObject
	if err := decodeObject(ev, &pi); err != nil {
		return false, err
	}

	leadID := LeadID(pi.Metadata[MetaLeadID])
	if pi.Metadata[MetaType] != string(TxLeadPayout) || leadID == "" {
		return false, nil
	}
	log = log.WithFields(logrus.Fields{"lead_id": leadID, "payment_id": pi.ID})

	tx, created, err := r.Ledger.RecordPending(ctx, PayoutEntry{
		Amount:       FromMinorUnits(pi.Amount),
		From:         UserID(pi.Metadata[MetaBuyerID]),
		To:           UserID(pi.Metadata[MetaProviderID]),
		LeadID:       leadID,
		ConnectionID: ConnectionID(pi.Metadata[MetaConnectionID]),
		PaymentID:    pi.ID,
		Description:  fmt.Sprintf("Lead payout for lead %s", leadID),
		Metadata:     map[string]string{MetaLeadID: string(leadID)},
	})
	if err != nil {
		return false, err
	}

	// A replay only re-marks the lead while the payout is still pending,
	// so it cannot pull a completed payout back to processing.
	if !created && tx.Status != TxPending {
		log.Debug("payment already reconciled")
		return false, nil
	}

	if err := r.setPayout(ctx, leadID, PayoutUpdate{Status: PayoutProcessing}, log); err != nil {
		return false, err
	}

	log.WithField("amount", tx.Amount.StringFixed(2)).Info("lead payout processing")
	return created, nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var pi paymentIntentObject
	if err := decodeObject(ev, &pi); err != nil {
		return false, err
	}

	leadID := LeadID(pi.Metadata[MetaLeadID])
	if leadID == "" {
		return false, nil
	}
	log = log.WithFields(logrus.Fields{"lead_id": leadID, "payment_id": pi.ID})

	message := "payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
		message = pi.LastPaymentError.Message
	}

	if err := r.setPayout(ctx, leadID, PayoutUpdate{Status: PayoutFailed}, log); err != nil {
		return false, err
	}

	existing, err := r.Ledger.ByPaymentID(ctx, pi.ID)
	switch {
	case err == nil:
		_, err := r.Ledger.Fail(ctx, existing, map[string]string{"failure_message": message})
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return false, err
		}
	case errors.Is(err, ErrTransactionNotFound):
		if _, _, err := r.Ledger.RecordFailed(ctx, PayoutEntry{
			Amount:       FromMinorUnits(pi.Amount),
			From:         UserID(pi.Metadata[MetaBuyerID]),
			To:           UserID(pi.Metadata[MetaProviderID]),
			LeadID:       leadID,
			ConnectionID: ConnectionID(pi.Metadata[MetaConnectionID]),
			PaymentID:    pi.declineKey(ev.ID),
			Description:  fmt.Sprintf("Failed lead payout for lead %s", leadID),
			Metadata: map[string]string{
				MetaLeadID:          string(leadID),
				MetaPaymentIntentID: pi.ID,
				"failure_message":   message,
			},
		}); err != nil {
			return false, err
		}
	default:
		return false, err
	}

	log.WithField("failure_message", message).Warn("lead payout failed")
	return true, nil
}

func (r *Reconciler) transferCreated(ctx context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var tr transferObject
	if err := decodeObject(ev, &tr); err != nil {
		return false, err
	}

	leadID := tr.leadID()
	if leadID == "" {
		return false, nil
	}
	log = log.WithFields(logrus.Fields{"lead_id": leadID, "transfer_id": tr.ID})

	completedAt := r.eventTime(ev)
	if err := r.setPayout(ctx, leadID, PayoutUpdate{
		Status:            PayoutCompleted,
		StripeTransferID:  tr.ID,
		PayoutCompletedAt: &completedAt,
	}, log); err != nil {
		return false, err
	}

	tx, err := r.Ledger.LatestForLead(ctx, leadID)
	if errors.Is(err, ErrTransactionNotFound) {
		log.Warn("no ledger transaction for transferred lead")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	_, err = r.Ledger.Complete(ctx, tx, tr.ID, completedAt)
	if errors.Is(err, ErrInvalidTransition) {
		log.WithField("transaction_status", tx.Status).Warn("transfer arrived for a settled transaction")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	log.Info("lead payout completed")
	return true, nil
}

func (r *Reconciler) transferReversed(ctx context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var tr transferObject
	if err := decodeObject(ev, &tr); err != nil {
		return false, err
	}

	leadID := tr.leadID()
	if leadID == "" {
		return false, nil
	}
	log = log.WithFields(logrus.Fields{"lead_id": leadID, "transfer_id": tr.ID})

	if err := r.setPayout(ctx, leadID, PayoutUpdate{Status: PayoutFailed}, log); err != nil {
		return false, err
	}

	tx, err := r.Ledger.LatestForLead(ctx, leadID)
	if errors.Is(err, ErrTransactionNotFound) {
		log.Warn("no ledger transaction for reversed lead")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := r.Ledger.Fail(ctx, tx, map[string]string{"reversed_transfer_id": tr.ID}); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return false, err
	}

	log.Warn("lead payout transfer reversed")
	return true, nil
}

func (r *Reconciler) payoutPaid(_ context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var p payoutObject
	if err := decodeObject(ev, &p); err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{"payout_id": p.ID, "amount": FromMinorUnits(p.Amount).StringFixed(2)}).Info("payout paid")
	return false, nil
}

func (r *Reconciler) payoutFailed(_ context.Context, ev ProcessorEvent, log logrus.FieldLogger) (bool, error) {
	var p payoutObject
	if err := decodeObject(ev, &p); err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		"payout_id":       p.ID,
		"failure_code":    p.FailureCode,
		"failure_message": p.FailureMessage,
	}).Warn("payout failed")
	return false, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// setPayout updates lead payout fields. A missing lead is logged, not fatal:
// the ledger row is still worth keeping.
func (r *Reconciler) setPayout(ctx context.Context, id LeadID, u PayoutUpdate, log logrus.FieldLogger) error {
	err := r.Leads.UpdateLeadPayout(ctx, id, u)
	if errors.Is(err, ErrLeadNotFound) {
		log.Warn("lead not found for payout update")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update lead payout: %w", err)
	}
	return nil
}

func (r *Reconciler) eventTime(ev ProcessorEvent) time.Time {
	if !ev.Created.IsZero() {
		return ev.Created.UTC()
	}
	return r.Now()
}

func decodeObject(ev ProcessorEvent, v any) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("event %s has no data object", ev.ID)
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s object: %w", ev.Type, err)
	}
	return nil
}
