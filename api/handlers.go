/*
handlers.go - HTTP API handlers for the lead exchange

PURPOSE:
  Exposes the marketplace core via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the market package.

ENDPOINTS:
  Connections:
    POST   /api/connections              Request (provider) or invite (buyer)
    GET    /api/connections?status=      List caller's connections (pending|active)
    GET    /api/connections/{id}         Get connection (parties only)
    PATCH  /api/connections/{id}         Apply {action, ...terms}

  Leads:
    POST   /api/leads                    Submit lead (provider)
    GET    /api/leads/{id}               Get lead (provider or claiming buyer)
    POST   /api/leads/{id}/claim         Claim lead, create PaymentIntent (buyer)

  Transactions:
    GET    /api/transactions?limit=      Caller's ledger rows, newest first (max 100)
    GET    /api/transactions/balance     Caller's balance

  Webhooks:
    POST   /api/webhooks/stripe          Processor events

REQUEST FLOW:
  1. Resolve session (Authenticate middleware)
  2. Decode and validate body (dto.go)
  3. Call the market service
  4. Serialize response, or map the error (errors.go)

WEBHOOK CONTRACT:
  Signature and envelope failures answer 400. Once an event is verified it
  is always acknowledged with {"received": true}, whatever the reconciler
  made of it; failures are logged and counted, never surfaced to the
  processor.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/payments"
)

// MaxWebhookBody bounds the raw webhook payload we are willing to read.
const MaxWebhookBody = 64 << 10

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators NewHandler wires into services. A nil Store
// leaves the API in degraded mode: webhooks are acknowledged as no-ops and
// authenticated routes answer 500.
type Deps struct {
	Store     market.Store
	Processor market.PaymentProcessor
	Verifier  payments.SignatureVerifier
	Tokens    *TokenIssuer
	Currency  string
	Log       logrus.FieldLogger
	Metrics   *Metrics
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       market.Store
	Connections *market.ConnectionService
	Claims      *market.ClaimService
	Ledger      *market.Ledger
	Balances    *market.BalanceCalculator
	Reconciler  *market.Reconciler
	Verifier    payments.SignatureVerifier
	Tokens      *TokenIssuer
	Metrics     *Metrics
	Log         logrus.FieldLogger
}

// NewHandler builds the services over d.Store.
func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	verifier := d.Verifier
	if verifier == nil {
		verifier = payments.NewSignatureVerifier("", log)
	}

	h := &Handler{
		Store:      d.Store,
		Reconciler: market.NewReconciler(d.Store, log.WithField("component", "reconciler")),
		Verifier:   verifier,
		Tokens:     d.Tokens,
		Metrics:    metrics,
		Log:        log,
	}
	if d.Store == nil {
		log.Warn("no store configured; running in degraded mode")
		return h
	}

	processor := d.Processor
	if processor == nil {
		processor = payments.NewSimulatedProcessor(log)
	}

	h.Connections = market.NewConnectionService(d.Store, d.Store)
	h.Claims = market.NewClaimService(d.Store, d.Store, h.Connections, processor, d.Currency)
	h.Claims.Log = log.WithField("component", "claims")
	h.Ledger = market.NewLedger(d.Store)
	h.Balances = market.NewBalanceCalculator(d.Store)
	return h
}

// RequireStore answers 500 on routes that need persistence when there is none.
func (h *Handler) RequireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Store == nil {
			h.writeError(w, r, errStoreUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness and, when the store supports it, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}
	switch s := h.Store.(type) {
	case nil:
		resp.Status, resp.Database = "degraded", "unavailable"
	case pinger:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			h.Log.WithError(err).Warn("database ping failed")
			resp.Status, resp.Database = "degraded", "unreachable"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// CONNECTION HANDLERS
// =============================================================================

// CreateConnection starts a connection from the caller's side.
func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req CreateConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if req.Role != "" && market.Role(req.Role) != sess.Role() {
		h.writeError(w, r, &market.AuthorizationError{
			UserID: sess.UserID(),
			Reason: fmt.Sprintf("session role is %s, not %s", sess.Role(), req.Role),
		})
		return
	}

	conn, err := h.Connections.Request(r.Context(), sess, market.CreateConnectionInput{
		CounterpartID: market.UserID(req.CounterpartID),
		Message:       req.Message,
		Terms:         req.TermsRequest.toInput(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"user_id":       sess.UserID(),
		"status":        conn.Status,
	}).Info("connection created")
	writeJSON(w, http.StatusCreated, conn)
}

// ListConnections returns the caller's connections, optionally filtered by
// ?status=pending|active. A ?role= that differs from the session is refused.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if role := r.URL.Query().Get("role"); role != "" && market.Role(role) != sess.Role() {
		h.writeError(w, r, &market.AuthorizationError{
			UserID: sess.UserID(),
			Reason: fmt.Sprintf("cannot list connections as %s", role),
		})
		return
	}

	conns, err := h.Connections.List(r.Context(), sess, market.ListScope(r.URL.Query().Get("status")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if conns == nil {
		conns = []market.Connection{}
	}
	writeJSON(w, http.StatusOK, ConnectionListResponse{Connections: conns})
}

// GetConnection returns one connection to either party.
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.Connections.Get(r.Context(), sess, market.ConnectionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// UpdateConnection applies one lifecycle action.
func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req ConnectionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}

	id := market.ConnectionID(chi.URLParam(r, "id"))
	conn, err := h.Connections.Apply(r.Context(), sess, id, market.ActionInput{
		Action: market.Action(req.Action),
		Terms:  req.TermsRequest.toInput(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"action":        req.Action,
		"user_id":       sess.UserID(),
		"status":        conn.Status,
	}).Info("connection updated")
	writeJSON(w, http.StatusOK, conn)
}

// =============================================================================
// LEAD HANDLERS
// =============================================================================

// SubmitLead records a new lead for the calling provider.
func (h *Handler) SubmitLead(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req SubmitLeadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}

	lead, err := h.Claims.Submit(r.Context(), sess, market.SubmitLeadInput{
		ContactName:   req.ContactName,
		ContactEmail:  req.ContactEmail,
		ContactPhone:  req.ContactPhone,
		InsuranceType: req.InsuranceType,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	lead, err := h.Claims.Get(r.Context(), sess, market.LeadID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// ClaimLead reserves the lead for the calling buyer and returns the
// PaymentIntent the client must confirm.
func (h *Handler) ClaimLead(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.Claims.Claim(r.Context(), sess, market.LeadID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"lead_id":    result.Lead.ID,
		"user_id":    sess.UserID(),
		"payment_id": result.PaymentIntent.ID,
	}).Info("lead claimed")
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns the caller's ledger rows, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit := market.MaxTransactionPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, badRequest(errors.New("limit: must be a positive integer")))
			return
		}
		limit = n
	}

	txs, err := h.Ledger.ForUser(r.Context(), sess.UserID(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []market.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{Transactions: txs})
}

// GetBalance returns the caller's derived balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	balance, err := h.Balances.Calculate(r.Context(), sess.UserID())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// =============================================================================
// WEBHOOK HANDLER
// =============================================================================

// StripeWebhook verifies and reconciles one processor event.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		h.writeError(w, r, badRequest(fmt.Errorf("failed to read body: %w", err)))
		return
	}

	ev, err := h.Verifier.Verify(payload, r.Header.Get(payments.SignatureHeader))
	if err != nil {
		h.Log.WithError(err).Warn("rejected webhook delivery")
		h.writeError(w, r, err)
		return
	}

	outcome := h.Reconciler.Handle(r.Context(), ev)
	h.Metrics.ObserveWebhook(ev.Type, h.Reconciler.Handles(ev.Type), outcome)

	writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest(errors.New("request body is required"))
		}
		return badRequest(fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}
