/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types are
  checked with ozzo-validation for shape (required fields, enums, lengths)
  before they reach the market package, which owns the business rules
  (positive rates, transitions, party checks).

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Response wrappers
  Domain types (market.Connection, market.Transaction, market.Lead,
  market.Balance) are returned as-is; their JSON tags are the contract.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/shopspring/decimal"

	"github.com/warp/lead-exchange/market"
)

// =============================================================================
// CONNECTIONS
// =============================================================================

// TermsRequest holds the term fields shared by create and PATCH bodies.
// Absent fields stay nil so partial updates can be told apart from zeroes.
type TermsRequest struct {
	RatePerLead           *decimal.Decimal `json:"rate_per_lead,omitempty"`
	PaymentTiming         string           `json:"payment_timing,omitempty"`
	WeeklyLeadCap         *int             `json:"weekly_lead_cap,omitempty"`
	MonthlyLeadCap        *int             `json:"monthly_lead_cap,omitempty"`
	TerminationNoticeDays *int             `json:"termination_notice_days,omitempty"`
}

func (t *TermsRequest) fields() []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&t.PaymentTiming, validation.In(
			string(market.TimingPerLead), string(market.TimingWeekly), string(market.TimingMonthly),
		).Error("must be one of per_lead, weekly, monthly")),
	}
}

func (t *TermsRequest) toInput() *market.TermsInput {
	in := &market.TermsInput{
		RatePerLead:           t.RatePerLead,
		PaymentTiming:         market.PaymentTiming(t.PaymentTiming),
		WeeklyLeadCap:         t.WeeklyLeadCap,
		MonthlyLeadCap:        t.MonthlyLeadCap,
		TerminationNoticeDays: t.TerminationNoticeDays,
	}
	if in.RatePerLead == nil && in.PaymentTiming == "" && in.WeeklyLeadCap == nil &&
		in.MonthlyLeadCap == nil && in.TerminationNoticeDays == nil {
		return nil
	}
	return in
}

// CreateConnectionRequest starts a connection. Role, when present, must
// match the caller's session.
type CreateConnectionRequest struct {
	Role          string `json:"role,omitempty"`
	CounterpartID string `json:"counterpart_id"`
	Message       string `json:"message,omitempty"`
	TermsRequest
}

func (req *CreateConnectionRequest) Validate() error {
	req.CounterpartID = strings.TrimSpace(req.CounterpartID)
	rules := []*validation.FieldRules{
		validation.Field(&req.Role, validation.In(string(market.RoleProvider), string(market.RoleBuyer))),
		validation.Field(&req.CounterpartID, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.Message, validation.Length(0, 2000)),
	}
	return validation.ValidateStruct(req, append(rules, req.TermsRequest.fields()...)...)
}

// ConnectionActionRequest is the PATCH body: {action, ...terms}.
type ConnectionActionRequest struct {
	Action string `json:"action"`
	TermsRequest
}

func (req *ConnectionActionRequest) Validate() error {
	actions := make([]any, 0, len(market.Actions()))
	for _, a := range market.Actions() {
		actions = append(actions, string(a))
	}
	rules := []*validation.FieldRules{
		validation.Field(&req.Action, validation.Required, validation.In(actions...).Error("unknown action")),
	}
	return validation.ValidateStruct(req, append(rules, req.TermsRequest.fields()...)...)
}

type ConnectionListResponse struct {
	Connections []market.Connection `json:"connections"`
}

// =============================================================================
// LEADS
// =============================================================================

type SubmitLeadRequest struct {
	ContactName   string `json:"contact_name"`
	ContactEmail  string `json:"contact_email,omitempty"`
	ContactPhone  string `json:"contact_phone,omitempty"`
	InsuranceType string `json:"insurance_type,omitempty"`
}

func (req *SubmitLeadRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.ContactName, validation.Required, validation.Length(1, 200)),
		validation.Field(&req.ContactEmail, is.EmailFormat),
		validation.Field(&req.ContactPhone, validation.Length(0, 32)),
		validation.Field(&req.InsuranceType, validation.Length(0, 64)),
	)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionListResponse struct {
	Transactions []market.Transaction `json:"transactions"`
}

// =============================================================================
// WEBHOOK / HEALTH
// =============================================================================

type WebhookResponse struct {
	Received bool `json:"received"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
