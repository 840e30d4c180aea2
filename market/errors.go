/*
errors.go - Error taxonomy for the marketplace core

ERROR CATEGORIES:
  1. Validation    - Malformed or missing input              (400)
  2. Authorization - Caller is not a party or has wrong role  (403)
  3. Not found     - Unknown id                               (404)
  4. State conflict - Action invalid for current status       (400)
  5. Dependency    - Store/processor failures                 (500)

Authentication (401) never reaches this package: the API resolves a
Session before calling in.

USAGE:
  if errors.Is(err, market.ErrStateConflict) { ... }

  var sc *market.StateConflictError
  if errors.As(err, &sc) {
      log.Printf("expected %s, got %s", sc.Expected, sc.Actual)
  }

SEE ALSO:
  - api/errors.go: Maps these to HTTP responses
*/
package market

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrForbidden = errors.New("forbidden")

	ErrConnectionNotFound  = errors.New("connection not found")
	ErrLeadNotFound        = errors.New("lead not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrStateConflict is wrapped by StateConflictError.
	ErrStateConflict = errors.New("invalid state for action")

	// ErrConnectionExists is returned when a provider/buyer pair already has a connection.
	ErrConnectionExists = errors.New("connection already exists for this provider and buyer")

	// ErrConnectionNotActive is returned when money would flow over a non-active connection.
	ErrConnectionNotActive = errors.New("connection is not active")

	// ErrLeadUnavailable is returned when a lead has already been claimed.
	ErrLeadUnavailable = errors.New("lead is not available")

	// ErrDuplicatePaymentID is returned by stores when a transaction with the same
	// processor payment id already exists. Expected on webhook redelivery.
	ErrDuplicatePaymentID = errors.New("duplicate processor payment id")

	// ErrConcurrentModification is returned by stores when a guarded update
	// finds a different status than expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned when a transaction status would move backwards.
	ErrInvalidTransition = errors.New("invalid transaction status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AuthorizationError explains why a session may not perform an action.
type AuthorizationError struct {
	UserID UserID
	Reason string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

// StateConflictError reports an action attempted from the wrong status.
type StateConflictError struct {
	ConnectionID ConnectionID
	Action       Action
	Expected     []ConnectionStatus
	Actual       ConnectionStatus
}

func (e *StateConflictError) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("cannot %s connection in status %s", e.Action, e.Actual)
	}
	expected := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		expected[i] = string(s)
	}
	return fmt.Sprintf("cannot %s connection: expected status %s, got %s",
		e.Action, strings.Join(expected, " or "), e.Actual)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConnectionNotFound) ||
		errors.Is(err, ErrLeadNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsForbidden returns true if the caller lacks permission.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsClientError returns true if the error is due to invalid client input
// or an action the current state does not allow.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrConnectionExists) ||
		errors.Is(err, ErrConnectionNotActive) ||
		errors.Is(err, ErrLeadUnavailable)
}

func forbidden(id UserID, format string, args ...any) error {
	return &AuthorizationError{UserID: id, Reason: fmt.Sprintf(format, args...)}
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
