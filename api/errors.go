/*
errors.go - Error to HTTP response mapping

  401  no or invalid bearer token
  400  malformed body, validation failure, state conflict, duplicate pair,
       inactive connection, unavailable lead, bad webhook signature
  403  not a party / wrong role
  404  unknown id
  500  everything else; the cause is logged, never returned

All error bodies are {"error": "<message>"}.
*/
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/payments"
)

var errStoreUnavailable = errors.New("persistence unavailable")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// requestError marks errors caused by the request itself (bad JSON,
// DTO validation) rather than by the marketplace rules.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, payments.ErrMalformedEvent):
		return http.StatusBadRequest
	case market.IsNotFound(err):
		return http.StatusNotFound
	case market.IsForbidden(err):
		return http.StatusForbidden
	case market.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := h.Log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"status":     status,
	}).WithError(err)

	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Error("request failed")
		message = "internal server error"
		if errors.Is(err, errStoreUnavailable) {
			message = errStoreUnavailable.Error()
		}
	case http.StatusUnauthorized:
		log.Debug("unauthenticated request")
		message = errUnauthenticated.Error()
	default:
		log.Debug("request rejected")
	}

	writeJSON(w, status, ErrorResponse{Error: message})
}
