package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Machine readable error codes returned in JSON error bodies.
const (
	CodeValidationFailed        = "validation_failed"
	CodeRequestTooLarge         = "request_too_large"
	CodeQuotaExceeded           = "quota_exceeded"
	CodeKeyProvisioningFailed   = "key_provisioning_failed"
	CodeGuestProvisioningFailed = "guest_provisioning_failed"
	CodeUpstreamUnavailable     = "upstream_unavailable"
	CodeUnauthorized            = "unauthorized"
	CodeForbidden               = "forbidden"
	CodeInternal                = "internal_error"
)

// Error is a JSON API error. Detail carries diagnostics and is omitted in production.
type Error struct {
	Status    int        `json:"-"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Detail    string     `json:"detail,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

// NewError creates an API error.
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail records the underlying error for non-production responses.
func (e *Error) WithDetail(err error) *Error {
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// WithRetry marks the error as retryable.
func (e *Error) WithRetry() *Error {
	e.Retryable = true
	return e
}

type errorBody struct {
	Error *Error `json:"error"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

// WriteError writes e as `{"error": {...}}`, dropping Detail when production is set.
func WriteError(w http.ResponseWriter, e *Error, production bool) {
	out := *e
	if production {
		out.Detail = ""
	}
	if out.Status == 0 {
		out.Status = http.StatusInternalServerError
	}

	WriteJSON(w, out.Status, errorBody{Error: &out})
}
