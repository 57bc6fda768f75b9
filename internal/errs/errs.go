// Package errs defines the error taxonomy shared by the gateway packages and
// its mapping onto HTTP status codes and envelope codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeNotFound        = "NOT_FOUND"
	CodeUpstream        = "UPSTREAM_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeStore           = "STORE_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternal        = "INTERNAL_ERROR"
)

// ValidationError is a malformed or incomplete request, detected before any
// network call.
type ValidationError struct {
	Field    string
	Reason   string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// UpstreamError is a non-success answer (or no answer) from the media
// service. StatusCode is zero when the request never got a response.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Detail     string
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("media service %s: %s", e.Operation, e.Detail)
	}
	return fmt.Sprintf("media service %s: HTTP %d: %s", e.Operation, e.StatusCode, e.Detail)
}

// IsRetryable returns true for server errors and transport failures.
func (e *UpstreamError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("media service %s timed out after %s", e.Operation, e.After)
}

// StoreError wraps a failure of the project store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("project store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store wraps err as a StoreError unless it already is one or is nil.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// HTTPStatus maps an error onto the status code returned to clients.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UpstreamError
		te *TimeoutError
		se *StoreError
	)
	switch {
	case errors.As(err, &ve):
		if ve.TooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.As(err, &ue):
		if ue.StatusCode >= 400 && ue.StatusCode <= 599 {
			return ue.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the envelope code for err.
func Code(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UpstreamError
		te *TimeoutError
		se *StoreError
	)
	switch {
	case errors.As(err, &ve):
		if ve.TooLarge {
			return CodePayloadTooLarge
		}
		return CodeValidation
	case errors.As(err, &nf):
		return CodeNotFound
	case errors.As(err, &te):
		return CodeTimeout
	case errors.As(err, &ue):
		return CodeUpstream
	case errors.As(err, &se):
		return CodeStore
	default:
		return CodeInternal
	}
}

// Message returns the client-facing message for err. Store and unknown
// errors are not echoed verbatim since they can leak connection details.
func Message(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UpstreamError
		te *TimeoutError
		se *StoreError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &nf):
		return nf.Error()
	case errors.As(err, &te):
		return te.Error()
	case errors.As(err, &ue):
		if ue.Detail != "" {
			return ue.Detail
		}
		return ue.Error()
	case errors.As(err, &se):
		return "failed to " + se.Op + " project"
	default:
		return "internal server error"
	}
}
