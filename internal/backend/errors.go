package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proximity/internal/models"
)

// Error kinds. Match with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrMalformed    = errors.New("malformed response")
	ErrNetwork      = errors.New("network failure")
)

// Error is a failed backend call.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Severity   models.Severity
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func newUnauthorizedError(op string, status int) *Error {
	return &Error{Kind: ErrUnauthorized, Op: op, StatusCode: status}
}

func newRateLimitedError(op string, retryAfter time.Duration, severity models.Severity) *Error {
	return &Error{Kind: ErrRateLimited, Op: op, StatusCode: 429, RetryAfter: retryAfter, Severity: severity}
}

func newMalformedError(op string, err error) *Error {
	return &Error{Kind: ErrMalformed, Op: op, Err: err}
}

func newNetworkError(op string, status int, err error) *Error {
	return &Error{Kind: ErrNetwork, Op: op, StatusCode: status, Err: err}
}

// KindOf maps an error returned by a Client onto the outcome taxonomy.
func KindOf(err error) models.ErrorKind {
	switch {
	case err == nil:
		return models.ErrorKindNone
	case errors.Is(err, context.Canceled):
		return models.ErrorKindCancelled
	case errors.Is(err, ErrUnauthorized):
		return models.ErrorKindUnauthorized
	case errors.Is(err, ErrRateLimited):
		return models.ErrorKindRateLimited
	case errors.Is(err, ErrMalformed):
		return models.ErrorKindMalformed
	default:
		return models.ErrorKindNetwork
	}
}

// RateLimitOf extracts the backoff guidance from a rate-limited error.
func RateLimitOf(err error) (time.Duration, models.Severity, bool) {
	var be *Error
	if errors.As(err, &be) && be.Kind == ErrRateLimited {
		return be.RetryAfter, be.Severity, true
	}
	return 0, models.SeverityNone, false
}
