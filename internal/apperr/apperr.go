// Package apperr defines the error taxonomy shared by the wallet, order,
// agreement and dispute services, and its mapping onto HTTP responses.
//
// Kinds:
//   - Authentication: bad credentials or webhook signature. Never retried.
//   - Authorization: actor lacks the role or ownership for the action.
//   - Validation: malformed input, amount mismatch. Surfaced verbatim.
//   - Conflict: state precondition failed; may be a benign race.
//   - InsufficientFunds: a mutation would drive a balance negative.
//   - External: gateway or storage unavailable; retryable.
//   - Noop: already-processed condition that short-circuits successfully.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindConflict
	KindInsufficientFunds
	KindExternal
	KindNotFound
	KindNoop
)

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two apperr values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Constructors, one per kind.

func Authentication(format string, args ...any) *Error {
	return newf(KindAuthentication, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func InsufficientFunds(format string, args ...any) *Error {
	return newf(KindInsufficientFunds, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// External wraps a retryable upstream failure.
func External(err error, format string, args ...any) *Error {
	e := newf(KindExternal, format, args...)
	e.Err = err
	return e
}

// Noop marks a recognized already-processed condition. Callers should
// acknowledge it as success rather than propagate a failure.
func Noop(format string, args ...any) *Error {
	return newf(KindNoop, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the Kind of err, or KindInternal if it is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error may succeed on retry.
// Only external-service failures and unclassified internals qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindExternal, KindInternal:
		return true
	}
	return false
}

var kindStatus = map[Kind]int{
	KindAuthentication:    http.StatusUnauthorized,
	KindAuthorization:     http.StatusForbidden,
	KindValidation:        http.StatusBadRequest,
	KindConflict:          http.StatusConflict,
	KindInsufficientFunds: http.StatusBadRequest,
	KindExternal:          http.StatusBadGateway,
	KindNotFound:          http.StatusNotFound,
	KindNoop:              http.StatusOK,
	KindInternal:          http.StatusInternalServerError,
}

var kindCode = map[Kind]string{
	KindAuthentication:    "authentication_failed",
	KindAuthorization:     "forbidden",
	KindValidation:        "validation_error",
	KindConflict:          "conflict",
	KindInsufficientFunds: "insufficient_funds",
	KindExternal:          "upstream_unavailable",
	KindNotFound:          "not_found",
	KindNoop:              "already_processed",
	KindInternal:          "internal_error",
}

// Write maps err onto a structured JSON error response.
func Write(c *gin.Context, err error) {
	kind := KindOf(err)
	status := kindStatus[kind]

	msg := err.Error()
	if kind == KindInternal {
		// Do not leak internals to callers
		msg = "Something went wrong. Please try again."
	}

	c.JSON(status, gin.H{
		"error":   kindCode[kind],
		"message": msg,
	})
}
