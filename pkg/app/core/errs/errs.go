// Package errs defines the error taxonomy shared by the margin core.
//
// Every failure returned by the ledger, margin calculator, order manager and
// coordinator is an *Error carrying a Kind. Callers match with errors.Is
// against the package sentinels:
//
//	if errors.Is(err, errs.ErrMarginExceeded) { ... }
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindInsufficientFunds   Kind = "INSUFFICIENT_FUNDS"
	KindMarginExceeded      Kind = "MARGIN_EXCEEDED"
	KindUnknownToken        Kind = "UNKNOWN_TOKEN"
	KindUnknownMarket       Kind = "UNKNOWN_MARKET"
	KindDuplicateClientID   Kind = "DUPLICATE_CLIENT_ID"
	KindOrderNotFound       Kind = "ORDER_NOT_FOUND"
	KindReduceOnlyViolation Kind = "REDUCE_ONLY_VIOLATION"
	KindInvariantViolation  Kind = "INVARIANT_VIOLATION"
	KindUpstreamTimeout     Kind = "UPSTREAM_TIMEOUT"
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindMarketNotActive     Kind = "MARKET_NOT_ACTIVE"
)

// Error is a classified core error.
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Is reports whether target is a sentinel (message-less) error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is.
var (
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrMarginExceeded      = &Error{Kind: KindMarginExceeded}
	ErrUnknownToken        = &Error{Kind: KindUnknownToken}
	ErrUnknownMarket       = &Error{Kind: KindUnknownMarket}
	ErrDuplicateClientID   = &Error{Kind: KindDuplicateClientID}
	ErrOrderNotFound       = &Error{Kind: KindOrderNotFound}
	ErrReduceOnlyViolation = &Error{Kind: KindReduceOnlyViolation}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
	ErrUpstreamTimeout     = &Error{Kind: KindUpstreamTimeout}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrMarketNotActive     = &Error{Kind: KindMarketNotActive}
)

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsInvariant reports whether err signals an internal consistency fault.
// Invariant violations are never user errors and must not be retried blindly.
func IsInvariant(err error) bool {
	return KindOf(err) == KindInvariantViolation
}

// IsUserError reports whether err was caused by the request itself.
func IsUserError(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindMarginExceeded, KindUnknownToken, KindUnknownMarket,
		KindDuplicateClientID, KindOrderNotFound, KindReduceOnlyViolation,
		KindInvalidRequest, KindMarketNotActive:
		return true
	}
	return false
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest, KindUnknownToken, KindUnknownMarket:
		return http.StatusBadRequest
	case KindOrderNotFound:
		return http.StatusNotFound
	case KindDuplicateClientID:
		return http.StatusConflict
	case KindInsufficientFunds, KindMarginExceeded, KindReduceOnlyViolation, KindMarketNotActive:
		return http.StatusUnprocessableEntity
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
