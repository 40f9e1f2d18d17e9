// Package apperr defines the stable error codes returned by the negotiation
// and settlement services. Handlers map codes to HTTP statuses; services
// never construct HTTP responses themselves.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	// Validation and authorization errors. Returned synchronously, never
	// retried.
	CodeInvalidOffer         Code = "invalid_offer"
	CodeDuplicateNegotiation Code = "duplicate_negotiation"
	CodeForbidden            Code = "forbidden"
	CodeAlreadyFinalized     Code = "already_finalized"
	CodeNegotiationExpired   Code = "negotiation_expired"
	CodeNoAgreedPrice        Code = "no_agreed_price"
	CodeAlreadyFullyRefunded Code = "already_fully_refunded"
	CodeRefundExceedsBalance Code = "refund_exceeds_balance"
	CodeNotFound             Code = "not_found"
	CodeInvalidInput         Code = "invalid_input"

	// Gateway errors. No local state has been written, so retrying is safe.
	CodeGatewayUnavailable Code = "gateway_unavailable"

	// Invariant violations indicate a missed transaction boundary somewhere
	// else; the enclosing transaction is aborted.
	CodeInternal Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes two *Error values match on code, so callers can write
// errors.Is(err, apperr.New(apperr.CodeForbidden, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
