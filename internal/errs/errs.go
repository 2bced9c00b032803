// Package errs defines the business error taxonomy shared by the
// ledger, matching engine, ranking engine and HTTP layer.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError covers malformed or out-of-range input, a closed
// market, too many active orders and insufficient funds. Safe to
// surface verbatim to the caller; never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validation builds a ValidationError with a formatted message.
func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError is a ValidationError subtype: the account
// cannot cover the reservation the order requires.
type InsufficientFundsError struct {
	ValidationError
}

// InsufficientFunds builds the standard insufficient-funds error.
func InsufficientFunds() *InsufficientFundsError {
	return &InsufficientFundsError{ValidationError{Msg: "insufficient funds for this operation"}}
}

// MarketClosedError is a ValidationError subtype raised when order
// operations arrive while the market flag is closed.
type MarketClosedError struct {
	ValidationError
}

// MarketClosed builds the standard market-closed error.
func MarketClosed() *MarketClosedError {
	return &MarketClosedError{ValidationError{Msg: "market is currently closed"}}
}

// NotFoundError identifies a missing order or account. No side effects.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// NotFound builds a NotFoundError for the named resource.
func NotFound(resource string) *NotFoundError {
	return &NotFoundError{Resource: resource}
}

// UnauthorizedError identifies a wrong owner or missing role.
type UnauthorizedError struct {
	Msg string
}

func (e *UnauthorizedError) Error() string { return e.Msg }

// Unauthorized builds an UnauthorizedError.
func Unauthorized(msg string) *UnauthorizedError {
	return &UnauthorizedError{Msg: msg}
}

// ErrEngineUnavailable is returned when a submit or cancel could not be
// committed (persistence failure or exhausted retries). The call has
// been rolled back; nothing was partially applied.
var ErrEngineUnavailable = errors.New("engine unavailable")

// IsValidation reports whether err is any validation-class error,
// including its insufficient-funds and market-closed subtypes.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ife *InsufficientFundsError
	var mce *MarketClosedError
	return errors.As(err, &ve) || errors.As(err, &ife) || errors.As(err, &mce)
}
