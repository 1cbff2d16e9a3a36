package types

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the gateway core. Handlers dispatch on these with
// errors.Is / errors.As; components wrap them with context via fmt.Errorf.
var (
	// ErrInvalidCredential is terminal: the broker refused the login and the
	// attempt is never retried.
	ErrInvalidCredential = errors.New("invalid broker credential")

	// ErrTerminalUnavailable covers transient terminal failures and the open
	// circuit breaker. Callers may retry after backing off.
	ErrTerminalUnavailable = errors.New("terminal unavailable")

	// ErrNotConnected is returned for broker-facing operations by users
	// without an active session.
	ErrNotConnected = errors.New("no active session")

	// ErrBrokerRejected is a broker-confirmed rejection, terminal for the
	// operation that triggered it.
	ErrBrokerRejected = errors.New("rejected by broker")

	// ErrOrderNotFound means no record exists for the client order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderTerminal is returned when cancelling an order already in a
	// terminal state.
	ErrOrderTerminal = errors.New("order already in terminal state")

	// ErrPositionNotFound means no open position matches the ticket.
	ErrPositionNotFound = errors.New("position not found")
)

// ValidationError reports a rejected request field before any broker call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// RateLimitedError carries the duration after which the caller may retry.
// RetryAfter is always positive.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
