package exchange

import (
	"fmt"
	"time"
)

// AuthError means the exchange rejected our credentials. Not retryable.
type AuthError struct {
	Exchange string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Exchange, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InsufficientFundsError reports a balance shortfall before an order is
// even sent. The caller skips the cycle instead of failing the worker.
type InsufficientFundsError struct {
	Symbol    string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: required %.2f, available %.2f",
		e.Symbol, e.Required, e.Available)
}

// RateLimitError carries the backoff the server advised, zero when the
// response gave none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// NotFoundError means the exchange no longer knows the order id.
type NotFoundError struct {
	OrderID string
	Symbol  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("order %s for %s not found", e.OrderID, e.Symbol)
}

// ConfigError aborts gateway construction: unsupported exchange, mode, or
// missing credentials.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }
