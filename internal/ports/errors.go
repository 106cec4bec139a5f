package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Price feed errors
	ErrFeedUnavailable = errors.New("price feed is unavailable")
	ErrStaleQuote      = errors.New("price quote is older than the allowed age")
	ErrInvalidSample   = errors.New("invalid price sample")

	// Exchange Specific Errors
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrExecutionTimeout     = errors.New("execution did not complete in time")
	ErrExecutionRejected    = errors.New("order rejected by the exchange")
	ErrPartialFill          = errors.New("order filled only partially")

	// Engine errors
	ErrLedgerInvariant = errors.New("lot ledger invariant violated")
	ErrUnknownLot      = errors.New("lot not found in ledger")
	ErrCycleInProgress = errors.New("a decision cycle is already running")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// IsFatal reports whether err indicates state corruption that must halt the
// engine rather than be retried on the next tick.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedgerInvariant)
}

// IsRetryable reports whether err is a transient condition for which the
// next tick should simply try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrFeedUnavailable) ||
		errors.Is(err, ErrStaleQuote) ||
		errors.Is(err, ErrInvalidSample) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExecutionTimeout)
}
