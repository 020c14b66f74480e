package provider

import "errors"

// Sentinel errors for provider operations.
var (
	// ErrTransport indicates the request never produced an HTTP response.
	ErrTransport = errors.New("provider transport failure")

	// ErrRateLimit indicates the provider returned a rate limit response.
	ErrRateLimit = errors.New("provider rate limited")

	// ErrProviderDown indicates the provider is temporarily unavailable.
	ErrProviderDown = errors.New("provider unavailable")

	// ErrBadResponse indicates a non-retryable error status or a response
	// without a usable answer.
	ErrBadResponse = errors.New("provider bad response")
)

// IsRetryable reports whether the error is transient and the request
// can be retried on a fresh connection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderDown)
}

// IsFatalConn reports whether the connection that produced err should be
// discarded rather than returned to the pool.
func IsFatalConn(err error) bool {
	return errors.Is(err, ErrTransport)
}
