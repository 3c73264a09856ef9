package pool

import "errors"

// Pool sentinel errors.
// Circuit-open rejections and exhaustion timeouts are expected, retryable
// conditions - callers should back off and try again rather than treat them
// as fatal. Use errors.Is() to check for these errors as they may be wrapped
// with additional context.
var (
	// ErrCircuitOpen indicates the circuit breaker is rejecting requests
	// because the remote endpoint has been failing.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrPoolExhausted indicates every connection was in use and none became
	// available within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool is closed")
)
