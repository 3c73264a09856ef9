package pool

import (
	"log/slog"
	"time"
)

// Default pool configuration.
const (
	DefaultPoolSize            = 5
	DefaultMaxConnections      = 10
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultCleanupInterval     = 60 * time.Second
	DefaultConnectionTTL       = 30 * time.Minute
	DefaultMaxErrorRate        = 0.5
)

// Option configures a Pool. Options with invalid values are ignored.
type Option func(*Pool)

// WithPoolSize sets the target number of connections kept warm. Values
// below 1 are ignored.
func WithPoolSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.poolSize = n
		}
	}
}

// WithMaxConnections sets the hard ceiling on open connections. Values
// below 1 are ignored.
func WithMaxConnections(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxConnections = n
		}
	}
}

// WithAcquireTimeout sets how long Acquire waits for a free connection
// before failing with ErrPoolExhausted.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.acquireTimeout = d
		}
	}
}

// WithHealthCheckInterval sets how often idle connections are pinged.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.healthCheckInterval = d
		}
	}
}

// WithCleanupInterval sets how often stale idle connections are recycled.
func WithCleanupInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithConnectionTTL sets the maximum lifetime of a connection. Connections
// older than the TTL are closed and replaced instead of reused.
func WithConnectionTTL(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.connectionTTL = d
		}
	}
}

// WithMaxErrorRate sets the per-connection error rate above which a
// connection is marked unhealthy. Must be in (0, 1].
func WithMaxErrorRate(rate float64) Option {
	return func(p *Pool) {
		if rate > 0 && rate <= 1 {
			p.maxErrorRate = rate
		}
	}
}

// WithFailureThreshold sets the number of consecutive failures that trip
// the circuit breaker.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the number of consecutive successes needed to
// close the circuit breaker from half-open.
func WithSuccessThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.successThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the circuit breaker stays open before
// allowing probe requests.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.recoveryTimeout = d
		}
	}
}

// WithLogger sets the logger. Nil loggers are ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector. Nil is ignored.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}
