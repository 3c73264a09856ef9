package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the interface pooled connections must implement.
//
// Ping is used by health checks; Close releases the underlying resources.
type Conn interface {
	// Ping verifies the connection is still usable.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Factory creates new connections for the pool.
type Factory func(ctx context.Context) (Conn, error)

// ConnState represents the lifecycle state of a pooled connection.
type ConnState string

const (
	// ConnIdle means the connection is in the pool waiting for use.
	ConnIdle ConnState = "idle"

	// ConnInUse means the connection has been acquired by a caller.
	ConnInUse ConnState = "in_use"

	// ConnUnhealthy means the connection failed a health check or exceeded
	// its error budget and must not be handed out again.
	ConnUnhealthy ConnState = "unhealthy"

	// ConnClosed means the connection has been closed.
	ConnClosed ConnState = "closed"
)

// PooledConnection wraps a Conn with usage statistics and health tracking.
type PooledConnection struct {
	mu sync.Mutex

	id   string
	conn Conn

	state        ConnState
	createdAt    time.Time
	lastUsedAt   time.Time
	lastCheckAt  time.Time
	acquiredAt   time.Time
	requestCount int64
	errorCount   int64
	totalBusy    time.Duration
	unhealthy    bool
}

func newPooledConnection(conn Conn) *PooledConnection {
	now := time.Now()
	return &PooledConnection{
		id:         uuid.New().String(),
		conn:       conn,
		state:      ConnIdle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the connection's unique identifier.
func (pc *PooledConnection) ID() string {
	return pc.id
}

// Conn returns the underlying connection.
func (pc *PooledConnection) Conn() Conn {
	return pc.conn
}

// State returns the connection's current state.
func (pc *PooledConnection) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Age returns how long the connection has existed.
func (pc *PooledConnection) Age() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.createdAt)
}

// IdleTime returns how long since the connection was last used.
func (pc *PooledConnection) IdleTime() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.lastUsedAt)
}

// RequestCount returns the number of requests served.
func (pc *PooledConnection) RequestCount() int64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.requestCount
}

// ErrorCount returns the number of failed requests.
func (pc *PooledConnection) ErrorCount() int64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.errorCount
}

// ErrorRate returns the fraction of requests that failed, in [0, 1].
func (pc *PooledConnection) ErrorRate() float64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.requestCount == 0 {
		return 0
	}
	return float64(pc.errorCount) / float64(pc.requestCount)
}

// MarkUnhealthy flags the connection so the pool removes it instead of
// handing it out again. The flag is sticky until the connection is closed.
func (pc *PooledConnection) MarkUnhealthy() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.unhealthy = true
	if pc.state != ConnClosed {
		pc.state = ConnUnhealthy
	}
}

// AvgResponseTime returns the mean time the connection spent acquired
// per request.
func (pc *PooledConnection) AvgResponseTime() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.requestCount == 0 {
		return 0
	}
	return pc.totalBusy / time.Duration(pc.requestCount)
}

// recordUse updates request statistics after a caller releases the
// connection. Crossing maxErrorRate marks the connection unhealthy.
func (pc *PooledConnection) recordUse(failed bool, maxErrorRate float64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.requestCount++
	if failed {
		pc.errorCount++
	}
	pc.lastUsedAt = time.Now()
	if !pc.acquiredAt.IsZero() {
		pc.totalBusy += time.Since(pc.acquiredAt)
		pc.acquiredAt = time.Time{}
	}

	if maxErrorRate > 0 && pc.requestCount >= minRequestsForErrorRate {
		if float64(pc.errorCount)/float64(pc.requestCount) > maxErrorRate {
			pc.unhealthy = true
			pc.state = ConnUnhealthy
		}
	}
}

// Error-rate checks need a few samples before they are meaningful.
const minRequestsForErrorRate = 10

func (pc *PooledConnection) usage() (requests, errs int64, busy time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.requestCount, pc.errorCount, pc.totalBusy
}

func (pc *PooledConnection) healthy() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return !pc.unhealthy && pc.state != ConnClosed
}

func (pc *PooledConnection) setState(s ConnState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state == ConnClosed {
		return
	}
	if pc.unhealthy && s != ConnClosed {
		pc.state = ConnUnhealthy
		return
	}
	if s == ConnInUse {
		pc.acquiredAt = time.Now()
	}
	pc.state = s
}

func (pc *PooledConnection) expired(ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.createdAt) > ttl
}

func (pc *PooledConnection) idleBeyond(ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state == ConnIdle && time.Since(pc.lastUsedAt) > ttl
}

func (pc *PooledConnection) needsHealthCheck(interval time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.lastCheckAt) >= interval
}

func (pc *PooledConnection) checkHealth(ctx context.Context) error {
	err := pc.conn.Ping(ctx)

	pc.mu.Lock()
	pc.lastCheckAt = time.Now()
	if err != nil {
		pc.errorCount++
		pc.unhealthy = true
		if pc.state != ConnClosed {
			pc.state = ConnUnhealthy
		}
	}
	pc.mu.Unlock()

	return err
}

func (pc *PooledConnection) close() error {
	pc.mu.Lock()
	if pc.state == ConnClosed {
		pc.mu.Unlock()
		return nil
	}
	pc.state = ConnClosed
	pc.mu.Unlock()

	return pc.conn.Close()
}
