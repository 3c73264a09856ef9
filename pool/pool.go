// Package pool provides a health-aware connection pool guarded by a
// circuit breaker.
//
// # Overview
//
// The pool keeps a target number of connections warm, creates more on
// demand up to a hard ceiling, and recycles connections that grow old,
// go stale, or accumulate errors. A circuit breaker in front of
// acquisition stops callers from hammering an endpoint that is failing.
//
// # Usage
//
//	p := pool.New(factory,
//		pool.WithPoolSize(5),
//		pool.WithMaxConnections(10),
//	)
//	if err := p.Initialize(ctx); err != nil {
//		return err
//	}
//	defer p.Close()
//
//	err := p.With(ctx, func(ctx context.Context, conn pool.Conn) error {
//		return doWork(ctx, conn)
//	})
//
// # Health
//
// Idle connections are pinged in the background. Failing connections are
// closed and the pool is topped back up during cleanup rather than
// replaced inline, so a flaky endpoint drains the pool gradually instead
// of triggering a reconnect storm.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Pool manages a set of reusable connections.
type Pool struct {
	mu sync.Mutex

	factory Factory
	logger  *slog.Logger
	metrics *Metrics
	breaker *CircuitBreaker

	poolSize            int
	maxConnections      int
	acquireTimeout      time.Duration
	healthCheckInterval time.Duration
	cleanupInterval     time.Duration
	connectionTTL       time.Duration
	maxErrorRate        float64
	failureThreshold    int
	successThreshold    int
	recoveryTimeout     time.Duration

	idle  chan *PooledConnection
	conns map[string]*PooledConnection

	creating     int // connections being dialed, counted against the ceiling
	totalCreated int64
	totalClosed  int64
	healthChecks int64

	initialized bool
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a pool around factory. No connections are opened until
// Initialize is called.
func New(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:             factory,
		logger:              slog.Default(),
		poolSize:            DefaultPoolSize,
		maxConnections:      DefaultMaxConnections,
		acquireTimeout:      DefaultAcquireTimeout,
		healthCheckInterval: DefaultHealthCheckInterval,
		cleanupInterval:     DefaultCleanupInterval,
		connectionTTL:       DefaultConnectionTTL,
		maxErrorRate:        DefaultMaxErrorRate,
		conns:               make(map[string]*PooledConnection),
		done:                make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.maxConnections < p.poolSize {
		p.maxConnections = p.poolSize
	}

	p.logger = p.logger.With("component", "pool")
	p.breaker = NewCircuitBreaker(p.failureThreshold, p.successThreshold, p.recoveryTimeout)
	p.idle = make(chan *PooledConnection, p.maxConnections)

	return p
}

// Breaker returns the pool's circuit breaker.
func (p *Pool) Breaker() *CircuitBreaker {
	return p.breaker
}

// Initialize opens the initial connections and starts the background
// health check and cleanup loops. It fails if any initial connection
// cannot be created.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	size := p.poolSize
	p.mu.Unlock()

	for i := 0; i < size; i++ {
		pc, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.idle <- pc
	}

	p.wg.Add(2)
	go p.healthLoop()
	go p.cleanupLoop()

	p.logger.InfoContext(ctx, "pool initialized",
		"pool_size", size,
		"max_connections", p.maxConnections)
	return nil
}

// Acquire takes a connection from the pool, creating one if the pool is
// below its ceiling. It fails with ErrCircuitOpen when the breaker is
// open and ErrPoolExhausted when no connection frees up within the
// acquire timeout. Stale or unhealthy idle connections are discarded and
// replaced transparently.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if !p.breaker.Allow() {
		if p.metrics != nil {
			p.metrics.acquireRejected()
		}
		return nil, ErrCircuitOpen
	}

	// Fast path: grab an idle connection without blocking.
	for {
		select {
		case pc := <-p.idle:
			if usable := p.vet(pc); usable != nil {
				return usable, nil
			}
			continue
		default:
		}
		break
	}

	// Grow if under the ceiling.
	if pc, err := p.tryCreate(ctx); err != nil {
		return nil, err
	} else if pc != nil {
		pc.setState(ConnInUse)
		if p.metrics != nil {
			p.metrics.acquired()
		}
		return pc, nil
	}

	// At the ceiling: wait for a release.
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		select {
		case pc := <-p.idle:
			if usable := p.vet(pc); usable != nil {
				return usable, nil
			}
		case <-timer.C:
			if p.metrics != nil {
				p.metrics.acquireTimeout()
			}
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// vet checks a dequeued connection and returns it marked in-use when it
// is still fit for service, destroying it otherwise.
func (p *Pool) vet(pc *PooledConnection) *PooledConnection {
	if !pc.healthy() || pc.expired(p.connectionTTL) {
		p.destroy(pc)
		return nil
	}
	pc.setState(ConnInUse)
	if p.metrics != nil {
		p.metrics.acquired()
	}
	return pc
}

// Release returns a connection to the pool. The error the caller saw, if
// any, is recorded against the connection and the circuit breaker.
// Connections past their TTL or over their error budget are closed
// instead of requeued.
func (p *Pool) Release(pc *PooledConnection, opErr error) {
	if pc == nil {
		return
	}

	pc.recordUse(opErr != nil, p.maxErrorRate)
	if opErr != nil {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	if p.metrics != nil {
		p.metrics.released(opErr != nil)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.destroy(pc)
		return
	}
	if !pc.healthy() || pc.expired(p.connectionTTL) {
		p.destroy(pc)
		// Replace in the background to keep the pool at target size.
		go p.topUp()
		return
	}

	pc.setState(ConnIdle)
	select {
	case p.idle <- pc:
	default:
		// Queue full; shouldn't happen since capacity matches the
		// ceiling, but never block a release.
		p.destroy(pc)
	}
}

// With acquires a connection, runs fn, and releases the connection with
// fn's error recorded against it.
func (p *Pool) With(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, pc.Conn())
	p.Release(pc, err)
	return err
}

// Close shuts the pool down, closing every connection. Calling Close more
// than once is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.initialized
	p.mu.Unlock()

	close(p.done)
	if started {
		p.wg.Wait()
	}

	// Drain the idle queue, then close everything still tracked,
	// including connections callers never returned.
	for {
		select {
		case <-p.idle:
			continue
		default:
		}
		break
	}

	p.mu.Lock()
	conns := make([]*PooledConnection, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.conns = make(map[string]*PooledConnection)
	p.mu.Unlock()

	var err error
	for _, pc := range conns {
		if cerr := pc.close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		p.mu.Lock()
		p.totalClosed++
		p.mu.Unlock()
	}

	p.logger.Info("pool closed", "connections_closed", len(conns))
	return err
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Size           int
	Idle           int
	InUse          int
	Unhealthy      int
	MaxConnections int
	TotalCreated   int64
	TotalClosed    int64
	HealthChecks   int64

	// Requests, Errors and AvgResponseTime aggregate over the
	// connections currently tracked by the pool.
	Requests        int64
	Errors          int64
	AvgResponseTime time.Duration

	BreakerState BreakerState
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:           len(p.conns),
		MaxConnections: p.maxConnections,
		TotalCreated:   p.totalCreated,
		TotalClosed:    p.totalClosed,
		HealthChecks:   p.healthChecks,
		BreakerState:   p.breaker.State(),
	}
	var busy time.Duration
	for _, pc := range p.conns {
		switch pc.State() {
		case ConnIdle:
			s.Idle++
		case ConnInUse:
			s.InUse++
		case ConnUnhealthy:
			s.Unhealthy++
		}
		requests, errs, b := pc.usage()
		s.Requests += requests
		s.Errors += errs
		busy += b
	}
	if s.Requests > 0 {
		s.AvgResponseTime = busy / time.Duration(s.Requests)
	}
	return s
}

// create opens a new connection and registers it.
func (p *Pool) create(ctx context.Context) (*PooledConnection, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		p.breaker.RecordFailure()
		if p.metrics != nil {
			p.metrics.createFailed()
		}
		return nil, err
	}

	pc := newPooledConnection(conn)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, ErrPoolClosed
	}
	p.conns[pc.id] = pc
	p.totalCreated++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.created()
	}
	p.logger.DebugContext(ctx, "connection created", "conn_id", pc.id)
	return pc, nil
}

// tryCreate opens a new connection only if the pool is below its ceiling,
// counting in-flight dials so concurrent acquirers cannot overshoot. It
// returns (nil, nil) when the pool is full.
func (p *Pool) tryCreate(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.conns)+p.creating >= p.maxConnections {
		p.mu.Unlock()
		return nil, nil
	}
	p.creating++
	p.mu.Unlock()

	pc, err := p.create(ctx)

	p.mu.Lock()
	p.creating--
	p.mu.Unlock()

	return pc, err
}

// destroy unregisters and closes a connection.
func (p *Pool) destroy(pc *PooledConnection) {
	p.mu.Lock()
	delete(p.conns, pc.id)
	p.totalClosed++
	p.mu.Unlock()

	if err := pc.close(); err != nil {
		p.logger.Warn("connection close failed", "conn_id", pc.id, "error", err)
	}
	if p.metrics != nil {
		p.metrics.closed()
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.checkIdle()
		}
	}
}

// checkIdle pings idle connections that are due for a health check,
// probing concurrently. Healthy connections go back in the queue; failing
// ones are destroyed. Removed connections are not replaced here; the
// cleanup loop and acquisition top the pool back up.
func (p *Pool) checkIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var due []*PooledConnection
	n := len(p.idle)
	for i := 0; i < n; i++ {
		var pc *PooledConnection
		select {
		case pc = <-p.idle:
		default:
		}
		if pc == nil {
			break
		}
		if !pc.needsHealthCheck(p.healthCheckInterval) {
			p.idle <- pc
			continue
		}
		due = append(due, pc)
	}

	var wg sync.WaitGroup
	for _, pc := range due {
		wg.Add(1)
		go func(pc *PooledConnection) {
			defer wg.Done()

			p.mu.Lock()
			p.healthChecks++
			p.mu.Unlock()

			if err := pc.checkHealth(ctx); err != nil {
				p.logger.Warn("health check failed", "conn_id", pc.id, "error", err)
				if p.metrics != nil {
					p.metrics.healthCheckFailed()
				}
				p.destroy(pc)
				return
			}
			p.idle <- pc
		}(pc)
	}
	wg.Wait()
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup recycles idle connections that are past their TTL or have sat
// unused beyond it, closing at most half the idle set per pass, then tops
// the pool back up to its target size.
func (p *Pool) cleanup() {
	n := len(p.idle)
	budget := n / 2
	if budget < 1 {
		budget = 1
	}
	closed := 0

	for i := 0; i < n; i++ {
		var pc *PooledConnection
		select {
		case pc = <-p.idle:
		default:
			break
		}
		if pc == nil {
			break
		}

		stale := pc.expired(p.connectionTTL) || pc.idleBeyond(p.connectionTTL)
		if closed < budget && (stale || !pc.healthy()) {
			p.destroy(pc)
			closed++
			continue
		}
		p.idle <- pc
	}

	if closed > 0 {
		p.logger.Debug("recycled stale connections", "closed", closed)
	}
	p.topUp()
}

// topUp restores the pool to its target size.
func (p *Pool) topUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		p.mu.Lock()
		need := p.poolSize - len(p.conns) - p.creating
		if p.closed || need <= 0 {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		pc, err := p.create(ctx)

		p.mu.Lock()
		p.creating--
		p.mu.Unlock()

		if err != nil {
			p.logger.Warn("pool top-up failed", "error", err)
			return
		}

		select {
		case p.idle <- pc:
		default:
			p.destroy(pc)
			return
		}
	}
}
