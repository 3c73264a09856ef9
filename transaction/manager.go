package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rbaliyan/rpctx/journal"
)

// Manager is the process-wide registry of active transactions.
//
// It creates transactions (nested ones when the caller's context already
// carries a transaction), tracks them until they reach a terminal state and
// aggregates lifetime statistics.
//
// Example:
//
//	mgr := transaction.NewManager(client,
//	    transaction.WithLogger(logger),
//	    transaction.WithJournal(journal.NewMemoryStore()),
//	)
//
//	err := mgr.Execute(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
//	    // mutate, record, mutate, record...
//	    return nil // commit
//	})
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Transaction

	exec       Executor
	logger     *slog.Logger
	store      journal.Store
	metrics    *Metrics
	commitHook func(context.Context, *Transaction) error

	total      uint64
	committed  uint64
	rolledBack uint64
	failed     uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithJournal sets a journal store. Every transaction reaching a terminal
// state is recorded there, best effort - a write failure is logged, never
// surfaced to the transaction's caller.
func WithJournal(store journal.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithMetrics sets the Prometheus metrics collected by the manager.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithCommitHook sets a hook invoked during every Commit, before the state
// flips to committed. A hook error fails the commit (CommitError, state
// failed). Use for commit-time notifications such as cache invalidation.
func WithCommitHook(hook func(context.Context, *Transaction) error) Option {
	return func(m *Manager) {
		m.commitHook = hook
	}
}

// NewManager creates a transaction manager issuing compensating calls
// through exec.
func NewManager(exec Executor, opts ...Option) *Manager {
	m := &Manager{
		active: make(map[string]*Transaction),
		exec:   exec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "transaction")
	return m
}

// txConfig holds per-transaction settings (unexported)
type txConfig struct {
	id         string
	autoCommit bool
}

// TxOption configures a single transaction.
type TxOption func(*txConfig)

// WithID supplies the transaction ID instead of generating one. IDs must be
// unique among active transactions.
func WithID(id string) TxOption {
	return func(c *txConfig) {
		if id != "" {
			c.id = id
		}
	}
}

// WithAutoCommit controls whether Execute commits a still-active transaction
// when the function returns nil. Enabled by default. Only meaningful for
// Execute; Begin always leaves commit to the caller.
func WithAutoCommit(enabled bool) TxOption {
	return func(c *txConfig) {
		c.autoCommit = enabled
	}
}

// Begin starts a transaction and returns it along with a context carrying it.
//
// If ctx already carries a transaction the new one becomes its child. The
// caller must finish the transaction with Commit or Rollback; prefer Execute
// which handles both automatically.
func (m *Manager) Begin(ctx context.Context, opts ...TxOption) (*Transaction, context.Context, error) {
	cfg := &txConfig{autoCommit: true}
	for _, opt := range opts {
		opt(cfg)
	}
	return m.begin(ctx, cfg)
}

func (m *Manager) begin(ctx context.Context, cfg *txConfig) (*Transaction, context.Context, error) {
	id := cfg.id
	if id == "" {
		id = uuid.New().String()
	}

	tx := newTransaction(id, m.exec, m.logger)
	tx.commitHook = m.commitHook
	tx.onFinish = m.finish

	if parent := FromContext(ctx); parent != nil {
		tx.parent = parent
		parent.addChild(tx)
	}

	m.mu.Lock()
	if _, exists := m.active[id]; exists {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	m.active[id] = tx
	m.total++
	m.mu.Unlock()

	m.metrics.startedTx()
	m.logger.Debug("transaction started", "transaction_id", id, "nested", tx.IsNested())

	return tx, ContextWithTransaction(ctx, tx), nil
}

// Execute runs fn within a transaction.
//
// This is the recommended way to work with transactions. It handles:
//   - Starting the transaction (nested if ctx carries one)
//   - Committing on success (fn returns nil) unless auto-commit is disabled
//     or fn already finished the transaction itself
//   - Rolling back on error - the original error still propagates, with any
//     rollback failure attached to it
//   - Rolling back on panic (and re-raising the panic)
//
// The context passed to fn carries the transaction, so nested Execute calls
// create children and FromContext works anywhere down the call chain.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error, opts ...TxOption) error {
	cfg := &txConfig{autoCommit: true}
	for _, opt := range opts {
		opt(cfg)
	}

	tx, txCtx, err := m.begin(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(txCtx); rbErr != nil {
				m.logger.Error("rollback after panic failed",
					"transaction_id", tx.ID(),
					"error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(txCtx); rbErr != nil {
			return multierr.Append(err, rbErr)
		}
		return err
	}

	if cfg.autoCommit && tx.State() == StateActive {
		return tx.Commit(txCtx)
	}

	return nil
}

// finish is the terminal-transition callback installed on every transaction.
func (m *Manager) finish(tx *Transaction) {
	state := tx.State()

	m.mu.Lock()
	delete(m.active, tx.ID())
	switch state {
	case StateCommitted:
		m.committed++
	case StateRolledBack:
		m.rolledBack++
	case StateFailed:
		m.failed++
	}
	m.mu.Unlock()

	m.metrics.finishedTx(state)
	m.record(tx, state)
}

// record writes a journal entry for a finished transaction, best effort.
func (m *Manager) record(tx *Transaction, state State) {
	if m.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &journal.Entry{
		ID:            uuid.New().String(),
		TransactionID: tx.ID(),
		State:         string(state),
		Operations:    len(tx.Operations()),
		Nested:        tx.IsNested(),
		StartedAt:     tx.StartTime(),
		EndedAt:       tx.EndTime(),
	}
	if err := tx.Err(); err != nil {
		entry.Error = err.Error()
	}

	if err := m.store.Create(ctx, entry); err != nil {
		m.logger.Error("journal write failed",
			"transaction_id", tx.ID(),
			"error", err)
	}
}

// Get returns the active transaction with the given ID, nil if absent or
// already finished.
func (m *Manager) Get(id string) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[id]
}

// RollbackAll rolls back every transaction that is still active.
//
// Transactions that already committed are skipped; that is not an error.
// Individual rollback failures are aggregated into the returned error.
func (m *Manager) RollbackAll(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		snapshot = append(snapshot, tx)
	}
	m.mu.RUnlock()

	var errs error
	for _, tx := range snapshot {
		if tx.State() != StateActive {
			continue
		}
		if err := tx.Rollback(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Active     int    // Transactions currently active
	Total      uint64 // Transactions ever started
	Committed  uint64 // Transactions that committed cleanly
	RolledBack uint64 // Transactions that rolled back cleanly
	Failed     uint64 // Transactions whose commit or rollback broke
	Operations int    // Operations pending across active transactions
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	operations := 0
	for _, tx := range m.active {
		operations += len(tx.Operations())
	}

	return Stats{
		Active:     len(m.active),
		Total:      m.total,
		Committed:  m.committed,
		RolledBack: m.rolledBack,
		Failed:     m.failed,
		Operations: operations,
	}
}

// Atomic wraps fn so every invocation runs inside its own transaction on m.
//
// The wrapped function receives the transaction both as an argument and
// through its context. Errors roll the transaction back and propagate
// unchanged; success auto-commits.
//
// Example:
//
//	placeOrder := transaction.Atomic(mgr, func(ctx context.Context, tx *transaction.Transaction) error {
//	    // ...
//	    return nil
//	})
//
//	if err := placeOrder(ctx); err != nil { ... }
func Atomic(m *Manager, fn func(ctx context.Context, tx *Transaction) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return m.Execute(ctx, fn)
	}
}

// AtomicResult is Atomic for functions that also return a value.
//
// The value computed by fn is returned only when the transaction finishes
// cleanly; on rollback the zero value is returned with the error.
func AtomicResult[T any](m *Manager, fn func(ctx context.Context, tx *Transaction) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var result T
		err := m.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
			var err error
			result, err = fn(ctx, tx)
			return err
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return result, nil
	}
}
