// Package transaction simulates database-like transactional semantics on top
// of an RPC protocol that has no native transaction support.
//
// Every mutating call executes against the remote server immediately; the
// transaction only keeps a log of what happened and how to undo it. "Commit"
// is bookkeeping, and "rollback" replays the log backwards issuing one
// compensating call per recorded operation (delete-for-create,
// write-old-data-for-update, create-for-delete). This is the compensating
// transaction (saga) pattern, not deferred execution - the package does not
// attempt to provide ACID guarantees the remote protocol cannot offer.
//
// # Overview
//
// The package provides:
//   - Transaction with an append-only operation log, savepoints and a
//     strict state machine (active → committed/rolled_back/failed)
//   - Manager for transaction lifecycle, nesting and statistics
//   - Atomic for wrapping functions so they always run transactionally
//   - Context propagation helpers (FromContext/ContextWithTransaction)
//
// # Basic Usage
//
//	mgr := transaction.NewManager(client)
//
//	err := mgr.Execute(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
//	    ids, err := client.CreateRecords(ctx, "res.partner", records)
//	    if err != nil {
//	        return err // Triggers rollback
//	    }
//	    tx.RecordCreate("res.partner", ids)
//	    return nil // Triggers commit
//	})
//
// # Savepoints
//
//	err := mgr.Execute(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
//	    // ... work that must survive ...
//
//	    return tx.WithSavepoint(ctx, "optional-step", func(ctx context.Context) error {
//	        // Work recorded here is compensated if this function fails,
//	        // without touching anything recorded before the savepoint.
//	        return doOptionalStep(ctx, tx)
//	    })
//	})
//
// # Nesting
//
// Beginning a transaction from a context that already carries one creates a
// child linked to its parent. Commit and rollback do NOT cascade between
// parent and child - each transaction only affects its own operation log.
// This is a deliberate compatibility choice, not an oversight; callers who
// need the parent to undo a child's work must record the child's operations
// on the parent instead.
//
// # Best Practices
//
//   - Use one transaction per goroutine; do not share a *Transaction across
//     concurrently running tasks
//   - Record an operation immediately after the RPC call that performed it
//   - Keep OriginalData complete for updates and deletes - it is the only
//     state rollback has to work with
//   - Treat StateFailed as an alert: the remote server may hold
//     partially-compensated data
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// State is the lifecycle state of a transaction.
//
// State transitions:
//
//	active → committed   (Commit)
//	       → rolled_back (Rollback, all compensations succeeded)
//	       → failed      (Commit or Rollback itself broke)
//	failed → rolled_back (Rollback retried successfully)
type State string

const (
	// StateActive indicates the transaction accepts operations.
	StateActive State = "active"

	// StateCommitted indicates Commit succeeded. Terminal.
	StateCommitted State = "committed"

	// StateRolledBack indicates Rollback compensated every operation. Terminal.
	StateRolledBack State = "rolled_back"

	// StateFailed indicates commit or rollback itself failed. Rollback may be
	// retried; the remaining operations are preserved for that purpose.
	StateFailed State = "failed"
)

// Transaction owns an ordered operation log, a stack of savepoints and a
// state machine. It is created by a Manager; see Manager.Execute and
// Manager.Begin.
//
// Methods are safe for concurrent use, but a transaction is designed to be
// driven by a single goroutine - compensation holds the transaction lock for
// the duration of the RPC calls it issues.
type Transaction struct {
	mu sync.Mutex

	id     string
	exec   Executor
	logger *slog.Logger

	state      State
	operations []OperationRecord
	savepoints []Savepoint

	parent   *Transaction
	children []*Transaction

	values map[string]any

	startTime    time.Time
	endTime      time.Time
	committedAt  time.Time
	rolledBackAt time.Time

	// The error that moved the transaction to StateFailed, if any.
	failure error

	// Set by the manager; invoked exactly once on terminal transition.
	onFinish func(*Transaction)
	// Optional commit-time hook, see WithCommitHook.
	commitHook func(context.Context, *Transaction) error
}

func newTransaction(id string, exec Executor, logger *slog.Logger) *Transaction {
	return &Transaction{
		id:        id,
		exec:      exec,
		logger:    logger.With("transaction_id", id),
		state:     StateActive,
		values:    make(map[string]any),
		startTime: time.Now(),
	}
}

// ID returns the transaction ID.
func (t *Transaction) ID() string {
	return t.id
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsNested reports whether the transaction has a parent.
func (t *Transaction) IsNested() bool {
	return t.parent != nil
}

// Parent returns the parent transaction, nil for top-level transactions.
func (t *Transaction) Parent() *Transaction {
	return t.parent
}

// Children returns the transactions nested inside this one.
func (t *Transaction) Children() []*Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	children := make([]*Transaction, len(t.children))
	copy(children, t.children)
	return children
}

func (t *Transaction) addChild(child *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children = append(t.children, child)
}

// Operations returns a copy of the operation log.
func (t *Transaction) Operations() []OperationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]OperationRecord, len(t.operations))
	copy(ops, t.operations)
	return ops
}

// Savepoints returns a copy of the savepoint stack.
func (t *Transaction) Savepoints() []Savepoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	sps := make([]Savepoint, len(t.savepoints))
	copy(sps, t.savepoints)
	return sps
}

// AddOperation appends an operation record to the log.
//
// The transaction must be active. For create records with no CreatedIDs the
// RecordIDs are used as the delete target during compensation. RecordedAt
// defaults to now.
func (t *Transaction) AddOperation(rec OperationRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return &StateError{Action: "add operation", State: t.state}
	}

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if rec.Kind == KindCreate && len(rec.CreatedIDs) == 0 {
		rec.CreatedIDs = rec.RecordIDs
	}

	t.operations = append(t.operations, rec)
	return nil
}

// RecordCreate appends a create record. The created IDs become the delete
// target if the transaction rolls back.
func (t *Transaction) RecordCreate(model string, createdIDs []int64) error {
	return t.AddOperation(OperationRecord{
		Kind:       KindCreate,
		Model:      model,
		RecordIDs:  createdIDs,
		CreatedIDs: createdIDs,
	})
}

// RecordUpdate appends an update record. original must hold the field values
// prior to the update; rollback writes them back.
func (t *Transaction) RecordUpdate(model string, ids []int64, original map[string]any) error {
	return t.AddOperation(OperationRecord{
		Kind:         KindUpdate,
		Model:        model,
		RecordIDs:    ids,
		OriginalData: original,
	})
}

// RecordDelete appends a delete record. original must hold the deleted
// record's field values; rollback recreates the record from them.
func (t *Transaction) RecordDelete(model string, ids []int64, original map[string]any) error {
	return t.AddOperation(OperationRecord{
		Kind:         KindDelete,
		Model:        model,
		RecordIDs:    ids,
		OriginalData: original,
	})
}

// CreateSavepoint marks the current operation log position under the given
// name and returns the savepoint ID.
//
// Names are accepted verbatim - any string, including empty, whitespace or
// control characters. The transaction must be active.
func (t *Transaction) CreateSavepoint(name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return "", &StateError{Action: "create savepoint", State: t.state}
	}

	sp := newSavepoint(name, len(t.operations))
	t.savepoints = append(t.savepoints, sp)

	t.logger.Debug("savepoint created",
		"savepoint_id", sp.ID,
		"name", name,
		"operation_index", sp.OperationIndex)

	return sp.ID, nil
}

// RollbackToSavepoint compensates and discards every operation recorded at or
// after the savepoint, most recent first.
//
// The savepoint itself and any later savepoints are removed from the stack;
// earlier savepoints remain usable. If a compensating call fails the
// remaining compensations are still attempted and a RollbackError aggregating
// the failures is returned - the log is truncated to the savepoint position
// regardless, so a partial rollback is observable, not hidden. The
// transaction stays active either way.
func (t *Transaction) RollbackToSavepoint(ctx context.Context, savepointID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return &StateError{Action: "rollback", State: t.state}
	}

	idx := -1
	for i, sp := range t.savepoints {
		if sp.ID == savepointID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrSavepointNotFound, savepointID)
	}

	sp := t.savepoints[idx]
	compensateErr := t.compensateLocked(ctx, sp.OperationIndex)

	// Truncate even when compensation failed: the operations were attempted
	// and must not be replayed by a later rollback.
	t.operations = t.operations[:sp.OperationIndex]
	t.savepoints = t.savepoints[:idx]

	if compensateErr != nil {
		return &RollbackError{TransactionID: t.id, Err: compensateErr}
	}

	t.logger.Debug("rolled back to savepoint",
		"savepoint_id", savepointID,
		"name", sp.Name,
		"operation_index", sp.OperationIndex)

	return nil
}

// WithSavepoint runs fn inside a savepoint scope.
//
// A savepoint is created on entry; if fn returns an error the transaction is
// rolled back to it before the error propagates (a rollback failure is
// attached to the returned error). On success the savepoint simply remains on
// the stack. Fails immediately if the transaction is not active.
func (t *Transaction) WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	savepointID, err := t.CreateSavepoint(name)
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rbErr := t.RollbackToSavepoint(ctx, savepointID); rbErr != nil {
			return multierr.Append(err, rbErr)
		}
		return err
	}

	return nil
}

// Commit marks the transaction committed.
//
// All calls already executed against the server, so commit is bookkeeping:
// the state flips to StateCommitted and timestamps are stamped. A commit hook
// failure wraps into a CommitError and leaves the transaction in StateFailed.
// Committing in any state other than StateActive fails with a StateError -
// including a second Commit.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()

	if t.state != StateActive {
		defer t.mu.Unlock()
		return &StateError{Action: "commit", State: t.state}
	}
	hook := t.commitHook
	t.mu.Unlock()

	// The hook runs unlocked so it may inspect the transaction.
	if hook != nil {
		if err := hook(ctx, t); err != nil {
			t.mu.Lock()
			t.state = StateFailed
			t.failure = err
			t.endTime = time.Now()
			t.mu.Unlock()
			t.finished()
			return &CommitError{TransactionID: t.id, Err: err}
		}
	}

	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		return &StateError{Action: "commit", State: state}
	}

	now := time.Now()
	t.state = StateCommitted
	t.committedAt = now
	t.endTime = now
	operations := len(t.operations)
	t.mu.Unlock()

	t.logger.Debug("transaction committed", "operations", operations)
	t.finished()
	return nil
}

// Rollback compensates every recorded operation in reverse order.
//
// Rolling back an already committed transaction logs a warning and returns
// nil; rolling back an already rolled back transaction is likewise a no-op.
// These are the only two silently-ignored calls in the package.
//
// When a compensating call fails the remaining compensations are still
// attempted; the transaction then ends in StateFailed with its remaining
// operations preserved (so Rollback can be retried) and a RollbackError
// aggregating the failures is returned. On full success the state becomes
// StateRolledBack and the operation log is cleared.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()

	switch t.state {
	case StateCommitted:
		t.mu.Unlock()
		t.logger.Warn("rollback after commit ignored")
		return nil
	case StateRolledBack:
		t.mu.Unlock()
		t.logger.Debug("rollback repeated, ignored")
		return nil
	}

	compensateErr := t.compensateLocked(ctx, 0)

	now := time.Now()
	if compensateErr != nil {
		t.state = StateFailed
		t.failure = compensateErr
		t.endTime = now
		t.mu.Unlock()
		t.finished()
		return &RollbackError{TransactionID: t.id, Err: compensateErr}
	}

	t.state = StateRolledBack
	t.rolledBackAt = now
	t.endTime = now
	t.operations = nil
	t.savepoints = nil
	t.mu.Unlock()

	t.logger.Debug("transaction rolled back")
	t.finished()
	return nil
}

// compensateLocked issues compensating calls for operations[from:] in reverse
// order, continuing past failures and aggregating them. Caller holds t.mu.
func (t *Transaction) compensateLocked(ctx context.Context, from int) error {
	var errs error

	for i := len(t.operations) - 1; i >= from; i-- {
		rec := t.operations[i]
		if err := rec.compensate(ctx, t.exec); err != nil {
			t.logger.Error("compensation failed",
				"kind", rec.Kind,
				"model", rec.Model,
				"error", err)
			errs = multierr.Append(errs, err)
			// Continue compensating remaining operations
		}
	}

	return errs
}

// finished runs the manager's terminal-transition callback once.
func (t *Transaction) finished() {
	t.mu.Lock()
	fn := t.onFinish
	t.onFinish = nil
	t.mu.Unlock()

	if fn != nil {
		fn(t)
	}
}

// Err returns the error that moved the transaction to StateFailed, nil
// otherwise.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Duration returns how long the transaction has been (or was) running.
//
// For finished transactions this is the span from start to the terminal
// timestamp; active transactions measure against the current time.
func (t *Transaction) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case !t.endTime.IsZero():
		return t.endTime.Sub(t.startTime)
	case !t.committedAt.IsZero():
		return t.committedAt.Sub(t.startTime)
	case !t.rolledBackAt.IsZero():
		return t.rolledBackAt.Sub(t.startTime)
	default:
		return time.Since(t.startTime)
	}
}

// StartTime returns when the transaction was created.
func (t *Transaction) StartTime() time.Time {
	return t.startTime
}

// EndTime returns when the transaction reached a terminal state, zero while
// still active.
func (t *Transaction) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

// CommittedAt returns the commit timestamp, zero unless committed.
func (t *Transaction) CommittedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committedAt
}

// RolledBackAt returns the rollback timestamp, zero unless rolled back.
func (t *Transaction) RolledBackAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBackAt
}

// SetValue stores an arbitrary key/value pair scoped to the transaction,
// e.g. cache-invalidation hints consumed after commit.
func (t *Transaction) SetValue(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = value
}

// Value returns the value stored under key.
func (t *Transaction) Value(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok
}

// Values returns a copy of the full key/value mapping.
func (t *Transaction) Values() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	values := make(map[string]any, len(t.values))
	for k, v := range t.values {
		values[k] = v
	}
	return values
}
