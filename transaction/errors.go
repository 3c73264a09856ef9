package transaction

import (
	"errors"
	"fmt"
)

// Transaction sentinel errors.
// Use errors.Is() to check for these errors as they may be wrapped with
// additional context.
var (
	// ErrInvalidState indicates an operation was attempted on a transaction
	// that is not in a state that permits it, e.g. committing a transaction
	// that was already rolled back. See StateError for the offending state.
	ErrInvalidState = errors.New("transaction state does not permit operation")

	// ErrSavepointNotFound indicates a rollback targeted a savepoint ID that
	// does not exist in the transaction's savepoint stack.
	ErrSavepointNotFound = errors.New("savepoint not found")

	// ErrUnknownOperation indicates an operation record carries a kind with
	// no known compensation rule. This is a programming error, not a
	// recoverable condition.
	ErrUnknownOperation = errors.New("unknown operation kind")

	// ErrDuplicateTransaction indicates a transaction with the supplied ID is
	// already active on the manager.
	ErrDuplicateTransaction = errors.New("transaction already active")
)

// StateError reports an operation attempted in a state that does not permit
// it. It wraps ErrInvalidState so callers can match generically:
//
//	if errors.Is(err, transaction.ErrInvalidState) { ... }
//
// or inspect the offending state:
//
//	var se *transaction.StateError
//	if errors.As(err, &se) {
//	    log.Warn("bad transition", "action", se.Action, "state", se.State)
//	}
type StateError struct {
	Action string // The attempted action, e.g. "commit"
	State  State  // The transaction state at the time
}

func (e *StateError) Error() string {
	switch e.Action {
	case "commit":
		return fmt.Sprintf("cannot commit %s transaction", e.State)
	case "rollback":
		return fmt.Sprintf("cannot rollback in %s transaction", e.State)
	default:
		return fmt.Sprintf("cannot %s in %s transaction", e.Action, e.State)
	}
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// CommitError reports a failure while finalizing a commit. The transaction is
// left in StateFailed, distinct from StateCommitted, so callers can tell a
// clean commit from a broken one.
type CommitError struct {
	TransactionID string
	Err           error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("transaction %s: commit failed: %v", e.TransactionID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// RollbackError reports that one or more compensating calls failed during a
// rollback. Every remaining compensation is still attempted before this error
// is returned; Err aggregates the individual failures.
//
// When returned from Transaction.Rollback the transaction is left in
// StateFailed - the remote server may hold partially-compensated data. When
// returned from RollbackToSavepoint the transaction stays active and the
// operation log is still truncated to the savepoint position.
type RollbackError struct {
	TransactionID string
	Err           error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction %s: rollback failed: %v", e.TransactionID, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
