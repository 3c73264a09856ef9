package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a recorded mutation.
//
// The set is closed for compensation purposes: records with any other kind
// cannot be compensated and rolling them back fails with ErrUnknownOperation.
type Kind string

const (
	// KindCreate records a server-side create. Its inverse is a delete of
	// the created record IDs.
	KindCreate Kind = "create"

	// KindUpdate records a server-side write. Its inverse is a write of the
	// original field values back onto the same record IDs.
	KindUpdate Kind = "update"

	// KindDelete records a server-side delete. Its inverse is a create with
	// the original field values.
	KindDelete Kind = "delete"
)

// Executor issues the RPC calls used for compensation.
//
// The transaction core does not care how the calls are transported - the
// root rpctx.Client satisfies this interface, and tests supply fakes.
// All methods must return an error on failure.
type Executor interface {
	// CreateRecords creates records on the remote model and returns their IDs.
	CreateRecords(ctx context.Context, model string, records []map[string]any) ([]int64, error)

	// UpdateRecords writes values onto the given records.
	UpdateRecords(ctx context.Context, model string, ids []int64, values map[string]any) error

	// DeleteRecords deletes the given records.
	DeleteRecords(ctx context.Context, model string, ids []int64) error
}

// OperationRecord is an immutable log entry describing one mutating RPC call
// and enough original state to compute its inverse.
//
// Records are appended by AddOperation (or the Record* helpers) while the
// transaction is active and are only ever read afterwards - rollback walks
// them in reverse and issues one compensating call per record.
type OperationRecord struct {
	// Kind is the mutation type. Determines the compensation rule.
	Kind Kind

	// Model is the remote entity/table name the call targeted.
	Model string

	// RecordIDs are the IDs the call touched. May be empty for creates when
	// CreatedIDs is set.
	RecordIDs []int64

	// OriginalData holds the field values prior to the mutation. Required
	// for update and delete compensation; unused for creates.
	OriginalData map[string]any

	// CreatedIDs are the IDs produced by a create call. They are the delete
	// target during compensation. Defaults to RecordIDs when unset.
	CreatedIDs []int64

	// RecordedAt is when the record was appended.
	RecordedAt time.Time
}

// compensate issues the inverse RPC call for this record.
//
// The rule is a pure function of the record:
//   - create: delete the created IDs
//   - update: write OriginalData back onto RecordIDs
//   - delete: create a record from OriginalData
func (r *OperationRecord) compensate(ctx context.Context, exec Executor) error {
	switch r.Kind {
	case KindCreate:
		ids := r.CreatedIDs
		if len(ids) == 0 {
			ids = r.RecordIDs
		}
		if err := exec.DeleteRecords(ctx, r.Model, ids); err != nil {
			return fmt.Errorf("compensate create on %s: %w", r.Model, err)
		}
	case KindUpdate:
		if err := exec.UpdateRecords(ctx, r.Model, r.RecordIDs, r.OriginalData); err != nil {
			return fmt.Errorf("compensate update on %s: %w", r.Model, err)
		}
	case KindDelete:
		if _, err := exec.CreateRecords(ctx, r.Model, []map[string]any{r.OriginalData}); err != nil {
			return fmt.Errorf("compensate delete on %s: %w", r.Model, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, r.Kind)
	}
	return nil
}

// Savepoint is a named marker in a transaction's operation log.
//
// Rolling back to a savepoint compensates and discards only the operations
// recorded after it, leaving earlier work intact. Names are caller-supplied
// and deliberately unvalidated - any string is accepted.
type Savepoint struct {
	// ID is the opaque unique token returned by CreateSavepoint and consumed
	// by RollbackToSavepoint.
	ID string

	// Name is the caller-supplied label. Not validated, not unique.
	Name string

	// OperationIndex is the operation log length at creation time.
	OperationIndex int

	// CreatedAt is when the savepoint was created.
	CreatedAt time.Time
}

func newSavepoint(name string, operationIndex int) Savepoint {
	return Savepoint{
		ID:             uuid.New().String(),
		Name:           name,
		OperationIndex: operationIndex,
		CreatedAt:      time.Now(),
	}
}
