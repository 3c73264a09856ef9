package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// call records one compensating RPC issued against the fake executor
type call struct {
	Method string
	Model  string
	IDs    []int64
	Values map[string]any
}

// fakeExecutor is a test Executor implementation
type fakeExecutor struct {
	mu    sync.Mutex
	calls []call

	createErr error
	updateErr error
	deleteErr error
}

func (f *fakeExecutor) CreateRecords(ctx context.Context, model string, records []map[string]any) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var values map[string]any
	if len(records) > 0 {
		values = records[0]
	}
	f.calls = append(f.calls, call{Method: "create", Model: model, Values: values})
	if f.createErr != nil {
		return nil, f.createErr
	}
	return []int64{int64(len(f.calls))}, nil
}

func (f *fakeExecutor) UpdateRecords(ctx context.Context, model string, ids []int64, values map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Method: "update", Model: model, IDs: ids, Values: values})
	return f.updateErr
}

func (f *fakeExecutor) DeleteRecords(ctx context.Context, model string, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Method: "delete", Model: model, IDs: ids})
	return f.deleteErr
}

func (f *fakeExecutor) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]call, len(f.calls))
	copy(calls, f.calls)
	return calls
}

func newTestTransaction(exec Executor) *Transaction {
	tx, _, err := NewManager(exec).Begin(context.Background())
	if err != nil {
		panic(err)
	}
	return tx
}

func TestRollbackCompensation(t *testing.T) {
	ctx := context.Background()

	t.Run("create is compensated by delete of created ids", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		if err := tx.RecordCreate("res.partner", []int64{1, 2, 3}); err != nil {
			t.Fatalf("RecordCreate failed: %v", err)
		}

		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		want := []call{{Method: "delete", Model: "res.partner", IDs: []int64{1, 2, 3}}}
		if diff := cmp.Diff(want, exec.recorded()); diff != "" {
			t.Errorf("compensating calls mismatch (-want +got):\n%s", diff)
		}
		if tx.State() != StateRolledBack {
			t.Errorf("expected rolled_back, got %s", tx.State())
		}
		if len(tx.Operations()) != 0 {
			t.Errorf("expected empty operation log, got %d", len(tx.Operations()))
		}
	})

	t.Run("update is compensated by writing original data", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.RecordUpdate("res.partner", []int64{5}, map[string]any{"name": "old"})

		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		want := []call{{
			Method: "update",
			Model:  "res.partner",
			IDs:    []int64{5},
			Values: map[string]any{"name": "old"},
		}}
		if diff := cmp.Diff(want, exec.recorded()); diff != "" {
			t.Errorf("compensating calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("delete is compensated by create with original data", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.RecordDelete("res.partner", []int64{7}, map[string]any{"name": "gone"})

		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		want := []call{{
			Method: "create",
			Model:  "res.partner",
			Values: map[string]any{"name": "gone"},
		}}
		if diff := cmp.Diff(want, exec.recorded()); diff != "" {
			t.Errorf("compensating calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("operations are compensated in reverse order exactly once", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.RecordCreate("a", []int64{1})
		tx.RecordUpdate("b", []int64{2}, map[string]any{"x": 1})
		tx.RecordDelete("c", []int64{3}, map[string]any{"y": 2})

		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		calls := exec.recorded()
		if len(calls) != 3 {
			t.Fatalf("expected 3 compensating calls, got %d", len(calls))
		}
		// Reverse of append order: delete compensation, update compensation, create compensation
		if calls[0].Method != "create" || calls[0].Model != "c" {
			t.Errorf("first compensation should undo the delete on c, got %+v", calls[0])
		}
		if calls[1].Method != "update" || calls[1].Model != "b" {
			t.Errorf("second compensation should undo the update on b, got %+v", calls[1])
		}
		if calls[2].Method != "delete" || calls[2].Model != "a" {
			t.Errorf("third compensation should undo the create on a, got %+v", calls[2])
		}
	})

	t.Run("unknown kind fails compensation", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.AddOperation(OperationRecord{Kind: Kind("merge"), Model: "a"})

		err := tx.Rollback(ctx)
		if !errors.Is(err, ErrUnknownOperation) {
			t.Fatalf("expected ErrUnknownOperation, got %v", err)
		}
		if tx.State() != StateFailed {
			t.Errorf("expected failed, got %s", tx.State())
		}
	})

	t.Run("compensation continues past failures and aggregates", func(t *testing.T) {
		exec := &fakeExecutor{updateErr: errors.New("write refused")}
		tx := newTestTransaction(exec)

		tx.RecordCreate("a", []int64{1})
		tx.RecordUpdate("b", []int64{2}, map[string]any{"x": "old"})
		tx.RecordCreate("c", []int64{3})

		err := tx.Rollback(ctx)
		if err == nil {
			t.Fatal("expected error")
		}
		var rbErr *RollbackError
		if !errors.As(err, &rbErr) {
			t.Fatalf("expected RollbackError, got %T", err)
		}

		// All three compensations attempted despite the middle one failing
		if got := len(exec.recorded()); got != 3 {
			t.Errorf("expected 3 attempted compensations, got %d", got)
		}
		if tx.State() != StateFailed {
			t.Errorf("expected failed, got %s", tx.State())
		}
		// Remaining operations preserved for a retry
		if len(tx.Operations()) == 0 {
			t.Error("operations should be preserved after a failed rollback")
		}
	})
}

func TestCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("commit stamps timestamps and issues no calls", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.RecordUpdate("res.partner", []int64{5}, map[string]any{"name": "old"})

		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		if tx.State() != StateCommitted {
			t.Errorf("expected committed, got %s", tx.State())
		}
		if tx.CommittedAt().IsZero() {
			t.Error("committedAt should be set")
		}
		if len(exec.recorded()) != 0 {
			t.Errorf("commit must not issue calls, got %d", len(exec.recorded()))
		}
	})

	t.Run("double commit raises a state error", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		err := tx.Commit(ctx)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		var se *StateError
		if !errors.As(err, &se) {
			t.Fatalf("expected StateError, got %T", err)
		}
		if se.State != StateCommitted {
			t.Errorf("expected offending state committed, got %s", se.State)
		}
	})

	t.Run("commit after rollback raises a state error", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		if err := tx.Commit(ctx); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("rollback after commit is a no-op", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		tx.Commit(ctx)

		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("rollback after commit should not raise, got %v", err)
		}
		if tx.State() != StateCommitted {
			t.Errorf("state should stay committed, got %s", tx.State())
		}
	})

	t.Run("repeated rollback is a no-op", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("second rollback should not raise, got %v", err)
		}
		if tx.State() != StateRolledBack {
			t.Errorf("state should stay rolled_back, got %s", tx.State())
		}
	})

	t.Run("add operation on finished transaction raises", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		tx.Commit(ctx)

		err := tx.RecordCreate("a", []int64{1})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})
}

func TestSavepoints(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback to savepoint restores the log and pops the stack", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.RecordCreate("a", []int64{1})
		before := tx.Operations()

		spID, err := tx.CreateSavepoint("mid")
		if err != nil {
			t.Fatalf("CreateSavepoint failed: %v", err)
		}

		tx.RecordCreate("b", []int64{2})
		tx.RecordUpdate("b", []int64{2}, map[string]any{"x": "old"})

		if err := tx.RollbackToSavepoint(ctx, spID); err != nil {
			t.Fatalf("RollbackToSavepoint failed: %v", err)
		}

		if diff := cmp.Diff(before, tx.Operations()); diff != "" {
			t.Errorf("operation log not restored (-want +got):\n%s", diff)
		}
		if len(tx.Savepoints()) != 0 {
			t.Errorf("savepoint should be removed, got %d left", len(tx.Savepoints()))
		}

		// Only the two post-savepoint operations compensated, reverse order
		calls := exec.recorded()
		if len(calls) != 2 {
			t.Fatalf("expected 2 compensations, got %d", len(calls))
		}
		if calls[0].Method != "update" || calls[1].Method != "delete" {
			t.Errorf("unexpected compensation order: %+v", calls)
		}
	})

	t.Run("rollback to earlier savepoint drops later savepoints", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})

		first, _ := tx.CreateSavepoint("first")
		tx.RecordCreate("a", []int64{1})
		tx.CreateSavepoint("second")
		tx.RecordCreate("b", []int64{2})
		tx.CreateSavepoint("third")

		if err := tx.RollbackToSavepoint(ctx, first); err != nil {
			t.Fatalf("RollbackToSavepoint failed: %v", err)
		}

		if len(tx.Savepoints()) != 0 {
			t.Errorf("expected empty savepoint stack, got %d", len(tx.Savepoints()))
		}
		if len(tx.Operations()) != 0 {
			t.Errorf("expected empty operation log, got %d", len(tx.Operations()))
		}
	})

	t.Run("unknown savepoint id raises", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})

		err := tx.RollbackToSavepoint(ctx, "no-such-savepoint")
		if !errors.Is(err, ErrSavepointNotFound) {
			t.Fatalf("expected ErrSavepointNotFound, got %v", err)
		}
	})

	t.Run("savepoint on finished transaction raises", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		tx.Commit(ctx)

		if _, err := tx.CreateSavepoint("late"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("savepoint names are not validated", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})

		for _, name := range []string{"", " ", "a b\tc", "sp;drop", "\x00\x01", "名前"} {
			if _, err := tx.CreateSavepoint(name); err != nil {
				t.Errorf("name %q rejected: %v", name, err)
			}
		}
	})

	t.Run("failed compensation still truncates to the savepoint", func(t *testing.T) {
		exec := &fakeExecutor{deleteErr: errors.New("unlink refused")}
		tx := newTestTransaction(exec)

		tx.RecordUpdate("a", []int64{1}, map[string]any{"x": "old"})
		spID, _ := tx.CreateSavepoint("sp")
		tx.RecordCreate("b", []int64{2}) // compensating delete will fail
		tx.RecordUpdate("c", []int64{3}, map[string]any{"y": "old"})

		err := tx.RollbackToSavepoint(ctx, spID)
		var rbErr *RollbackError
		if !errors.As(err, &rbErr) {
			t.Fatalf("expected RollbackError, got %v", err)
		}

		// Both compensations attempted
		if got := len(exec.recorded()); got != 2 {
			t.Errorf("expected 2 attempted compensations, got %d", got)
		}
		// Log still truncated to the savepoint position
		if got := len(tx.Operations()); got != 1 {
			t.Errorf("expected log truncated to 1 operation, got %d", got)
		}
		// Transaction remains usable
		if tx.State() != StateActive {
			t.Errorf("expected active, got %s", tx.State())
		}
	})

	t.Run("WithSavepoint rolls back on error and propagates it", func(t *testing.T) {
		exec := &fakeExecutor{}
		tx := newTestTransaction(exec)

		tx.RecordCreate("a", []int64{1})
		boom := errors.New("boom")

		err := tx.WithSavepoint(ctx, "scope", func(ctx context.Context) error {
			tx.RecordCreate("b", []int64{2})
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		if got := len(tx.Operations()); got != 1 {
			t.Errorf("expected pre-savepoint operation kept, got %d operations", got)
		}
		if got := len(exec.recorded()); got != 1 {
			t.Errorf("expected 1 compensation, got %d", got)
		}
	})

	t.Run("WithSavepoint keeps the savepoint on success", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})

		err := tx.WithSavepoint(ctx, "scope", func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Fatalf("WithSavepoint failed: %v", err)
		}
		if got := len(tx.Savepoints()); got != 1 {
			t.Errorf("expected savepoint to remain, got %d", got)
		}
	})

	t.Run("WithSavepoint fails fast on a finished transaction", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		tx.Commit(ctx)

		called := false
		err := tx.WithSavepoint(ctx, "late", func(ctx context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if called {
			t.Error("fn should not run when the savepoint cannot be created")
		}
	})
}

func TestTransactionValues(t *testing.T) {
	tx := newTestTransaction(&fakeExecutor{})

	tx.SetValue("invalidate", []string{"res.partner"})

	v, ok := tx.Value("invalidate")
	if !ok {
		t.Fatal("value should be present")
	}
	if diff := cmp.Diff([]string{"res.partner"}, v); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	if _, ok := tx.Value("missing"); ok {
		t.Error("missing key should not be found")
	}

	all := tx.Values()
	if len(all) != 1 {
		t.Errorf("expected 1 value, got %d", len(all))
	}
}

func TestDuration(t *testing.T) {
	ctx := context.Background()

	t.Run("active transaction measures against now", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		if tx.Duration() < 0 {
			t.Error("duration should be non-negative")
		}
	})

	t.Run("finished transaction duration is fixed", func(t *testing.T) {
		tx := newTestTransaction(&fakeExecutor{})
		tx.Commit(ctx)

		d1 := tx.Duration()
		d2 := tx.Duration()
		if d1 != d2 {
			t.Errorf("duration should be stable after commit: %v vs %v", d1, d2)
		}
	})
}

func TestStateErrorMessages(t *testing.T) {
	tests := []struct {
		err  *StateError
		want string
	}{
		{&StateError{Action: "commit", State: StateRolledBack}, "cannot commit rolled_back transaction"},
		{&StateError{Action: "rollback", State: StateCommitted}, "cannot rollback in committed transaction"},
		{&StateError{Action: "create savepoint", State: StateFailed}, "cannot create savepoint in failed transaction"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestCreateAliasesRecordIDs(t *testing.T) {
	tx := newTestTransaction(&fakeExecutor{})

	tx.AddOperation(OperationRecord{
		Kind:      KindCreate,
		Model:     "a",
		RecordIDs: []int64{9, 10},
	})

	ops := tx.Operations()
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if fmt.Sprint(ops[0].CreatedIDs) != fmt.Sprint([]int64{9, 10}) {
		t.Errorf("CreatedIDs should default to RecordIDs, got %v", ops[0].CreatedIDs)
	}
}
