package transaction

import "context"

type contextKey int

const transactionContextKey contextKey = iota

// ContextWithTransaction returns a context carrying the transaction.
//
// Manager.Begin and Manager.Execute do this automatically; use it directly
// only when stitching a transaction into a context built elsewhere.
func ContextWithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, transactionContextKey, tx)
}

// FromContext returns the transaction carried by the context, nil if none.
//
// This replaces a process-global "current transaction": the enclosing
// transaction travels with the context of the goroutine that opened it, so
// concurrent transactions on the same manager cannot confuse each other.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(transactionContextKey).(*Transaction)
	return tx
}
