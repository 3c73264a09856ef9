// Package batch executes groups of independent record operations over a
// connection pool.
//
// Batching improves throughput against remote record APIs by:
//   - Combining many record IDs into a single call
//   - Splitting oversized calls into chunks the server accepts
//   - Running independent chunks concurrently
//
// # Priorities
//
// Operations carry a priority; lower values execute first. All chunks of
// one priority level complete before the next level starts, so callers
// can sequence dependent work (create parents before children) while
// still batching within each level.
//
// # Transactions
//
// When the context carries a transaction (see the transaction package),
// every successful chunk is recorded against it so a later rollback can
// compensate the whole batch. Updates and deletes are only reversible
// when the operation supplies the previous field values in Previous.
//
// # Usage
//
//	exec := batch.New(pool,
//	    batch.WithMaxBatchSize(200),
//	    batch.WithConcurrency(4),
//	)
//
//	results, err := exec.Run(ctx, []batch.Operation{
//	    {Priority: 0, Kind: transaction.KindCreate, Model: "res.partner", Records: partners},
//	    {Priority: 1, Kind: transaction.KindUpdate, Model: "sale.order", IDs: ids, Values: values},
//	})
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/rbaliyan/rpctx/pool"
	"github.com/rbaliyan/rpctx/transaction"
)

// ErrNotExecutor is returned when a pooled connection does not support
// record operations.
var ErrNotExecutor = errors.New("connection does not implement record operations")

// Operation is one bulk record operation.
//
// Create operations use Records; update operations use IDs and Values;
// delete operations use IDs. Previous optionally carries the field values
// before the operation, one map per ID, so the operation can be
// compensated when run inside a transaction.
type Operation struct {
	// Priority orders execution; lower values run first. Operations with
	// equal priority keep their relative order.
	Priority int

	Kind  transaction.Kind
	Model string

	// IDs are the target record IDs for updates and deletes.
	IDs []int64

	// Records are the payloads for creates.
	Records []map[string]any

	// Values are the field changes for updates, applied to every ID.
	Values map[string]any

	// Previous holds the field values from before the operation, applied
	// to every ID on compensation. Required for updates and deletes to be
	// reversible inside a transaction; ignored for creates.
	Previous map[string]any
}

// Result reports the outcome of one executed chunk.
type Result struct {
	Model string
	Kind  transaction.Kind

	// IDs are the record IDs the chunk targeted (updates and deletes).
	IDs []int64

	// CreatedIDs are the server-assigned IDs for creates.
	CreatedIDs []int64

	Err error
}

// Executor runs batches of operations against a connection pool.
type Executor struct {
	pool         *pool.Pool
	logger       *slog.Logger
	maxBatchSize int
	concurrency  int
}

// Option configures an Executor. Options with invalid values are ignored.
type Option func(*Executor)

// WithMaxBatchSize caps the number of records per call. Operations with
// more records than this are split into chunks. Values <= 0 are ignored.
func WithMaxBatchSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxBatchSize = n
		}
	}
}

// WithConcurrency sets how many chunks of the same priority level may run
// at once. Values <= 0 are ignored.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the logger. Nil loggers are ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a batch executor over p.
//
// Defaults: max batch size 100, concurrency 1 (sequential).
func New(p *pool.Pool, opts ...Option) *Executor {
	e := &Executor{
		pool:         p,
		logger:       slog.Default(),
		maxBatchSize: 100,
		concurrency:  1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With("component", "batch")
	return e
}

// chunk is a unit of execution: one operation sliced down to at most
// maxBatchSize records.
type chunk struct {
	op      Operation
	ids     []int64
	records []map[string]any
}

// Run executes ops in priority order and returns one Result per chunk, in
// chunk order within each priority level.
//
// Failures do not stop the batch: remaining chunks still run, failed
// chunks carry their error in the Result, and the returned error
// aggregates every chunk failure. When the context carries a transaction,
// each successful chunk is recorded for compensation.
func (e *Executor) Run(ctx context.Context, ops []Operation) ([]Result, error) {
	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	var (
		results []Result
		runErr  error
	)

	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Priority == sorted[start].Priority {
			end++
		}

		levelResults := e.runLevel(ctx, e.split(sorted[start:end]))
		for _, r := range levelResults {
			if r.Err != nil {
				runErr = multierr.Append(runErr, r.Err)
			}
		}
		results = append(results, levelResults...)

		start = end
	}

	return results, runErr
}

// split slices each operation into chunks of at most maxBatchSize records.
func (e *Executor) split(ops []Operation) []chunk {
	var chunks []chunk
	for _, op := range ops {
		switch op.Kind {
		case transaction.KindCreate:
			for i := 0; i < len(op.Records); i += e.maxBatchSize {
				j := min(i+e.maxBatchSize, len(op.Records))
				chunks = append(chunks, chunk{op: op, records: op.Records[i:j]})
			}
		default:
			for i := 0; i < len(op.IDs); i += e.maxBatchSize {
				j := min(i+e.maxBatchSize, len(op.IDs))
				chunks = append(chunks, chunk{op: op, ids: op.IDs[i:j]})
			}
		}
	}
	return chunks
}

// runLevel executes one priority level's chunks, up to concurrency at a
// time, and returns their results in chunk order.
func (e *Executor) runLevel(ctx context.Context, chunks []chunk) []Result {
	results := make([]Result, len(chunks))

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c chunk) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.runChunk(ctx, c)
		}(i, c)
	}
	wg.Wait()

	return results
}

// runChunk acquires a connection and executes one chunk, recording it
// against the context's transaction on success.
func (e *Executor) runChunk(ctx context.Context, c chunk) Result {
	res := Result{
		Model: c.op.Model,
		Kind:  c.op.Kind,
		IDs:   c.ids,
	}

	res.Err = e.pool.With(ctx, func(ctx context.Context, conn pool.Conn) error {
		exec, ok := conn.(transaction.Executor)
		if !ok {
			return ErrNotExecutor
		}

		switch c.op.Kind {
		case transaction.KindCreate:
			ids, err := exec.CreateRecords(ctx, c.op.Model, c.records)
			if err != nil {
				return err
			}
			res.CreatedIDs = ids
			return nil
		case transaction.KindUpdate:
			return exec.UpdateRecords(ctx, c.op.Model, c.ids, c.op.Values)
		case transaction.KindDelete:
			return exec.DeleteRecords(ctx, c.op.Model, c.ids)
		default:
			return transaction.ErrUnknownOperation
		}
	})

	if res.Err != nil {
		e.logger.WarnContext(ctx, "batch chunk failed",
			"model", c.op.Model,
			"kind", c.op.Kind,
			"error", res.Err)
		return res
	}

	e.record(ctx, c, res)
	return res
}

// record appends the executed chunk to the context's transaction, if any.
func (e *Executor) record(ctx context.Context, c chunk, res Result) {
	tx := transaction.FromContext(ctx)
	if tx == nil {
		return
	}

	var err error
	switch c.op.Kind {
	case transaction.KindCreate:
		err = tx.RecordCreate(c.op.Model, res.CreatedIDs)
	case transaction.KindUpdate:
		err = tx.RecordUpdate(c.op.Model, c.ids, c.op.Previous)
	case transaction.KindDelete:
		err = tx.RecordDelete(c.op.Model, c.ids, c.op.Previous)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "recording batch chunk failed",
			"transaction_id", tx.ID(),
			"model", c.op.Model,
			"error", err)
	}
}
