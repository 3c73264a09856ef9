// Package rpctx is a JSON-RPC client for business-application servers,
// with client-side transactions, connection pooling and batching.
//
// The remote protocol has no native transaction support, so the
// transaction subpackage simulates rollback with compensating calls:
// every mutation executes immediately and is logged with enough original
// state to compute its inverse. The pool subpackage keeps a bounded set
// of healthy connections behind a circuit breaker, and the batch
// subpackage groups independent calls for throughput.
//
// # Client
//
//	client := rpctx.New("https://erp.example.com", "prod", "admin", secret,
//	    rpctx.WithRateLimit(50, 10),
//	    rpctx.WithTracing(true),
//	)
//
//	ids, err := client.CreateRecords(ctx, "res.partner", []map[string]any{
//	    {"name": "ACME"},
//	})
//
// # Transactions
//
// The client satisfies transaction.Executor, so it can issue the
// compensating calls a rollback needs:
//
//	manager := transaction.NewManager(client)
//
//	err := manager.Execute(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
//	    ids, err := client.CreateRecords(ctx, "res.partner", records)
//	    if err != nil {
//	        return err
//	    }
//	    return tx.RecordCreate("res.partner", ids)
//	})
//
// # Pooling
//
// The client also satisfies pool.Conn, so a pool of clients shares the
// circuit breaker and health monitoring:
//
//	p := pool.New(rpctx.Factory(url, db, user, pass),
//	    pool.WithPoolSize(5),
//	)
package rpctx
