// Package journal persists records of finished client-side transactions.
//
// The transaction manager executes every mutating RPC call immediately and
// only simulates commit/rollback through compensating calls, so once a
// transaction reaches a terminal state its in-memory operation log is gone.
// A journal keeps a durable trace of what happened: which transactions
// committed, which were rolled back, and which failed mid-rollback.
//
// The package provides:
//   - Entry describing one finished transaction
//   - Store interface for persistence
//   - MemoryStore for tests and single-process use
//   - RedisStore for distributed deployments (see redis.go)
//   - MongoStore for MongoDB (see mongodb.go)
//
// # Basic Usage
//
//	store := journal.NewMemoryStore()
//	mgr := transaction.NewManager(client, transaction.WithJournal(store))
//
//	// ... run transactions ...
//
//	failed, _ := store.List(ctx, journal.Filter{
//	    States: []string{"failed"},
//	    Limit:  100,
//	})
//	for _, e := range failed {
//	    log.Warn("transaction needs attention", "tx", e.TransactionID, "error", e.Error)
//	}
//
// # Best Practices
//
//   - Set a TTL on the Redis store to bound journal growth
//   - Alert on entries in the "failed" state - those transactions may have
//     left partially-compensated data on the server
//   - Journal writes are best effort; the manager logs and continues when a
//     write fails
package journal

import (
	"context"
	"time"
)

// Entry describes one finished transaction.
//
// Entries are written once when a transaction reaches a terminal state and
// are never updated afterwards.
type Entry struct {
	ID            string    // Journal entry ID (unique)
	TransactionID string    // ID of the recorded transaction
	State         string    // Terminal state: committed, rolled_back or failed
	Operations    int       // Number of operations the transaction held at the end
	Nested        bool      // Whether the transaction had a parent
	Error         string    // Error message for failed transactions
	StartedAt     time.Time // When the transaction started
	EndedAt       time.Time // When the transaction reached its terminal state
}

// Store persists journal entries.
//
// Implementations must be safe for concurrent use.
//
// Implementations:
//   - MemoryStore: In-memory, for tests and single-process use
//   - RedisStore: Redis-backed (see redis.go)
//   - MongoStore: MongoDB-backed (see mongodb.go)
type Store interface {
	// Create persists a new entry.
	// Returns an error if an entry with this ID already exists.
	Create(ctx context.Context, entry *Entry) error

	// Get retrieves an entry by ID.
	// Returns an error if not found.
	Get(ctx context.Context, id string) (*Entry, error)

	// List lists entries matching the filter, most recent first.
	// Returns an empty slice if nothing matches.
	List(ctx context.Context, filter Filter) ([]*Entry, error)
}

// Filter specifies criteria for listing entries.
//
// All fields are optional. An empty filter returns all entries.
type Filter struct {
	TransactionID string   // Filter by transaction ID (empty = all)
	States        []string // Filter by terminal state (empty = all)
	Limit         int      // Maximum results (0 = no limit)
}
