package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

/*
Redis Schema:

Entries are stored as MessagePack blobs with set/sorted-set indexes:
- String: txjournal:{id} - msgpack-encoded entry
- Set: txjournal:by_tx:{transaction_id} - entry IDs for a transaction
- Set: txjournal:by_state:{state} - entry IDs in a terminal state
- Sorted Set: txjournal:by_time - entry IDs sorted by end time
*/

// redisEntry is the MessagePack wire format for journal entries
type redisEntry struct {
	ID            string `msgpack:"id"`
	TransactionID string `msgpack:"transaction_id"`
	State         string `msgpack:"state"`
	Operations    int    `msgpack:"operations,omitempty"`
	Nested        bool   `msgpack:"nested,omitempty"`
	Error         string `msgpack:"error,omitempty"`
	StartedAt     int64  `msgpack:"started_at"`
	EndedAt       int64  `msgpack:"ended_at"`
}

// RedisStore is a Redis-based journal store.
//
// RedisStore stores entries as MessagePack blobs with set-based indexes for
// filtering by transaction ID and state, and a sorted-set index for ordering
// by end time.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := journal.NewRedisStore(rdb).
//	    WithKeyPrefix("myapp:txjournal:").
//	    WithTTL(7 * 24 * time.Hour)
type RedisStore struct {
	client      redis.Cmdable
	prefix      string
	txPrefix    string
	statePrefix string
	timeKey     string
	ttl         time.Duration // TTL for entries (0 = no expiry)
}

// NewRedisStore creates a new Redis journal store.
//
// Default configuration:
//   - Key prefix: "txjournal:"
//   - TTL: 0 (no expiry)
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      "txjournal:",
		txPrefix:    "txjournal:by_tx:",
		statePrefix: "txjournal:by_state:",
		timeKey:     "txjournal:by_time",
		ttl:         0,
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Use this for multi-tenant deployments or to organize keys by application.
//
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.txPrefix = prefix + "by_tx:"
	s.statePrefix = prefix + "by_state:"
	s.timeKey = prefix + "by_time"
	return s
}

// WithTTL sets the TTL for journal entries.
//
// When set, entries expire automatically after the TTL. This prevents
// unbounded growth of journal data.
//
// Returns the store for method chaining.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

// Create persists a new entry
func (s *RedisStore) Create(ctx context.Context, entry *Entry) error {
	key := s.prefix + entry.ID

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("journal entry already exists: %s", entry.ID)
	}

	data, err := msgpack.Marshal(&redisEntry{
		ID:            entry.ID,
		TransactionID: entry.TransactionID,
		State:         entry.State,
		Operations:    entry.Operations,
		Nested:        entry.Nested,
		Error:         entry.Error,
		StartedAt:     entry.StartedAt.Unix(),
		EndedAt:       entry.EndedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}

	// Add to indexes
	s.client.SAdd(ctx, s.txPrefix+entry.TransactionID, entry.ID)
	s.client.SAdd(ctx, s.statePrefix+entry.State, entry.ID)
	s.client.ZAdd(ctx, s.timeKey, redis.Z{
		Score:  float64(entry.EndedAt.Unix()),
		Member: entry.ID,
	})

	return nil
}

// Get retrieves an entry by ID
func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("journal entry not found: %s", id)
		}
		return nil, fmt.Errorf("get: %w", err)
	}

	return s.decode(data)
}

// decode converts a MessagePack blob to an Entry
func (s *RedisStore) decode(data []byte) (*Entry, error) {
	var re redisEntry
	if err := msgpack.Unmarshal(data, &re); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &Entry{
		ID:            re.ID,
		TransactionID: re.TransactionID,
		State:         re.State,
		Operations:    re.Operations,
		Nested:        re.Nested,
		Error:         re.Error,
		StartedAt:     time.Unix(re.StartedAt, 0),
		EndedAt:       time.Unix(re.EndedAt, 0),
	}, nil
}

// List lists entries matching the filter, most recent first
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	ids, err := s.matchIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	var results []*Entry
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			// Entry may have expired between index scan and read
			continue
		}
		results = append(results, entry)

		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}

	return results, nil
}

// matchIDs resolves the filter to candidate entry IDs, most recent first
func (s *RedisStore) matchIDs(ctx context.Context, filter Filter) ([]string, error) {
	// Most recent first from the time index
	ids, err := s.client.ZRevRange(ctx, s.timeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	if filter.TransactionID == "" && len(filter.States) == 0 {
		return ids, nil
	}

	allowed := make(map[string]bool)

	if filter.TransactionID != "" {
		members, err := s.client.SMembers(ctx, s.txPrefix+filter.TransactionID).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers: %w", err)
		}
		for _, m := range members {
			allowed[m] = true
		}
	}

	stateAllowed := make(map[string]bool)
	for _, state := range filter.States {
		members, err := s.client.SMembers(ctx, s.statePrefix+state).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers: %w", err)
		}
		for _, m := range members {
			stateAllowed[m] = true
		}
	}

	var matched []string
	for _, id := range ids {
		if filter.TransactionID != "" && !allowed[id] {
			continue
		}
		if len(filter.States) > 0 && !stateAllowed[id] {
			continue
		}
		matched = append(matched, id)
	}

	return matched, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
