package journal

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: tx_journal

Document structure:
{
    "_id": string (entry ID),
    "transaction_id": string,
    "state": string,
    "operations": int,
    "nested": bool,
    "error": string (optional),
    "started_at": ISODate,
    "ended_at": ISODate
}

Indexes:
db.tx_journal.createIndex({ "transaction_id": 1 })
db.tx_journal.createIndex({ "state": 1 })
db.tx_journal.createIndex({ "ended_at": 1 })
*/

// mongoEntry is the journal entry document in MongoDB
type mongoEntry struct {
	ID            string    `bson:"_id"`
	TransactionID string    `bson:"transaction_id"`
	State         string    `bson:"state"`
	Operations    int       `bson:"operations"`
	Nested        bool      `bson:"nested"`
	Error         string    `bson:"error,omitempty"`
	StartedAt     time.Time `bson:"started_at"`
	EndedAt       time.Time `bson:"ended_at"`
}

func (m *mongoEntry) toEntry() *Entry {
	return &Entry{
		ID:            m.ID,
		TransactionID: m.TransactionID,
		State:         m.State,
		Operations:    m.Operations,
		Nested:        m.Nested,
		Error:         m.Error,
		StartedAt:     m.StartedAt,
		EndedAt:       m.EndedAt,
	}
}

func fromEntry(e *Entry) *mongoEntry {
	return &mongoEntry{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		State:         e.State,
		Operations:    e.Operations,
		Nested:        e.Nested,
		Error:         e.Error,
		StartedAt:     e.StartedAt,
		EndedAt:       e.EndedAt,
	}
}

// MongoStore is a MongoDB-based journal store
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB journal store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("tx_journal"),
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the required indexes for the journal collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "transaction_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "state", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "ended_at", Value: 1}},
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Create persists a new entry
func (s *MongoStore) Create(ctx context.Context, entry *Entry) error {
	_, err := s.collection.InsertOne(ctx, fromEntry(entry))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("journal entry already exists: %s", entry.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

// Get retrieves an entry by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*Entry, error) {
	var me mongoEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&me)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("journal entry not found: %s", id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}

	return me.toEntry(), nil
}

// List lists entries matching the filter, most recent first
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	mongoFilter := bson.M{}

	if filter.TransactionID != "" {
		mongoFilter["transaction_id"] = filter.TransactionID
	}

	if len(filter.States) > 0 {
		mongoFilter["state"] = bson.M{"$in": filter.States}
	}

	opts := options.Find().SetSort(bson.D{{Key: "ended_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var results []*Entry
	for cursor.Next(ctx) {
		var me mongoEntry
		if err := cursor.Decode(&me); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		results = append(results, me.toEntry())
	}

	return results, cursor.Err()
}

// DeleteOlderThan removes entries that ended before the specified age
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	filter := bson.M{
		"ended_at": bson.M{"$lt": cutoff},
	}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.DeletedCount, nil
}

// Count returns the count of entries in a terminal state
func (s *MongoStore) Count(ctx context.Context, state string) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"state": state})
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
