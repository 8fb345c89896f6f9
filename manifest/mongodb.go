package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: recordings

Document structure:
{
    "_id": string,          // file path
    "session_id": string,
    "sequence": int,
    "opened_at": ISODate,
    "closed_at": ISODate,
    "messages": int64,
    "bytes": int64,
    "schemas": int,
    "channels": int,
    "open_reason": string,
    "close_reason": string
}

Indexes:
db.recordings.createIndex({"session_id": 1, "sequence": 1})
db.recordings.createIndex({"opened_at": 1})
*/

type mongoEntry struct {
	Path        string    `bson:"_id"`
	SessionID   string    `bson:"session_id"`
	Sequence    int       `bson:"sequence"`
	OpenedAt    time.Time `bson:"opened_at"`
	ClosedAt    time.Time `bson:"closed_at"`
	Messages    int64     `bson:"messages"`
	Bytes       int64     `bson:"bytes"`
	Schemas     int       `bson:"schemas"`
	Channels    int       `bson:"channels"`
	OpenReason  string    `bson:"open_reason,omitempty"`
	CloseReason string    `bson:"close_reason,omitempty"`
}

func fromEntry(e Entry) *mongoEntry {
	return &mongoEntry{
		Path:        e.Path,
		SessionID:   e.SessionID,
		Sequence:    e.Sequence,
		OpenedAt:    e.OpenedAt,
		ClosedAt:    e.ClosedAt,
		Messages:    int64(e.Messages),
		Bytes:       e.Bytes,
		Schemas:     e.Schemas,
		Channels:    e.Channels,
		OpenReason:  e.OpenReason,
		CloseReason: e.CloseReason,
	}
}

func (m *mongoEntry) toEntry() Entry {
	return Entry{
		Path:        m.Path,
		SessionID:   m.SessionID,
		Sequence:    m.Sequence,
		OpenedAt:    m.OpenedAt,
		ClosedAt:    m.ClosedAt,
		Messages:    uint64(m.Messages),
		Bytes:       m.Bytes,
		Schemas:     m.Schemas,
		Channels:    m.Channels,
		OpenReason:  m.OpenReason,
		CloseReason: m.CloseReason,
	}
}

// MongoStore keeps one document per file.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
//	store := manifest.NewMongoStore(client.Database("keelson"))
//	if err := store.EnsureIndexes(ctx); err != nil { ... }
type MongoStore struct {
	collection *mongo.Collection
	closed     atomic.Bool
}

// NewMongoStore creates a store over the "recordings" collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("recordings")}
}

// WithCollection sets a custom collection name.
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Indexes returns the required indexes.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "sequence", Value: 1}}},
		{Keys: bson.D{{Key: "opened_at", Value: 1}}},
	}
}

// EnsureIndexes creates the required indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Record upserts the entry keyed by its path.
func (s *MongoStore) Record(ctx context.Context, entry Entry) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": entry.Path},
		fromEntry(entry),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, sessionID string) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	filter := bson.M{}
	if sessionID != "" {
		filter["session_id"] = sessionID
	}
	opts := options.Find().SetSort(bson.D{{Key: "opened_at", Value: 1}, {Key: "sequence", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Entry
	for cursor.Next(ctx) {
		var m mongoEntry
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, m.toEntry())
	}
	if err := cursor.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	sortEntries(out)
	return out, nil
}

func (s *MongoStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*MongoStore)(nil)
