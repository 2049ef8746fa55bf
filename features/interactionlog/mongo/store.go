// Package mongo implements interactionlog.Store on MongoDB. Entries are
// append-only; the run_id index serves the per-run audit listing.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/quest/runtime/interactionlog"
)

const (
	defaultEntriesCollection = "model_interactions"
	defaultOpTimeout         = 5 * time.Second
	logClientName            = "interactionlog-mongo"
)

type (
	// Options configures the Mongo interaction log.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection is the entries collection name. Defaults to
		// "model_interactions".
		Collection string
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// Store implements interactionlog.Store on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		entries *mongodriver.Collection
		timeout time.Duration
	}

	entryDocument struct {
		RunID     string    `bson:"run_id"`
		Role      string    `bson:"role"`
		Content   string    `bson:"content"`
		Provider  string    `bson:"provider,omitempty"`
		CallType  string    `bson:"call_type,omitempty"`
		Timestamp time.Time `bson:"timestamp"`
	}
)

var (
	_ interactionlog.Store = (*Store)(nil)
	_ health.Pinger        = (*Store)(nil)
)

// New returns a Mongo-backed interaction log.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultEntriesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		entries: opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "timestamp", Value: 1}}}
	if _, err := s.entries.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return logClientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append persists one interaction entry.
func (s *Store) Append(ctx context.Context, e *interactionlog.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	doc := fromEntry(e)
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.entries.InsertOne(ctx, doc)
	return err
}

// List returns up to limit entries for runID, oldest first.
func (s *Store) List(ctx context.Context, runID string, limit int) ([]*interactionlog.Entry, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.entries.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*interactionlog.Entry
	for cursor.Next(ctx) {
		var doc entryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEntry())
	}
	return out, cursor.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromEntry(e *interactionlog.Entry) entryDocument {
	return entryDocument{
		RunID:     e.RunID,
		Role:      e.Role,
		Content:   e.Content,
		Provider:  e.Provider,
		CallType:  e.CallType,
		Timestamp: e.Timestamp.UTC(),
	}
}

func (doc entryDocument) toEntry() *interactionlog.Entry {
	return &interactionlog.Entry{
		RunID:     doc.RunID,
		Role:      doc.Role,
		Content:   doc.Content,
		Provider:  doc.Provider,
		CallType:  doc.CallType,
		Timestamp: doc.Timestamp,
	}
}
