// Package mongo implements the retrieval backends on MongoDB. The vector
// branch runs an Atlas $vectorSearch aggregation against the documents
// collection; the keyword branch runs a case-insensitive regex match over
// title and body. Both branches read the same collection, and the Indexer
// upserts into it keyed by URL.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/quest/runtime/retrieval"
)

const (
	defaultDocsCollection = "documents"
	defaultVectorIndex    = "vector_index"
	defaultOpTimeout      = 10 * time.Second
	retrievalClientName   = "retrieval-mongo"

	// numCandidatesFactor scales the approximate nearest neighbor candidate
	// pool relative to the requested topK, per Atlas guidance.
	numCandidatesFactor = 10
)

type (
	// Options configures the Mongo retrieval store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection is the documents collection name. Defaults to
		// "documents".
		Collection string
		// VectorIndexName is the Atlas vector search index name. Defaults to
		// "vector_index".
		VectorIndexName string
		// Embedder converts query text into vectors. Required.
		Embedder retrieval.Embedder
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// Store implements retrieval.VectorIndex, retrieval.LexicalStore and
	// retrieval.Indexer on one Mongo collection.
	Store struct {
		mongo    *mongodriver.Client
		docs     *mongodriver.Collection
		index    string
		embedder retrieval.Embedder
		timeout  time.Duration
	}

	document struct {
		URL       string         `bson:"url"`
		Title     string         `bson:"title"`
		Body      string         `bson:"body"`
		Embedding []float32      `bson:"embedding,omitempty"`
		Metadata  map[string]any `bson:"metadata,omitempty"`
		Score     float64        `bson:"score,omitempty"`
	}
)

var (
	_ retrieval.VectorIndex  = (*Store)(nil)
	_ retrieval.LexicalStore = (*Store)(nil)
	_ retrieval.Indexer      = (*Store)(nil)
	_ health.Pinger          = (*Store)(nil)
)

// New returns a Mongo-backed retrieval store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultDocsCollection
	}
	indexName := opts.VectorIndexName
	if indexName == "" {
		indexName = defaultVectorIndex
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:    opts.Client,
		docs:     opts.Client.Database(opts.Database).Collection(collection),
		index:    indexName,
		embedder: opts.Embedder,
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return retrievalClientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Embed delegates to the configured embedder.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// Query runs the Atlas $vectorSearch aggregation and returns the topK nearest
// neighbors with their similarity scores.
func (s *Store) Query(ctx context.Context, vector []float32, topK int) ([]retrieval.Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: s.index},
			{Key: "path", Value: "embedding"},
			{Key: "queryVector", Value: vector},
			{Key: "numCandidates", Value: topK * numCandidatesFactor},
			{Key: "limit", Value: topK},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "url", Value: 1},
			{Key: "title", Value: 1},
			{Key: "body", Value: 1},
			{Key: "metadata", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}
	cursor, err := s.docs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer cursor.Close(ctx)

	var matches []retrieval.Match
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode vector match: %w", err)
		}
		matches = append(matches, doc.toMatch(doc.Score))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("vector search cursor: %w", err)
	}
	return matches, nil
}

// Search runs a case-insensitive regex match over title and body, returning
// at most limit rows. Scores are zero; the merger assigns the keyword
// sentinel.
func (s *Store) Search(ctx context.Context, pattern string, limit int) ([]retrieval.Match, error) {
	if pattern == "" {
		return nil, errors.New("search pattern is required")
	}
	if limit <= 0 {
		limit = retrieval.DefaultTopK
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	re := primitive.Regex{Pattern: escapeRegex(pattern), Options: "i"}
	filter := bson.M{"$or": bson.A{
		bson.M{"title": re},
		bson.M{"body": re},
	}}
	cursor, err := s.docs.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer cursor.Close(ctx)

	var matches []retrieval.Match
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode keyword match: %w", err)
		}
		matches = append(matches, doc.toMatch(0))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("keyword search cursor: %w", err)
	}
	return matches, nil
}

// Upsert inserts or replaces the document keyed by URL.
func (s *Store) Upsert(ctx context.Context, doc retrieval.Document) error {
	if doc.URL == "" {
		return errors.New("document url is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.docs.ReplaceOne(ctx,
		bson.M{"url": doc.URL},
		document{
			URL:       doc.URL,
			Title:     doc.Title,
			Body:      doc.Body,
			Embedding: doc.Embedding,
			Metadata:  doc.Metadata,
		},
		options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.docs.Indexes().CreateOne(ctx, index)
	return err
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

func (doc document) toMatch(score float64) retrieval.Match {
	return retrieval.Match{
		Score:    score,
		Excerpt:  excerpt(doc.Body),
		URL:      doc.URL,
		Title:    doc.Title,
		Metadata: doc.Metadata,
	}
}

// maxExcerptLen bounds the excerpt carried in a match so result payloads stay
// small regardless of document size.
const maxExcerptLen = 500

func excerpt(body string) string {
	if len(body) <= maxExcerptLen {
		return body
	}
	return body[:maxExcerptLen]
}

// escapeRegex neutralizes regex metacharacters so the pattern matches as a
// literal substring.
func escapeRegex(pattern string) string {
	return regexp.QuoteMeta(pattern)
}
