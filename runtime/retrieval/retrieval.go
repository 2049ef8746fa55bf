// Package retrieval blends semantic (vector) and lexical (keyword) search
// into one ranked, deduplicated result list.
//
// The Retriever issues both branches concurrently and joins them: vector
// matches come first in descending score order, then keyword matches whose
// URL is not already present are appended with a fixed high sentinel score —
// keyword hits are treated as exact-match confidence rather than ranked on a
// scale comparable to vector similarity. A failure of one branch degrades to
// the surviving branch's results; only a failure of both propagates.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"goa.design/clue/log"
)

type (
	// Source tags which branch produced a match.
	Source string

	// Match is one retrieval result. Matches are transient; callers may
	// persist them but this package never does.
	Match struct {
		// Source is the producing branch, set by the merger.
		Source Source `json:"source"`
		// Score is the relevance score. Vector scores come from the index;
		// keyword matches carry the KeywordScore sentinel.
		Score float64 `json:"score"`
		// Excerpt is a text excerpt from the matched document.
		Excerpt string `json:"excerpt"`
		// URL is the canonical document location and the dedup key.
		URL string `json:"url"`
		// Title is the document title.
		Title string `json:"title"`
		// Metadata carries arbitrary extra fields from the backend.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Embedder converts text into an embedding vector.
	Embedder interface {
		Embed(ctx context.Context, text string) ([]float32, error)
	}

	// VectorIndex is the semantic search backend.
	VectorIndex interface {
		Embedder
		// Query returns the topK nearest neighbors with full metadata.
		Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	}

	// LexicalStore is the keyword search backend.
	LexicalStore interface {
		// Search runs a case-insensitive substring match against title and
		// body fields, returning at most limit rows.
		Search(ctx context.Context, pattern string, limit int) ([]Match, error)
	}

	// Document is a unit of indexed content, written by ingestion pipelines.
	Document struct {
		// URL is the canonical document location. Upserts are keyed on it.
		URL string
		// Title is the document title.
		Title string
		// Body is the full document text.
		Body string
		// Embedding is the vector for semantic search.
		Embedding []float32
		// Metadata carries arbitrary extra fields.
		Metadata map[string]any
	}

	// Indexer writes documents into the retrieval backends.
	Indexer interface {
		// Upsert inserts or replaces the document keyed by URL.
		Upsert(ctx context.Context, doc Document) error
	}

	// Retriever joins the two branches.
	Retriever struct {
		vec VectorIndex
		lex LexicalStore
	}

	branchResult struct {
		matches []Match
		err     error
	}
)

const (
	// SourceVector marks matches from the vector branch.
	SourceVector Source = "vector"
	// SourceKeyword marks matches from the keyword branch.
	SourceKeyword Source = "keyword"

	// KeywordScore is the sentinel score assigned to keyword matches.
	KeywordScore = 2.0

	// keywordLimit caps the lexical branch result count.
	keywordLimit = 5

	// DefaultTopK is the vector branch neighbor count used when callers pass
	// a non-positive topK.
	DefaultTopK = 5
)

// New constructs a Retriever over the two backends.
func New(vec VectorIndex, lex LexicalStore) (*Retriever, error) {
	if vec == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if lex == nil {
		return nil, fmt.Errorf("lexical store is required")
	}
	return &Retriever{vec: vec, lex: lex}, nil
}

// Search runs both branches concurrently and merges their results. Zero
// combined results is not an error.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	vecCh := make(chan branchResult, 1)
	lexCh := make(chan branchResult, 1)
	go func() {
		matches, err := r.searchVector(ctx, query, topK)
		vecCh <- branchResult{matches: matches, err: err}
	}()
	go func() {
		matches, err := r.lex.Search(ctx, query, keywordLimit)
		lexCh <- branchResult{matches: matches, err: err}
	}()
	vec, lex := <-vecCh, <-lexCh

	switch {
	case vec.err != nil && lex.err != nil:
		return nil, fmt.Errorf("both retrieval branches failed: vector: %v; keyword: %w", vec.err, lex.err)
	case vec.err != nil:
		log.Warn(ctx, log.KV{K: "msg", V: "vector branch failed, returning keyword-only results"},
			log.KV{K: "err", V: vec.err.Error()})
	case lex.err != nil:
		log.Warn(ctx, log.KV{K: "msg", V: "keyword branch failed, returning vector-only results"},
			log.KV{K: "err", V: lex.err.Error()})
	}
	return Merge(vec.matches, lex.matches), nil
}

func (r *Retriever) searchVector(ctx context.Context, query string, topK int) ([]Match, error) {
	vector, err := r.vec.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := r.vec.Query(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return matches, nil
}

// Merge combines the two branch result sets: vector matches first in
// descending score order tagged SourceVector, then keyword matches whose URL
// is not already present tagged SourceKeyword with the KeywordScore sentinel.
// The output contains each URL exactly once; vector results win ties.
func Merge(vector, keyword []Match) []Match {
	merged := make([]Match, 0, len(vector)+len(keyword))
	seen := make(map[string]struct{}, len(vector))

	ordered := append([]Match(nil), vector...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })
	for _, m := range ordered {
		if _, dup := seen[m.URL]; dup {
			continue
		}
		seen[m.URL] = struct{}{}
		m.Source = SourceVector
		merged = append(merged, m)
	}
	for _, m := range keyword {
		if _, dup := seen[m.URL]; dup {
			continue
		}
		seen[m.URL] = struct{}{}
		m.Source = SourceKeyword
		m.Score = KeywordScore
		merged = append(merged, m)
	}
	return merged
}
