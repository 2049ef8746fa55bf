package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/quest/runtime/pipeline/executor"
	"goa.design/quest/runtime/retrieval"
)

type (
	// IngestParams is the input payload of the ingestion pipeline.
	IngestParams struct {
		// Owner is the repository owner or organization.
		Owner string `json:"owner"`
		// Repo is the repository name.
		Repo string `json:"repo"`
		// Prefix restricts ingestion to paths under this prefix when set.
		Prefix string `json:"prefix,omitempty"`
	}

	// FetchResult is the checkpointed output of the fetch step.
	FetchResult struct {
		// Files are the fetched documents, failed files excluded.
		Files []FileContent `json:"files"`
		// Skipped counts files excluded by extension, size or fetch error.
		Skipped int `json:"skipped"`
	}

	// IndexResult is the checkpointed output of the index step.
	IndexResult struct {
		// Indexed counts documents upserted into the retrieval backends.
		Indexed int `json:"indexed"`
		// Failed counts documents that could not be embedded or upserted.
		Failed int `json:"failed"`
	}
)

const (
	// fetchConcurrency bounds concurrent FetchFiles batches.
	fetchConcurrency = 5
	// fetchBatchSize is the number of paths per FetchFiles call.
	fetchBatchSize = 20
	// maxFileSize caps the bytes fetched per file.
	maxFileSize = 64 * 1024
	// fetchBatchesPerSecond paces FetchFiles calls against the content server.
	fetchBatchesPerSecond = 10
)

// textExtensions lists the file extensions ingested as documents. Everything
// else is skipped.
var textExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".java": {}, ".rb": {},
	".rs": {}, ".c": {}, ".h": {}, ".cpp": {}, ".md": {}, ".txt": {},
	".rst": {}, ".yaml": {}, ".yml": {}, ".json": {}, ".toml": {},
	".sql": {}, ".sh": {}, ".proto": {},
}

func (o *Orchestrator) ingestSteps() []executor.Step {
	return []executor.Step{
		{Name: StepFetch, Fn: o.fetchStep},
		{Name: StepIndex, Fn: o.indexStep},
		{Name: StepPersist, Fn: o.persistStep(StepIndex)},
	}
}

// fetchStep lists the repository, filters to text files and fetches contents
// in bounded, concurrent batches. Per-file fetch errors are skipped rather
// than failing the step.
func (o *Orchestrator) fetchStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p IngestParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode ingest params: %w", err)
	}
	o.progress(ctx, sc.Run, StepFetch, fmt.Sprintf("Listing %s/%s", p.Owner, p.Repo), nil)

	infos, err := o.repo.ListFiles(ctx, p.Owner, p.Repo)
	if err != nil {
		return nil, fmt.Errorf("list repository files: %w", err)
	}

	var (
		paths   []string
		skipped int
	)
	for _, fi := range infos {
		if p.Prefix != "" && !strings.HasPrefix(fi.Path, p.Prefix) {
			skipped++
			continue
		}
		if _, ok := textExtensions[strings.ToLower(path.Ext(fi.Path))]; !ok {
			skipped++
			continue
		}
		paths = append(paths, fi.Path)
	}
	o.progress(ctx, sc.Run, StepFetch,
		fmt.Sprintf("Fetching %d files (%d skipped)", len(paths), skipped), nil)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, fetchConcurrency)
		limiter = rate.NewLimiter(rate.Limit(fetchBatchesPerSecond), fetchConcurrency)
		files   []FileContent
	)
	for start := 0; start < len(paths); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(paths))
		batch := paths[start:end]
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			contents, err := o.repo.FetchFiles(ctx, p.Owner, p.Repo, batch, maxFileSize)
			if err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "fetch batch failed"},
					log.KV{K: "run_id", V: sc.Run.ID}, log.KV{K: "err", V: err.Error()})
				mu.Lock()
				skipped += len(batch)
				mu.Unlock()
				return
			}
			mu.Lock()
			for _, fc := range contents {
				if fc.Error != "" {
					skipped++
					continue
				}
				files = append(files, fc)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return json.Marshal(FetchResult{Files: files, Skipped: skipped})
}

// indexStep embeds each fetched document and upserts it into the retrieval
// backends under a repo:// pseudo-URL. Per-document failures are counted, not
// fatal; the step fails only when nothing at all could be indexed.
func (o *Orchestrator) indexStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p IngestParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode ingest params: %w", err)
	}
	var fr FetchResult
	if err := json.Unmarshal(sc.Outputs[StepFetch], &fr); err != nil {
		return nil, fmt.Errorf("decode fetch output: %w", err)
	}
	o.progress(ctx, sc.Run, StepIndex, fmt.Sprintf("Indexing %d documents", len(fr.Files)), nil)

	var res IndexResult
	for _, fc := range fr.Files {
		embedding, err := o.embedder.Embed(ctx, fc.Content)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "embed document failed"},
				log.KV{K: "path", V: fc.Path}, log.KV{K: "err", V: err.Error()})
			res.Failed++
			continue
		}
		doc := retrieval.Document{
			URL:       fmt.Sprintf("repo://%s/%s/%s", p.Owner, p.Repo, fc.Path),
			Title:     fc.Path,
			Body:      fc.Content,
			Embedding: embedding,
			Metadata: map[string]any{
				"owner": p.Owner,
				"repo":  p.Repo,
				"path":  fc.Path,
			},
		}
		if err := o.indexer.Upsert(ctx, doc); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "upsert document failed"},
				log.KV{K: "path", V: fc.Path}, log.KV{K: "err", V: err.Error()})
			res.Failed++
			continue
		}
		res.Indexed++
	}
	if res.Indexed == 0 && len(fr.Files) > 0 {
		return nil, fmt.Errorf("indexing failed for all %d documents", len(fr.Files))
	}
	return json.Marshal(res)
}
