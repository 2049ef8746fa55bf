package orchestrator

import "context"

type (
	// FileInfo describes one file in a repository listing.
	FileInfo struct {
		// Path is the file path relative to the repository root.
		Path string `json:"path"`
		// Size is the file size in bytes.
		Size int64 `json:"size"`
	}

	// FileContent is one fetched file. A per-file Error leaves the batch
	// usable: callers skip failed files rather than aborting the fetch.
	FileContent struct {
		// Path is the file path relative to the repository root.
		Path string `json:"path"`
		// Content is the file text, truncated to the requested maximum size.
		Content string `json:"content"`
		// Error is the per-file failure message, when any.
		Error string `json:"error,omitempty"`
	}

	// RepoContent serves repository content for ingestion. It is an external
	// collaborator specified only at its boundary; the HTTP implementation
	// lives in features/repo.
	RepoContent interface {
		// ListFiles lists all files in the cloned repository.
		ListFiles(ctx context.Context, owner, repo string) ([]FileInfo, error)
		// FetchFiles returns the contents of the given paths, each truncated
		// to maxSize bytes. Per-file failures are reported in FileContent.
		FetchFiles(ctx context.Context, owner, repo string, paths []string, maxSize int) ([]FileContent, error)
	}
)
