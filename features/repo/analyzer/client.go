// Package analyzer provides an HTTP client for the repository content
// service used by the ingest pipeline. The service clones repositories
// server-side and exposes listing and batched content endpoints; this client
// implements the orchestrator.RepoContent contract on top of them.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goa.design/clue/health"

	"goa.design/quest/runtime/pipeline/orchestrator"
)

const (
	defaultTimeout = 30 * time.Second
	// cloneTimeout bounds the clone endpoint, which runs a shallow git clone
	// server-side.
	cloneTimeout   = 5 * time.Minute
	repoClientName = "repo-analyzer"
)

type (
	// Options configures the analyzer client.
	Options struct {
		// BaseURL is the service address, e.g. "http://repo-analyzer:8080".
		// Required.
		BaseURL string
		// HTTPClient overrides the default HTTP client.
		HTTPClient *http.Client
		// Token authenticates server-side clones of private repositories.
		Token string
	}

	// Client implements orchestrator.RepoContent over the analyzer HTTP API.
	Client struct {
		base  string
		http  *http.Client
		token string
	}
)

var (
	_ orchestrator.RepoContent = (*Client)(nil)
	_ health.Pinger            = (*Client)(nil)
)

// New returns an analyzer client for the given base URL.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		http:  hc,
		token: opts.Token,
	}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string {
	return repoClientName
}

// Ping implements health.Pinger via the service's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("repo analyzer health: status %d", resp.StatusCode)
	}
	return nil
}

// Clone asks the service to shallow-clone the repository so subsequent
// ListFiles and FetchFiles calls can serve it.
func (c *Client) Clone(ctx context.Context, repoURL, owner, repo string) error {
	if repoURL == "" || owner == "" || repo == "" {
		return errors.New("repo url, owner and repo are required")
	}
	body := map[string]string{
		"repo_url": repoURL,
		"owner":    owner,
		"repo":     repo,
	}
	if c.token != "" {
		body["token"] = c.token
	}
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	return c.post(ctx, "/clone", body, nil)
}

// ListFiles lists all files in the cloned repository.
func (c *Client) ListFiles(ctx context.Context, owner, repo string) ([]orchestrator.FileInfo, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("owner and repo are required")
	}
	q := url.Values{"owner": {owner}, "repo": {repo}}
	var out struct {
		Files []orchestrator.FileInfo `json:"files"`
	}
	if err := c.get(ctx, "/files?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// FetchFiles returns the contents of the given paths, each truncated to
// maxSize bytes. Per-file failures are reported in the returned slice.
func (c *Client) FetchFiles(ctx context.Context, owner, repo string, paths []string, maxSize int) ([]orchestrator.FileContent, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("owner and repo are required")
	}
	if len(paths) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"owner":      owner,
		"repo":       repo,
		"file_paths": paths,
		"max_size":   maxSize,
	}
	var out struct {
		Files []orchestrator.FileContent `json:"files"`
	}
	if err := c.post(ctx, "/analyze", body, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError surfaces the service's {"error": "..."} payload when present.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("repo analyzer: %s (status %d)", payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("repo analyzer: status %d", resp.StatusCode)
}
