// Package apiclient talks to the backend REST API.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/version"
	"pkt.systems/vkstream/schema"
)

// Default path templates. "{id}" is replaced with the resource id.
const (
	DefaultProcessesPath      = "/api/execution-processes"
	DefaultProcessPath        = "/api/execution-processes/{id}"
	DefaultNormalizedLogsPath = "/api/execution-processes/{id}/normalized-logs"
	DefaultAttemptDiffPath    = "/api/task-attempts/{id}/diff"
)

// DefaultCacheSize bounds the completed conversation cache.
const DefaultCacheSize = 64

const maxBodyBytes = 32 << 20

// Paths holds the endpoint templates.
type Paths struct {
	Processes      string
	Process        string
	NormalizedLogs string
	AttemptDiff    string
}

// DefaultPaths returns the backend's standard routes.
func DefaultPaths() Paths {
	return Paths{
		Processes:      DefaultProcessesPath,
		Process:        DefaultProcessPath,
		NormalizedLogs: DefaultNormalizedLogsPath,
		AttemptDiff:    DefaultAttemptDiffPath,
	}
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Paths      Paths
	HTTPClient *http.Client
	Timeout    time.Duration
	CacheSize  int
}

// Client issues REST requests and caches the final documents of completed
// processes.
type Client struct {
	base   *url.URL
	paths  Paths
	http   *http.Client
	stream *http.Client
	cache  *lru.Cache[schema.ProcessID, json.RawMessage]
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("api base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api base url must be http or https: %q", raw)
	}
	base.Path = strings.TrimRight(base.Path, "/")
	paths := mergePaths(opts.Paths)
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[schema.ProcessID, json.RawMessage](size)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:   base,
		paths:  paths,
		http:   client,
		stream: streamClient(client, opts.Timeout),
		cache:  cache,
	}, nil
}

// streamClient derives the client used for event streams. Streams stay open
// indefinitely, so only waiting for response headers is bounded.
func streamClient(rest *http.Client, timeout time.Duration) *http.Client {
	stream := *rest
	stream.Timeout = 0
	if stream.Transport == nil && timeout > 0 {
		if base, ok := http.DefaultTransport.(*http.Transport); ok {
			transport := base.Clone()
			transport.ResponseHeaderTimeout = timeout
			stream.Transport = transport
		}
	}
	return &stream
}

func mergePaths(p Paths) Paths {
	def := DefaultPaths()
	if strings.TrimSpace(p.Processes) == "" {
		p.Processes = def.Processes
	}
	if strings.TrimSpace(p.Process) == "" {
		p.Process = def.Process
	}
	if strings.TrimSpace(p.NormalizedLogs) == "" {
		p.NormalizedLogs = def.NormalizedLogs
	}
	if strings.TrimSpace(p.AttemptDiff) == "" {
		p.AttemptDiff = def.AttemptDiff
	}
	return p
}

// HTTPClient returns the client used for REST requests.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// StreamHTTPClient returns the client for dialing event streams. It shares
// the REST client's transport settings but has no overall timeout.
func (c *Client) StreamHTTPClient() *http.Client {
	return c.stream
}

// ListProcessesRaw returns the data of the process list envelope unparsed,
// suitable as a poll fetch.
func (c *Client) ListProcessesRaw(ctx context.Context, attemptID schema.AttemptID) (json.RawMessage, error) {
	if err := schema.ValidateAttemptID(attemptID); err != nil {
		return nil, err
	}
	query := url.Values{"task_attempt_id": []string{string(attemptID)}}
	return getData[json.RawMessage](ctx, c, c.resolve(c.paths.Processes, "", query))
}

// ListProcesses returns the execution processes of an attempt.
func (c *Client) ListProcesses(ctx context.Context, attemptID schema.AttemptID) ([]schema.ExecutionProcess, error) {
	raw, err := c.ListProcessesRaw(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return DecodeProcesses(raw)
}

// GetProcess returns one execution process.
func (c *Client) GetProcess(ctx context.Context, id schema.ProcessID) (schema.ExecutionProcess, error) {
	if err := schema.ValidateProcessID(id); err != nil {
		return schema.ExecutionProcess{}, err
	}
	return getData[schema.ExecutionProcess](ctx, c, c.resolve(c.paths.Process, string(id), nil))
}

// NormalizedLogsURL returns the conversation stream URL of a process.
func (c *Client) NormalizedLogsURL(id schema.ProcessID) string {
	return c.resolve(c.paths.NormalizedLogs, string(id), nil)
}

// AttemptDiffURL returns the diff stream URL of an attempt.
func (c *Client) AttemptDiffURL(id schema.AttemptID) string {
	return c.resolve(c.paths.AttemptDiff, string(id), nil)
}

// CacheConversation stores the final document of a completed process.
func (c *Client) CacheConversation(id schema.ProcessID, document json.RawMessage) {
	if len(document) == 0 {
		return
	}
	c.cache.Add(id, append(json.RawMessage(nil), document...))
}

// CachedConversation returns a cached final document.
func (c *Client) CachedConversation(id schema.ProcessID) (json.RawMessage, bool) {
	return c.cache.Get(id)
}

// DecodeProcesses decodes a process list payload.
func DecodeProcesses(raw json.RawMessage) ([]schema.ExecutionProcess, error) {
	var procs []schema.ExecutionProcess
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil, fmt.Errorf("decode processes: %w", err)
	}
	return procs, nil
}

func (c *Client) resolve(template, id string, query url.Values) string {
	path := strings.ReplaceAll(template, "{id}", id)
	u := *c.base
	u.RawPath = ""
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

func getData[T any](ctx context.Context, c *Client, target string) (T, error) {
	var zero T
	log := pslog.Ctx(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return zero, err
	}
	log.Trace("api response", "url", target, "status", resp.StatusCode, "bytes", len(body))
	if resp.StatusCode == http.StatusNotFound {
		return zero, fmt.Errorf("%w: %s", schema.ErrNotFound, req.URL.Path)
	}
	data, err := schema.DecodeAPIResponse[T](body)
	if err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return zero, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return zero, err
	}
	return data, nil
}
