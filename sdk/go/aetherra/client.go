// Package aetherra is a Go client for the Aetherra job runtime HTTP API.
package aetherra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Aetherra API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunRequest submits a script for execution.
type RunRequest struct {
	JobID      string         `json:"job_id,omitempty"`
	Script     string         `json:"script_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Job mirrors the server-side job record.
type Job struct {
	ID          string         `json:"job_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (j Job) Terminal() bool {
	return j.Status == "completed" || j.Status == "failed" || j.Status == "cancelled"
}

// JobStats counts jobs by status.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Health is the /health payload.
type Health struct {
	Status        string   `json:"status"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Jobs          JobStats `json:"jobs"`
}

// Stats is the /stats payload.
type Stats struct {
	Jobs      JobStats `json:"jobs"`
	Scripts   int      `json:"scripts"`
	Plugins   int      `json:"plugins"`
	Versioned int      `json:"versioned_plugins"`
}

// Script is a catalog entry.
type Script struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Goal        string   `json:"goal,omitempty"`
	Plugins     []string `json:"plugins,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Runnable    bool     `json:"runnable"`
}

// CleanupRequest bounds job retention. Zero fields are ignored.
type CleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours,omitempty"`
	MaxJobs     int     `json:"max_jobs,omitempty"`
}

// CleanupReport counts deleted jobs.
type CleanupReport struct {
	Expired int `json:"expired"`
	Trimmed int `json:"trimmed"`
	Deleted int `json:"deleted"`
}

// ListJobsOptions filters ListJobs.
type ListJobsOptions struct {
	Statuses []string
	Limit    int
}

// Snapshot is a plugin version header, or a full version when Source is set.
type Snapshot struct {
	Plugin      string    `json:"plugin"`
	Timestamp   string    `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
	Size        int       `json:"size"`
	Confidence  float64   `json:"confidence"`
	Origin      string    `json:"origin"`
	Description string    `json:"description,omitempty"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// SnapshotRequest creates a snapshot.
type SnapshotRequest struct {
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Origin      string  `json:"origin,omitempty"`
	Description string  `json:"description,omitempty"`
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Restored *Snapshot `json:"restored"`
	Backup   *Snapshot `json:"backup,omitempty"`
	Path     string    `json:"path"`
}

// Diff is a rendered snapshot diff.
type Diff struct {
	Plugin string `json:"plugin"`
	From   string `json:"from"`
	To     string `json:"to"`
	Format string `json:"format"`
	Diff   string `json:"diff"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("aetherra api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aetherra api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for rawURL. A nil httpClient uses DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Run submits a job.
func (c *Client) Run(ctx context.Context, req RunRequest) (Job, error) {
	var j Job
	err := c.post(ctx, "/run", req, &j)
	return j, err
}

// Status fetches a job.
func (c *Client) Status(ctx context.Context, jobID string) (Job, error) {
	var j Job
	err := c.get(ctx, "/status/"+url.PathEscape(jobID), nil, &j)
	return j, err
}

// Cancel cancels a job. It returns false without error when the job had
// already finished.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.post(ctx, "/cancel/"+url.PathEscape(jobID), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// ListJobs returns jobs newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var jobs []Job
	err := c.get(ctx, "/jobs", query, &jobs)
	return jobs, err
}

// WaitForJob polls Status until the job is terminal or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.Status(ctx, jobID)
		if err != nil || j.Terminal() {
			return j, err
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/health", nil, &h)
	return h, err
}

// Stats fetches /stats.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.get(ctx, "/stats", nil, &s)
	return s, err
}

// Scripts lists the script catalog.
func (c *Client) Scripts(ctx context.Context) ([]Script, error) {
	var scripts []Script
	err := c.get(ctx, "/scripts", nil, &scripts)
	return scripts, err
}

// Cleanup deletes old terminal jobs.
func (c *Client) Cleanup(ctx context.Context, req CleanupRequest) (CleanupReport, error) {
	var report CleanupReport
	err := c.post(ctx, "/jobs/cleanup", req, &report)
	return report, err
}

// Snapshots lists the version history of plugin, oldest first.
func (c *Client) Snapshots(ctx context.Context, plugin string) ([]Snapshot, error) {
	var snaps []Snapshot
	err := c.get(ctx, "/plugins/"+url.PathEscape(plugin)+"/snapshots", nil, &snaps)
	return snaps, err
}

// CreateSnapshot records a new version of plugin.
func (c *Client) CreateSnapshot(ctx context.Context, plugin string, req SnapshotRequest) (Snapshot, error) {
	var snap Snapshot
	err := c.post(ctx, "/plugins/"+url.PathEscape(plugin)+"/snapshots", req, &snap)
	return snap, err
}

// Diff renders the change between two snapshots. An empty format means unified.
func (c *Client) Diff(ctx context.Context, plugin, from, to, format string) (Diff, error) {
	query := url.Values{"from": {from}, "to": {to}}
	if format != "" {
		query.Set("format", format)
	}
	var d Diff
	err := c.get(ctx, "/plugins/"+url.PathEscape(plugin)+"/diff", query, &d)
	return d, err
}

// Rollback restores snapshot timestamp as the live plugin source.
func (c *Client) Rollback(ctx context.Context, plugin, timestamp string) (RollbackResult, error) {
	var res RollbackResult
	err := c.post(ctx, "/plugins/"+url.PathEscape(plugin)+"/rollback", map[string]string{"timestamp": timestamp}, &res)
	return res, err
}

// Export writes a snapshot to the server's export target and returns its
// location. An empty timestamp exports the newest snapshot.
func (c *Client) Export(ctx context.Context, plugin, timestamp string) (string, error) {
	var resp struct {
		Location string `json:"location"`
	}
	err := c.post(ctx, "/plugins/"+url.PathEscape(plugin)+"/export", map[string]string{"timestamp": timestamp}, &resp)
	return resp.Location, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	// endpoint segments are already escaped; JoinPath treats them that way.
	u := c.baseURL.JoinPath(endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
