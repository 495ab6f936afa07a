package ampsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the ampsync server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the dashboard API token sent on every request. Leave it
	// empty when the server runs with authentication disabled.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the ampsync dashboard and control API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ampsync: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Health retrieves the service health report. This endpoint does not
// require authentication. The report is returned even when the service
// is unhealthy and answers 503, so callers can inspect which dependency
// failed.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("ampsync: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ampsync: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ampsync: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	var out Health
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("ampsync: decode response: %w", err)
	}
	return &out, nil
}

// Summary retrieves the dashboard landing view: last sync, failure
// totals and recent API call statistics.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var resp Summary
	if err := c.get(ctx, "/api/dashboard/summary", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncMetrics retrieves the change rollup and recent session briefs for
// the given window. Zero or negative hours means the server default of 24.
func (c *Client) SyncMetrics(ctx context.Context, hours int) (*SyncMetrics, error) {
	path := "/api/dashboard/sync-metrics"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var resp SyncMetrics
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// APICallOptions are optional filters for the APICalls method.
type APICallOptions struct {
	Service       string
	Method        string
	ErrorsOnly    bool
	CorrelationID string
	Limit         int
}

// APICalls retrieves the most recent outbound API calls, newest first.
func (c *Client) APICalls(ctx context.Context, opts *APICallOptions) ([]APICall, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Service != "" {
			params.Set("service", opts.Service)
		}
		if opts.Method != "" {
			params.Set("method", opts.Method)
		}
		if opts.ErrorsOnly {
			params.Set("errors_only", "true")
		}
		if opts.CorrelationID != "" {
			params.Set("correlation_id", opts.CorrelationID)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/api/dashboard/api-calls"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp struct {
		Calls []APICall `json:"calls"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Calls, nil
}

// APICallStats retrieves aggregate statistics over the most recent
// outbound API calls.
func (c *Client) APICallStats(ctx context.Context) (*CallStats, error) {
	var resp CallStats
	if err := c.get(ctx, "/api/dashboard/api-call-stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sessions retrieves recent sync sessions with their full event lists,
// newest first. Zero or negative limit means the server default of 10.
func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	path := "/api/dashboard/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Errors retrieves sync errors recorded inside the given window.
// Zero or negative hours means the server default of 24.
func (c *Client) Errors(ctx context.Context, hours int) ([]ErrorEntry, error) {
	path := "/api/dashboard/errors"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var resp struct {
		Errors []ErrorEntry `json:"errors"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Errors, nil
}

// ErrorSuggestions retrieves remediation advice grouped from recent
// errors and failed records.
func (c *Client) ErrorSuggestions(ctx context.Context, hours int) (*SuggestionsReport, error) {
	path := "/api/dashboard/error-suggestions"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var resp SuggestionsReport
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CacheStatus retrieves the state of every reference cache.
func (c *Client) CacheStatus(ctx context.Context) (*CacheStatus, error) {
	var resp CacheStatus
	if err := c.get(ctx, "/api/dashboard/cache-status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FailedRecordOptions are optional filters for the FailedRecords method.
type FailedRecordOptions struct {
	EntityType string
	Page       int
	PerPage    int
}

// FailedRecords retrieves one page of failed-sync records.
func (c *Client) FailedRecords(ctx context.Context, opts *FailedRecordOptions) (*FailedRecordPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.EntityType != "" {
			params.Set("entity_type", opts.EntityType)
		}
		if opts.Page > 0 {
			params.Set("page", strconv.Itoa(opts.Page))
		}
		if opts.PerPage > 0 {
			params.Set("per_page", strconv.Itoa(opts.PerPage))
		}
	}

	path := "/api/dashboard/failed-records"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp FailedRecordPage
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordOptions are optional filters for the Records method.
type RecordOptions struct {
	Hours      int
	Operation  string
	EntityType string
	Limit      int
}

// Records retrieves change events across sessions inside a time window.
func (c *Client) Records(ctx context.Context, opts *RecordOptions) ([]ChangeEvent, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Hours > 0 {
			params.Set("hours", strconv.Itoa(opts.Hours))
		}
		if opts.Operation != "" {
			params.Set("operation", opts.Operation)
		}
		if opts.EntityType != "" {
			params.Set("entity_type", opts.EntityType)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/api/dashboard/records"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp struct {
		Events []ChangeEvent `json:"events"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// EntityCounts retrieves change and failure totals per entity type.
func (c *Client) EntityCounts(ctx context.Context, hours int) (*EntityCounts, error) {
	path := "/api/dashboard/entity-counts"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var resp EntityCounts
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DurationTrends retrieves per-sync-type series of session durations,
// oldest first.
func (c *Client) DurationTrends(ctx context.Context) (map[string][]DurationPoint, error) {
	var resp struct {
		Trends map[string][]DurationPoint `json:"trends"`
	}
	if err := c.get(ctx, "/api/dashboard/duration-trends", &resp); err != nil {
		return nil, err
	}
	return resp.Trends, nil
}

// AuditLog retrieves recorded control-plane actions, newest first.
// Zero or negative limit means the server default of 100.
func (c *Client) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	path := "/api/dashboard/audit-log"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// PauseState retrieves whether the sync loop is paused.
func (c *Client) PauseState(ctx context.Context) (*PauseState, error) {
	var resp PauseState
	if err := c.get(ctx, "/api/dashboard/sync-pause", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetPause pauses or resumes the sync loop. The pausedBy label may only
// contain letters, digits, @ . _ - and be at most 64 characters.
func (c *Client) SetPause(ctx context.Context, paused bool, pausedBy string) (*PauseState, error) {
	body := struct {
		Paused   bool   `json:"paused"`
		PausedBy string `json:"paused_by"`
	}{Paused: paused, PausedBy: pausedBy}
	var resp PauseState
	if err := c.post(ctx, "/api/dashboard/sync-pause", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerSync queues an immediate sync cycle. syncType is one of the
// Sync* constants. Returns a 429 Error when the trigger queue is full.
func (c *Client) TriggerSync(ctx context.Context, syncType string) error {
	body := struct {
		SyncType string `json:"sync_type"`
	}{SyncType: syncType}
	return c.post(ctx, "/api/dashboard/trigger-sync", body, nil)
}

// RetryAll flags every failed record so the next cycle re-attempts
// them. Returns the number of records marked.
func (c *Client) RetryAll(ctx context.Context) (int, error) {
	var resp struct {
		Marked int `json:"marked"`
	}
	if err := c.post(ctx, "/api/dashboard/retry-all", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

// RetryRecord flags one failed record for re-attempt. Returns a 404
// Error when no failed record exists for that entity.
func (c *Client) RetryRecord(ctx context.Context, entityType, entityID string) error {
	body := struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}{EntityType: entityType, EntityID: entityID}
	return c.post(ctx, "/api/dashboard/retry-record", body, nil)
}

// InvalidateCache flushes the named reference cache so the next sync
// refetches it. An empty name or "all" flushes every cache. Returns the
// names actually invalidated.
func (c *Client) InvalidateCache(ctx context.Context, cache string) ([]string, error) {
	body := struct {
		Cache string `json:"cache"`
	}{Cache: cache}
	var resp struct {
		Invalidated []string `json:"invalidated"`
	}
	if err := c.post(ctx, "/api/dashboard/cache/invalidate", body, &resp); err != nil {
		return nil, err
	}
	return resp.Invalidated, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ampsync: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ampsync: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ampsync: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.token != "" {
		req.Header.Set("X-Dashboard-Token", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ampsync: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ampsync: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("ampsync: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
