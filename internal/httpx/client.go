// Package httpx is the shared REST core behind the outbound service
// clients. Every request takes the same path: rate-limit token, per
// call timeout, 429 backoff, typed status errors, and a call record
// for the dashboard ring.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/ctxutil"
	"github.com/ii-safety/ampsync/internal/metrics"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 6
	maxBodyBytes      = 4 << 20
	summaryLen        = 200
)

// Config wires one service client.
type Config struct {
	// Service names the upstream in logs, metrics and call records.
	Service string
	BaseURL string
	// Headers are set on every request (bearer token, FQDN header).
	Headers map[string]string
	// RateLimitCalls per RateLimitPeriod feed the token bucket.
	// Zero disables limiting.
	RateLimitCalls  int
	RateLimitPeriod time.Duration
	// Timeout applies per attempt, not across retries.
	Timeout time.Duration
	// MaxRetries caps transparent 429 retries.
	MaxRetries int
	// RetryDelay is the first 429 backoff; it doubles per attempt up
	// to maxBackoff. Zero means one second.
	RetryDelay time.Duration
	// Prepare runs after static headers, for per-request auth.
	Prepare func(ctx context.Context, req *http.Request) error

	HTTPClient *http.Client
	Calls      *calltrack.Tracker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Client issues JSON requests against one external service.
type Client struct {
	service    string
	base       *url.URL
	headers    map[string]string
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	prepare    func(ctx context.Context, req *http.Request) error

	http    *http.Client
	calls   *calltrack.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	backoff func(attempt int) time.Duration
}

// New validates the config and builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("httpx: service name is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpx: %s: invalid base url %q", cfg.Service, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("ampsync/httpx")
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimitCalls > 0 && cfg.RateLimitPeriod > 0 {
		limit = rate.Limit(float64(cfg.RateLimitCalls) / cfg.RateLimitPeriod.Seconds())
		burst = cfg.RateLimitCalls
	}

	return &Client{
		service:    cfg.Service,
		base:       base,
		headers:    cfg.Headers,
		limiter:    rate.NewLimiter(limit, burst),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		prepare:    cfg.Prepare,
		http:       cfg.HTTPClient,
		calls:      cfg.Calls,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		backoff:    backoffFrom(cfg.RetryDelay),
	}, nil
}

// Get issues a GET and decodes the JSON response into out when out is
// non-nil.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := c.resolve(path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("httpx: %s: encode %s %s: %w", c.service, method, path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("httpx: %s: rate limiter: %w", c.service, err)
		}

		status, raw, err := c.roundTrip(ctx, method, u, payload)
		if err != nil {
			return err
		}

		if status == http.StatusTooManyRequests {
			if attempt >= c.maxRetries {
				return &APIError{Service: c.service, Method: method, Path: u.Path, StatusCode: status, Body: raw}
			}
			delay := c.backoff(attempt)
			c.logger.Warn("upstream rate limit, backing off",
				"service", c.service, "path", u.Path, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("httpx: %s: backoff interrupted: %w", c.service, ctx.Err())
			case <-time.After(delay):
			}
			continue
		}

		if status < 200 || status > 299 {
			return &APIError{Service: c.service, Method: method, Path: u.Path, StatusCode: status, Body: raw}
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("httpx: %s: decode %s %s: %w", c.service, method, u.Path, err)
			}
		}
		return nil
	}
}

// resolve turns path into a request URL. Absolute URLs pass through
// unchanged for services whose pagination hands back full links.
func (c *Client) resolve(path string) (*url.URL, error) {
	if strings.Contains(path, "://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("httpx: %s: invalid url %q", c.service, path)
		}
		return u, nil
	}
	return c.base.JoinPath(path), nil
}

// roundTrip performs one attempt and accounts for it regardless of
// outcome.
func (c *Client) roundTrip(ctx context.Context, method string, u *url.URL, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, c.service+" "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", c.service),
			attribute.String("http.request.method", method),
			attribute.String("url.path", u.Path),
		))
	defer span.End()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("httpx: %s: build request: %w", c.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.prepare != nil {
		if err := c.prepare(ctx, req); err != nil {
			return 0, nil, fmt.Errorf("httpx: %s: prepare request: %w", c.service, err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.observe(method, "error", elapsed)
		c.record(ctx, method, u, 0, elapsed, err.Error(), payload, nil)
		return 0, nil, fmt.Errorf("httpx: %s: %s %s: %w", c.service, method, u.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failure")
		c.observe(method, "error", elapsed)
		c.record(ctx, method, u, resp.StatusCode, elapsed, err.Error(), payload, nil)
		return 0, nil, fmt.Errorf("httpx: %s: read %s %s: %w", c.service, method, u.Path, err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	c.observe(method, strconv.Itoa(resp.StatusCode), elapsed)

	errMsg := ""
	if resp.StatusCode >= 400 {
		errMsg = summarize(raw)
	}
	c.record(ctx, method, u, resp.StatusCode, elapsed, errMsg, payload, raw)
	return resp.StatusCode, raw, nil
}

func (c *Client) observe(method, status string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveAPICall(c.service, method, status, d)
	}
}

// record runs on a detached context so call accounting survives the
// attempt's deadline.
func (c *Client) record(ctx context.Context, method string, u *url.URL, status int, d time.Duration, errMsg string, reqBody, respBody []byte) {
	if c.calls == nil {
		return
	}
	c.calls.Record(context.WithoutCancel(ctx), calltrack.Record{
		Service:         c.service,
		Method:          method,
		Endpoint:        u.Path,
		StatusCode:      status,
		DurationMS:      d.Seconds() * 1000,
		Error:           errMsg,
		CorrelationID:   ctxutil.CorrelationID(ctx),
		RequestSummary:  summarize(reqBody),
		ResponseSummary: summarize(respBody),
	})
}

const maxBackoff = 60 * time.Second

func backoffFrom(base time.Duration) func(attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	return func(attempt int) time.Duration {
		if attempt >= 6 {
			return maxBackoff
		}
		d := base << attempt
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
}

var defaultBackoff = backoffFrom(0)

func summarize(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := string(b)
	if len(s) > summaryLen {
		s = s[:summaryLen]
	}
	return s
}
