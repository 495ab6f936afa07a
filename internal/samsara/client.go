// Package samsara reads the telematics fleet. Listings use cursor
// pagination: ?after=<endCursor>&limit=100 until hasNextPage is false.
package samsara

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/metrics"
)

const pageSize = 100

// Vehicle is one fleet vehicle. Serial is the correlation key into
// the target asset store.
type Vehicle struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Serial string `json:"serial"`
	VIN    string `json:"vin"`
	Make   string `json:"make"`
	Model  string `json:"model"`
	Year   string `json:"year"`

	StaticAssignedDriver *DriverRef `json:"staticAssignedDriver,omitempty"`
}

// DriverRef is the driver assignment embedded in a vehicle.
type DriverRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Driver is one fleet driver. Notes carries the payroll employee
// number somewhere in free text.
type Driver struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

type pagination struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// Config wires the client.
type Config struct {
	BaseURL         string
	APIKey          string
	RateLimitCalls  int
	RateLimitPeriod time.Duration
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration

	HTTPClient *http.Client
	Calls      *calltrack.Tracker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client issues Samsara API calls.
type Client struct {
	http   *httpx.Client
	logger *slog.Logger
}

// New builds a Client from config.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc, err := httpx.New(httpx.Config{
		Service:         "samsara",
		BaseURL:         cfg.BaseURL,
		Headers:         map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		RateLimitCalls:  cfg.RateLimitCalls,
		RateLimitPeriod: cfg.RateLimitPeriod,
		Timeout:         cfg.Timeout,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
		HTTPClient:      cfg.HTTPClient,
		Calls:           cfg.Calls,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("samsara: %w", err)
	}
	return &Client{http: hc, logger: cfg.Logger}, nil
}

func listCursor[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	return httpx.CollectCursor(ctx, func(ctx context.Context, after string) ([]T, string, error) {
		q := url.Values{"limit": {strconv.Itoa(pageSize)}}
		if after != "" {
			q.Set("after", after)
		}
		var env struct {
			Data       []T        `json:"data"`
			Pagination pagination `json:"pagination"`
		}
		if err := c.http.Get(ctx, path, q, &env); err != nil {
			return nil, "", err
		}
		next := ""
		if env.Pagination.HasNextPage {
			next = env.Pagination.EndCursor
		}
		return env.Data, next, nil
	})
}

// ListVehicles returns every fleet vehicle.
func (c *Client) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	return listCursor[Vehicle](ctx, c, "/fleet/vehicles")
}

// ListDrivers returns all drivers keyed by id.
func (c *Client) ListDrivers(ctx context.Context) (map[string]Driver, error) {
	drivers, err := listCursor[Driver](ctx, c, "/fleet/drivers")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Driver, len(drivers))
	for _, d := range drivers {
		out[d.ID] = d
	}
	return out, nil
}

// Ping is the cheap connectivity probe used by /health.
func (c *Client) Ping(ctx context.Context) error {
	return c.http.Get(ctx, "/fleet/vehicles", url.Values{"limit": {"1"}}, nil)
}
