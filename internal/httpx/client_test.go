package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/ctxutil"
)

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Service: "safetyamp",
		BaseURL: baseURL,
		Headers: map[string]string{"Authorization": "Bearer test-token", "X-Fqdn": "example.safetyamp.com"},
		Timeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg)
	require.NoError(t, err)
	client.backoff = func(int) time.Duration { return 0 }
	return client
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{BaseURL: "https://example.com"})
	assert.Error(t, err)

	_, err = New(Config{Service: "safetyamp", BaseURL: "not-a-url"})
	assert.Error(t, err)
}

func TestGetSendsHeadersAndDecodes(t *testing.T) {
	var gotAuth, gotFqdn, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotFqdn = r.Header.Get("X-Fqdn")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data": [{"id": 1, "email": "a@example.com"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	var out struct {
		Data []struct {
			ID    int    `json:"id"`
			Email string `json:"email"`
		} `json:"data"`
	}
	err := client.Get(context.Background(), "/api/users", nil, &out)
	require.NoError(t, err)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "a@example.com", out.Data[0].Email)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "example.safetyamp.com", gotFqdn)
	assert.Equal(t, "application/json", gotAccept)
}

func TestPostSendsJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id": 42}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	var out struct {
		ID int `json:"id"`
	}
	err := client.Post(context.Background(), "/api/users", map[string]any{"emp_id": "12345"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.ID)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "12345", gotBody["emp_id"])
}

func TestNon2xxSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"message": "Validation failed", "errors": {"email": ["has already been taken"]}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	err := client.Post(context.Background(), "/api/users", map[string]any{}, nil)
	require.Error(t, err)

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 422, ae.StatusCode)
	assert.Equal(t, "safetyamp", ae.Service)
	assert.Contains(t, string(ae.Body), "has already been taken")
	assert.True(t, IsStatus(err, 422))
	assert.Equal(t, 422, StatusCode(err))
	assert.Contains(t, string(ErrorBody(err)), "Validation failed")
	assert.False(t, IsNetworkError(err))
}

func TestRetriesOn429UntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"ok": true}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	err := client.Get(context.Background(), "/api/users", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryCapSurfaces429(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 2 })

	err := client.Get(context.Background(), "/api/users", nil, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusTooManyRequests))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, 1*time.Second, defaultBackoff(0))
	assert.Equal(t, 2*time.Second, defaultBackoff(1))
	assert.Equal(t, 32*time.Second, defaultBackoff(5))
	assert.Equal(t, 60*time.Second, defaultBackoff(6))
	assert.Equal(t, 60*time.Second, defaultBackoff(20))

	slow := backoffFrom(5 * time.Second)
	assert.Equal(t, 5*time.Second, slow(0))
	assert.Equal(t, 10*time.Second, slow(1))
	assert.Equal(t, 60*time.Second, slow(4))
}

func TestRateLimiterBoundsThroughput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RateLimitCalls = 1
		cfg.RateLimitPeriod = 100 * time.Millisecond
	})

	start := time.Now()
	for range 3 {
		require.NoError(t, client.Get(context.Background(), "/api/users", nil, nil))
	}
	// One token up front, then one per 100ms: three calls need >=200ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestTimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 20 * time.Millisecond })

	err := client.Get(context.Background(), "/api/users", nil, nil)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Zero(t, StatusCode(err))
}

func TestCanceledContextIsNotNetworkError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, IsNetworkError(ctx.Err()))
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(errors.New("plain error")))
}

func TestEveryAttemptIsRecorded(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	calls := calltrack.New(rdb, 100, nil)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"data": []}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Calls = calls })

	ctx := ctxutil.WithCorrelationID(context.Background(), "sync_1717245000")
	require.NoError(t, client.Get(ctx, "/api/users", nil, nil))

	recent := calls.Recent(context.Background(), 10, calltrack.Filter{})
	require.Len(t, recent, 2)
	assert.Equal(t, 200, recent[0].StatusCode)
	assert.Equal(t, 429, recent[1].StatusCode)
	for _, rec := range recent {
		assert.Equal(t, "safetyamp", rec.Service)
		assert.Equal(t, "/api/users", rec.Endpoint)
		assert.Equal(t, "sync_1717245000", rec.CorrelationID)
	}
}

func TestQueryParamsEncoded(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	q := url.Values{"page": {"2"}, "limit": {"25"}}
	require.NoError(t, client.Get(context.Background(), "/api/users", q, nil))
	assert.Equal(t, "limit=25&page=2", gotQuery)
}
