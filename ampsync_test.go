package ampsync_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ii-safety/ampsync"
)

// newEmbeddedApp builds an App against miniredis, a stub target API and
// a throwaway sqlite source, with all state under t.TempDir.
func newEmbeddedApp(t *testing.T, opts ...ampsync.Option) *ampsync.App {
	t.Helper()

	mini := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mini.Addr())
	require.NoError(t, err)
	t.Setenv("REDIS_HOST", host)
	t.Setenv("REDIS_PORT", port)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[]}`)
	})
	stub := httptest.NewServer(mux)
	t.Cleanup(stub.Close)
	t.Setenv("SAFETYAMP_DOMAIN", stub.URL)
	t.Setenv("SAFETYAMP_TOKEN", "tok")
	t.Setenv("SAFETYAMP_FQDN", "test.example.com")
	t.Setenv("DASHBOARD_API_TOKEN", "")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	opts = append([]ampsync.Option{
		ampsync.WithLogger(logger),
		ampsync.WithVersion("embed-test"),
		ampsync.WithSQLDriver("sqlite"),
		ampsync.WithVistaDSN(filepath.Join(t.TempDir(), "vista.db")),
		ampsync.WithOutputDir(t.TempDir()),
		ampsync.WithCacheDir(filepath.Join(t.TempDir(), "cache")),
	}, opts...)

	app, err := ampsync.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func TestNewWiresEmbeddedApp(t *testing.T) {
	app := newEmbeddedApp(t)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "embed-test", health.Version)

	spec, err := http.Get(ts.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer spec.Body.Close()
	assert.Equal(t, http.StatusOK, spec.StatusCode)
	assert.Equal(t, "application/yaml", spec.Header.Get("Content-Type"))
}

func TestExtraRoutesShareAuthChain(t *testing.T) {
	app := newEmbeddedApp(t,
		ampsync.WithDashboardToken("embed-secret"),
		ampsync.WithExtraRoutes(func(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
			mux.Handle("GET /api/dashboard/plugin-ping", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})))
		}),
	)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/dashboard/plugin-ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/dashboard/plugin-ping", nil)
	require.NoError(t, err)
	req.Header.Set("X-Dashboard-Token", "embed-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMiddlewareWrapsOutermost(t *testing.T) {
	app := newEmbeddedApp(t,
		ampsync.WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Embedded", "1")
				next.ServeHTTP(w, r)
			})
		}),
	)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Embedded"))
}
