package syncer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ii-safety/ampsync/internal/cache"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/metrics"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/msgraph"
	"github.com/ii-safety/ampsync/internal/safetyamp"
	"github.com/ii-safety/ampsync/internal/samsara"
	"github.com/ii-safety/ampsync/internal/vista"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// patchCall is one recorded PATCH against the stub.
type patchCall struct {
	ID   int
	Body map[string]any
}

// ampStub is an in-memory SafetyAmp double. Reads serve the current
// state on page 1; writes mutate it and are recorded for assertions.
type ampStub struct {
	mu sync.Mutex

	users    []model.User
	sites    []model.Site
	clusters []model.Cluster
	titles   []model.Title
	assets   []model.Asset

	userCreates    []map[string]any
	userPatches    []patchCall
	siteCreates    []map[string]any
	sitePatches    []patchCall
	clusterCreates []map[string]any
	clusterPatches []patchCall
	titleCreates   []map[string]any
	assetCreates   []map[string]any
	assetPatches   []patchCall

	calls  []string
	nextID int

	// Hooks short-circuit a create with (status, body) when status != 0.
	userCreateHook    func(body map[string]any) (int, string)
	clusterCreateHook func(body map[string]any) (int, string)
	assetCreateHook   func(body map[string]any) (int, string)
}

func newAmpStub() *ampStub {
	return &ampStub{nextID: 1000}
}

func (a *ampStub) id() int {
	a.nextID++
	return a.nextID
}

func (a *ampStub) track(r *http.Request) {
	a.mu.Lock()
	a.calls = append(a.calls, r.Method+" "+r.URL.Path)
	a.mu.Unlock()
}

func (a *ampStub) count(method, path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == method+" "+path {
			n++
		}
	}
	return n
}

func (a *ampStub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/users", a.list(func() any { return a.users }))
	mux.HandleFunc("GET /api/user_sites", a.list(func() any { return a.sites }))
	mux.HandleFunc("GET /api/user_site_clusters", a.list(func() any { return a.clusters }))
	mux.HandleFunc("GET /api/user_titles", a.list(func() any { return a.titles }))
	mux.HandleFunc("GET /api/roles", a.list(func() any { return []model.Role{{ID: 1, Name: "Employee"}} }))
	mux.HandleFunc("GET /api/assets", a.list(func() any { return a.assets }))
	mux.HandleFunc("GET /api/asset_types", a.list(func() any { return []model.AssetType{} }))

	mux.HandleFunc("POST /api/users", a.createUser)
	mux.HandleFunc("PATCH /api/users/{id}", a.patchUser)
	mux.HandleFunc("POST /api/user_sites", a.createSite)
	mux.HandleFunc("PATCH /api/user_sites/{id}", a.patchSite)
	mux.HandleFunc("POST /api/user_site_clusters", a.createCluster)
	mux.HandleFunc("PATCH /api/user_site_clusters/{id}", a.patchCluster)
	mux.HandleFunc("POST /api/user_titles", a.createTitle)
	mux.HandleFunc("POST /api/assets", a.createAsset)
	mux.HandleFunc("PATCH /api/assets/{id}", a.patchAsset)

	return mux
}

func (a *ampStub) list(items func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.track(r)
		a.mu.Lock()
		defer a.mu.Unlock()
		if page := r.URL.Query().Get("page"); page != "" && page != "1" {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": items()})
	}
}

func (a *ampStub) createUser(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userCreates = append(a.userCreates, body)
	if a.userCreateHook != nil {
		if status, resp := a.userCreateHook(body); status != 0 {
			writeRaw(w, status, resp)
			return
		}
	}
	var p model.UserPayload
	remarshal(body, &p)
	u := model.User{
		ID:          a.id(),
		EmpID:       p.EmpID,
		FirstName:   p.FirstName,
		MiddleName:  p.MiddleName,
		LastName:    p.LastName,
		Email:       p.Email,
		Gender:      p.Gender,
		DateOfBirth: p.DateOfBirth,
		MobilePhone: p.MobilePhone,
		WorkPhone:   p.WorkPhone,
		HomeSiteID:  p.HomeSiteID,
		TitleID:     p.TitleID,
	}
	if p.SystemAccess != nil {
		u.SystemAccess = *p.SystemAccess
	}
	a.users = append(a.users, u)
	writeJSON(w, http.StatusCreated, map[string]any{"data": u})
}

func (a *ampStub) patchUser(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	id, _ := strconv.Atoi(r.PathValue("id"))
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userPatches = append(a.userPatches, patchCall{ID: id, Body: body})
	for i := range a.users {
		if a.users[i].ID == id {
			mergeJSON(&a.users[i], body)
			writeJSON(w, http.StatusOK, map[string]any{"data": a.users[i]})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
}

func (a *ampStub) createSite(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.siteCreates = append(a.siteCreates, body)
	var p model.SitePayload
	remarshal(body, &p)
	site := model.Site{
		ID:        a.id(),
		ClusterID: p.ClusterID,
		Name:      p.Name,
		ExtID:     p.ExtID,
		ZipCode:   p.ZipCode,
	}
	a.sites = append(a.sites, site)
	writeJSON(w, http.StatusCreated, map[string]any{"data": site})
}

func (a *ampStub) patchSite(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	id, _ := strconv.Atoi(r.PathValue("id"))
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sitePatches = append(a.sitePatches, patchCall{ID: id, Body: body})
	for i := range a.sites {
		if a.sites[i].ID == id {
			mergeJSON(&a.sites[i], body)
			writeJSON(w, http.StatusOK, map[string]any{"data": a.sites[i]})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "site not found"})
}

func (a *ampStub) createCluster(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clusterCreates = append(a.clusterCreates, body)
	if a.clusterCreateHook != nil {
		if status, resp := a.clusterCreateHook(body); status != 0 {
			writeRaw(w, status, resp)
			return
		}
	}
	var p model.ClusterPayload
	remarshal(body, &p)
	c := model.Cluster{
		ID:              a.id(),
		Name:            p.Name,
		ParentClusterID: p.ParentClusterID,
		ExternalCode:    p.ExternalCode,
	}
	a.clusters = append(a.clusters, c)
	writeJSON(w, http.StatusCreated, map[string]any{"data": c})
}

func (a *ampStub) patchCluster(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	id, _ := strconv.Atoi(r.PathValue("id"))
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clusterPatches = append(a.clusterPatches, patchCall{ID: id, Body: body})
	for i := range a.clusters {
		if a.clusters[i].ID == id {
			mergeJSON(&a.clusters[i], body)
			writeJSON(w, http.StatusOK, map[string]any{"data": a.clusters[i]})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "cluster not found"})
}

func (a *ampStub) createTitle(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titleCreates = append(a.titleCreates, body)
	title := model.Title{ID: a.id(), Name: body["name"].(string)}
	a.titles = append(a.titles, title)
	writeJSON(w, http.StatusCreated, map[string]any{"data": title})
}

func (a *ampStub) createAsset(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assetCreates = append(a.assetCreates, body)
	if a.assetCreateHook != nil {
		if status, resp := a.assetCreateHook(body); status != 0 {
			writeRaw(w, status, resp)
			return
		}
	}
	var p model.AssetPayload
	remarshal(body, &p)
	asset := model.Asset{
		ID:            a.id(),
		Name:          p.Name,
		Code:          p.Code,
		Serial:        p.Serial,
		VIN:           p.VIN,
		Description:   p.Description,
		SiteID:        p.SiteID,
		AssetTypeID:   p.AssetTypeID,
		CurrentUserID: p.CurrentUserID,
	}
	a.assets = append(a.assets, asset)
	writeJSON(w, http.StatusCreated, map[string]any{"data": asset})
}

func (a *ampStub) patchAsset(w http.ResponseWriter, r *http.Request) {
	a.track(r)
	id, _ := strconv.Atoi(r.PathValue("id"))
	body := decodeBody(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assetPatches = append(a.assetPatches, patchCall{ID: id, Body: body})
	for i := range a.assets {
		if a.assets[i].ID == id {
			mergeJSON(&a.assets[i], body)
			writeJSON(w, http.StatusOK, map[string]any{"data": a.assets[i]})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "asset not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func decodeBody(r *http.Request) map[string]any {
	var m map[string]any
	_ = json.NewDecoder(r.Body).Decode(&m)
	return m
}

// remarshal and mergeJSON move values through their JSON form, the
// same way the real API round-trips them.
func remarshal(m map[string]any, out any) {
	raw, _ := json.Marshal(m)
	_ = json.Unmarshal(raw, out)
}

func mergeJSON[T any](item *T, fields map[string]any) {
	raw, _ := json.Marshal(item)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	for k, v := range fields {
		m[k] = v
	}
	raw, _ = json.Marshal(m)
	_ = json.Unmarshal(raw, item)
}

const vistaTestSchema = `
CREATE TABLE bPREH (
	Employee   INTEGER,
	FirstName  TEXT,
	MidName    TEXT,
	LastName   TEXT,
	Email      TEXT,
	Phone      TEXT,
	PRDept     TEXT,
	Job        TEXT,
	udEmpTitle TEXT,
	Sex        TEXT,
	HireDate   TIMESTAMP,
	BirthDate  TIMESTAMP,
	ActiveYN   TEXT
);
CREATE TABLE bPRDT (
	PRDept      TEXT,
	Description TEXT,
	udRegion    TEXT
);
CREATE TABLE bJCJM (
	Job         TEXT,
	Description TEXT,
	udDeptCode  TEXT,
	JobStatus   INTEGER
);`

// harness wires one full syncer dependency set against in-process
// doubles: a SafetyAmp stub, miniredis, a temp cache dir and a
// sqlite-backed source database.
type harness struct {
	t      *testing.T
	stub   *ampStub
	deps   *Deps
	reader *vista.Reader
	db     *sqlx.DB
	rec    *events.Recorder
	fails  *failtrack.Tracker
	m      *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := metrics.New()
	store, err := cache.New(cache.Config{
		Redis:           rdb,
		Dir:             t.TempDir(),
		DefaultTTL:      time.Hour,
		RefreshInterval: time.Hour,
		Logger:          testLogger(),
		Metrics:         m,
	})
	require.NoError(t, err)

	rec, err := events.New(events.Config{OutputDir: t.TempDir(), Metrics: m, Logger: testLogger()})
	require.NoError(t, err)

	fails := failtrack.New(failtrack.Config{Redis: rdb, TTL: time.Hour, Enabled: true, Logger: testLogger()})

	stub := newAmpStub()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	sa, err := safetyamp.New(safetyamp.Config{
		BaseURL: srv.URL,
		Token:   "test-token",
		FQDN:    "test.example.com",
		Logger:  testLogger(),
		Metrics: m,
	})
	require.NoError(t, err)

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "vista.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(vistaTestSchema)
	require.NoError(t, err)
	reader := vista.NewReader(vista.Config{DB: db, RefreshInterval: time.Minute, Logger: testLogger()})

	deps := &Deps{
		Vista:     reader,
		SafetyAmp: sa,
		Cache:     store,
		Failures:  fails,
		Events:    rec,
		Metrics:   m,
		Logger:    testLogger(),
	}
	return &harness{t: t, stub: stub, deps: deps, reader: reader, db: db, rec: rec, fails: fails, m: m}
}

func (h *harness) seedEmployee(id int, first, last, email, phone, dept, job, title, sex string) {
	h.t.Helper()
	hired := time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)
	_, err := h.db.Exec(`INSERT INTO bPREH
		(Employee, FirstName, MidName, LastName, Email, Phone, PRDept, Job, udEmpTitle, Sex, HireDate, BirthDate, ActiveYN)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, NULL, 'Y')`,
		id, first, last, email, phone, dept, job, title, sex, hired)
	require.NoError(h.t, err)
	h.reader.Invalidate()
}

func (h *harness) seedDepartment(code, desc, region string) {
	h.t.Helper()
	_, err := h.db.Exec(`INSERT INTO bPRDT (PRDept, Description, udRegion) VALUES (?, ?, ?)`, code, desc, region)
	require.NoError(h.t, err)
	h.reader.Invalidate()
}

func (h *harness) seedJob(code, desc, dept string) {
	h.t.Helper()
	_, err := h.db.Exec(`INSERT INTO bJCJM (Job, Description, udDeptCode, JobStatus) VALUES (?, ?, ?, 1)`, code, desc, dept)
	require.NoError(h.t, err)
	h.reader.Invalidate()
}

func (h *harness) setEmployeeEmail(id int, email string) {
	h.t.Helper()
	_, err := h.db.Exec(`UPDATE bPREH SET Email = ? WHERE Employee = ?`, email, id)
	require.NoError(h.t, err)
	h.reader.Invalidate()
}

func (h *harness) withSamsara(vehicles []samsara.Vehicle, drivers []samsara.Driver) {
	h.t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fleet/vehicles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data":       vehicles,
			"pagination": map[string]any{"endCursor": "", "hasNextPage": false},
		})
	})
	mux.HandleFunc("GET /fleet/drivers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data":       drivers,
			"pagination": map[string]any{"endCursor": "", "hasNextPage": false},
		})
	})
	srv := httptest.NewServer(mux)
	h.t.Cleanup(srv.Close)
	client, err := samsara.New(samsara.Config{BaseURL: srv.URL, APIKey: "test-key", Logger: testLogger(), Metrics: h.m})
	require.NoError(h.t, err)
	h.deps.Samsara = client
}

func (h *harness) withGraph(users []msgraph.DirectoryUser) {
	h.t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "graph-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /v1.0/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": users})
	})
	srv := httptest.NewServer(mux)
	h.t.Cleanup(srv.Close)
	client, err := msgraph.New(msgraph.Config{
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		BaseURL:      srv.URL + "/v1.0",
		TokenURL:     srv.URL + "/token",
		Logger:       testLogger(),
		Metrics:      h.m,
	})
	require.NoError(h.t, err)
	h.deps.Graph = client
}
