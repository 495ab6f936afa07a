// Package safetyamp is the client for the SafetyAmp REST API, the
// target side of every sync. Listings walk ?page=N&limit=25 until an
// empty page and responses use a {data: ...} envelope.
package safetyamp

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
	"github.com/ii-safety/ampsync/internal/model"
)

const pageSize = 25

const (
	pathUsers      = "/api/users"
	pathSites      = "/api/user_sites"
	pathClusters   = "/api/user_site_clusters"
	pathTitles     = "/api/user_titles"
	pathRoles      = "/api/roles"
	pathAssets     = "/api/assets"
	pathAssetTypes = "/api/asset_types"
)

// Config wires the client.
type Config struct {
	BaseURL string
	Token   string
	// FQDN is SafetyAmp's tenant header.
	FQDN            string
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

// Client issues SafetyAmp API calls.
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
		Service: "safetyamp",
		BaseURL: cfg.BaseURL,
		Headers: map[string]string{
			"Authorization": "Bearer " + cfg.Token,
			"X-Fqdn":        cfg.FQDN,
		},
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
		return nil, fmt.Errorf("safetyamp: %w", err)
	}
	return &Client{http: hc, logger: cfg.Logger}, nil
}

// listAll walks every page of path. The envelope's data array is
// decoded as T.
func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	return httpx.CollectPages(ctx, func(ctx context.Context, page int) ([]T, error) {
		q := url.Values{
			"page":  {strconv.Itoa(page)},
			"limit": {strconv.Itoa(pageSize)},
		}
		var env struct {
			Data []T `json:"data"`
		}
		if err := c.http.Get(ctx, path, q, &env); err != nil {
			return nil, err
		}
		return env.Data, nil
	})
}

// ListUsers returns all users keyed by emp_id. Users without an
// emp_id cannot be correlated to the source and are dropped; a key
// seen twice keeps the later occurrence.
func (c *Client) ListUsers(ctx context.Context) (map[string]model.User, error) {
	users, err := listAll[model.User](ctx, c, pathUsers)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.User, len(users))
	for _, u := range users {
		if u.EmpID == "" {
			continue
		}
		out[u.EmpID] = u
	}
	return out, nil
}

// ListRoles returns role name to id.
func (c *Client) ListRoles(ctx context.Context) (map[string]int, error) {
	roles, err := listAll[model.Role](ctx, c, pathRoles)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(roles))
	for _, r := range roles {
		out[r.Name] = r.ID
	}
	return out, nil
}

// ListTitles returns titles keyed by name.
func (c *Client) ListTitles(ctx context.Context) (map[string]model.Title, error) {
	titles, err := listAll[model.Title](ctx, c, pathTitles)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Title, len(titles))
	for _, t := range titles {
		out[t.Name] = t
	}
	return out, nil
}

// ListSites returns all sites keyed by id.
func (c *Client) ListSites(ctx context.Context) (map[int]model.Site, error) {
	sites, err := listAll[model.Site](ctx, c, pathSites)
	if err != nil {
		return nil, err
	}
	out := make(map[int]model.Site, len(sites))
	for _, s := range sites {
		out[s.ID] = s
	}
	return out, nil
}

// ListClusters returns the cluster hierarchy flattened depth-first
// and keyed by id. Children slices are discarded after traversal;
// each node keeps its parent id so depth can be recomputed.
func (c *Client) ListClusters(ctx context.Context) (map[int]model.Cluster, error) {
	roots, err := listAll[model.Cluster](ctx, c, pathClusters)
	if err != nil {
		return nil, err
	}
	return flattenClusters(roots), nil
}

func flattenClusters(roots []model.Cluster) map[int]model.Cluster {
	out := make(map[int]model.Cluster)
	stack := make([]model.Cluster, len(roots))
	copy(stack, roots)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children := node.Children
		node.Children = nil
		out[node.ID] = node

		parentID := node.ID
		for _, child := range children {
			child.ParentClusterID = &parentID
			stack = append(stack, child)
		}
	}
	return out
}

// ListAssets returns assets keyed by serial. Assets without a serial
// have no correlation key and are dropped.
func (c *Client) ListAssets(ctx context.Context) (map[string]model.Asset, error) {
	assets, err := listAll[model.Asset](ctx, c, pathAssets)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Asset, len(assets))
	for _, a := range assets {
		if a.Serial == "" {
			continue
		}
		out[a.Serial] = a
	}
	return out, nil
}

// ListAssetTypes returns asset types keyed by id.
func (c *Client) ListAssetTypes(ctx context.Context) (map[int]model.AssetType, error) {
	types, err := listAll[model.AssetType](ctx, c, pathAssetTypes)
	if err != nil {
		return nil, err
	}
	out := make(map[int]model.AssetType, len(types))
	for _, t := range types {
		out[t.ID] = t
	}
	return out, nil
}

// CreateUser creates a user and returns the stored record.
func (c *Client) CreateUser(ctx context.Context, p model.UserPayload) (*model.User, error) {
	var env struct {
		Data model.User `json:"data"`
	}
	if err := c.http.Post(ctx, pathUsers, p, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// UpdateUser applies a partial update. fields must include the core
// identity fields; callers build them via the diff rules.
func (c *Client) UpdateUser(ctx context.Context, id int, fields map[string]any) (*model.User, error) {
	var env struct {
		Data model.User `json:"data"`
	}
	if err := c.http.Patch(ctx, pathUsers+"/"+strconv.Itoa(id), fields, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// CreateSite creates a site.
func (c *Client) CreateSite(ctx context.Context, p model.SitePayload) (*model.Site, error) {
	var env struct {
		Data model.Site `json:"data"`
	}
	if err := c.http.Post(ctx, pathSites, p, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// UpdateSite applies a partial site update.
func (c *Client) UpdateSite(ctx context.Context, id int, fields map[string]any) (*model.Site, error) {
	var env struct {
		Data model.Site `json:"data"`
	}
	if err := c.http.Patch(ctx, pathSites+"/"+strconv.Itoa(id), fields, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// CreateCluster creates a site cluster.
func (c *Client) CreateCluster(ctx context.Context, p model.ClusterPayload) (*model.Cluster, error) {
	var env struct {
		Data model.Cluster `json:"data"`
	}
	if err := c.http.Post(ctx, pathClusters, p, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// UpdateCluster applies a partial cluster update.
func (c *Client) UpdateCluster(ctx context.Context, id int, fields map[string]any) (*model.Cluster, error) {
	var env struct {
		Data model.Cluster `json:"data"`
	}
	if err := c.http.Patch(ctx, pathClusters+"/"+strconv.Itoa(id), fields, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// CreateTitle creates a title by name.
func (c *Client) CreateTitle(ctx context.Context, name string) (*model.Title, error) {
	var env struct {
		Data model.Title `json:"data"`
	}
	if err := c.http.Post(ctx, pathTitles, map[string]any{"name": name}, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// CreateAsset creates an asset. The payload must not carry
// current_user_id; assignment happens on a later update.
func (c *Client) CreateAsset(ctx context.Context, p model.AssetPayload) (*model.Asset, error) {
	var env struct {
		Data model.Asset `json:"data"`
	}
	if err := c.http.Post(ctx, pathAssets, p, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// UpdateAsset applies a partial asset update.
func (c *Client) UpdateAsset(ctx context.Context, id int, fields map[string]any) (*model.Asset, error) {
	var env struct {
		Data model.Asset `json:"data"`
	}
	if err := c.http.Patch(ctx, pathAssets+"/"+strconv.Itoa(id), fields, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// Ping is the cheap connectivity probe used by /health.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"page": {"1"}, "limit": {"1"}}
	return c.http.Get(ctx, pathUsers, q, nil)
}
