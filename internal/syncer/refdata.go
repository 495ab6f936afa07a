package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ii-safety/ampsync/internal/cache"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/msgraph"
	"github.com/ii-safety/ampsync/internal/samsara"
)

// Cache entry names for the reference maps. Dashboard endpoints and
// invalidation requests address caches by these names.
const (
	CacheUsers      = "users"
	CacheSites      = "sites"
	CacheClusters   = "site_clusters"
	CacheRoles      = "roles"
	CacheTitles     = "titles"
	CacheAssets     = "assets"
	CacheAssetTypes = "asset_types"
	CacheDrivers    = "drivers"
	CacheDirectory  = "directory_users"
)

// cachedRef pulls one reference map through the cache store, fetching
// from the upstream API only on miss. The loader serializes whatever
// the fetch returns; the hit path decodes it back.
func cachedRef[T any](ctx context.Context, store *cache.Store, name, source string, fetch func(context.Context) (T, int, error)) (T, error) {
	var out T
	blob, err := store.LoadOrPopulate(ctx, name, "", func(ctx context.Context) ([]byte, int, error) {
		v, n, err := fetch(ctx)
		if err != nil {
			return nil, 0, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, 0, fmt.Errorf("syncer: encode %s: %w", name, err)
		}
		return data, n, nil
	}, cache.LoadOptions{Source: source})
	if err != nil {
		return out, fmt.Errorf("syncer: load %s: %w", name, err)
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		return out, fmt.Errorf("syncer: decode cached %s: %w", name, err)
	}
	return out, nil
}

func (d *Deps) cachedUsers(ctx context.Context) (map[string]model.User, error) {
	return cachedRef(ctx, d.Cache, CacheUsers, "safetyamp", func(ctx context.Context) (map[string]model.User, int, error) {
		m, err := d.SafetyAmp.ListUsers(ctx)
		return m, len(m), err
	})
}

func (d *Deps) cachedSites(ctx context.Context) (map[int]model.Site, error) {
	return cachedRef(ctx, d.Cache, CacheSites, "safetyamp", func(ctx context.Context) (map[int]model.Site, int, error) {
		m, err := d.SafetyAmp.ListSites(ctx)
		return m, len(m), err
	})
}

func (d *Deps) cachedClusters(ctx context.Context) (map[int]model.Cluster, error) {
	return cachedRef(ctx, d.Cache, CacheClusters, "safetyamp", func(ctx context.Context) (map[int]model.Cluster, int, error) {
		m, err := d.SafetyAmp.ListClusters(ctx)
		return m, len(m), err
	})
}

func (d *Deps) cachedRoles(ctx context.Context) (map[string]int, error) {
	return cachedRef(ctx, d.Cache, CacheRoles, "safetyamp", func(ctx context.Context) (map[string]int, int, error) {
		m, err := d.SafetyAmp.ListRoles(ctx)
		return m, len(m), err
	})
}

func (d *Deps) cachedTitles(ctx context.Context) (map[string]model.Title, error) {
	return cachedRef(ctx, d.Cache, CacheTitles, "safetyamp", func(ctx context.Context) (map[string]model.Title, int, error) {
		m, err := d.SafetyAmp.ListTitles(ctx)
		return m, len(m), err
	})
}

func (d *Deps) cachedAssets(ctx context.Context) (map[string]model.Asset, error) {
	return cachedRef(ctx, d.Cache, CacheAssets, "safetyamp", func(ctx context.Context) (map[string]model.Asset, int, error) {
		m, err := d.SafetyAmp.ListAssets(ctx)
		return m, len(m), err
	})
}

func (d *Deps) cachedDrivers(ctx context.Context) (map[string]samsara.Driver, error) {
	return cachedRef(ctx, d.Cache, CacheDrivers, "samsara", func(ctx context.Context) (map[string]samsara.Driver, int, error) {
		m, err := d.Samsara.ListDrivers(ctx)
		return m, len(m), err
	})
}

// cachedDirectoryUsers is empty without error when no identity
// provider is configured; the employee syncer then skips the email
// override.
func (d *Deps) cachedDirectoryUsers(ctx context.Context) (map[string]msgraph.DirectoryUser, error) {
	if d.Graph == nil {
		return map[string]msgraph.DirectoryUser{}, nil
	}
	return cachedRef(ctx, d.Cache, CacheDirectory, "msgraph", func(ctx context.Context) (map[string]msgraph.DirectoryUser, int, error) {
		m, err := d.Graph.ActiveUsers(ctx)
		return m, len(m), err
	})
}

// invalidate drops cache entries after a run that wrote to the target,
// so the next run sees its own writes instead of the stale map.
func (d *Deps) invalidate(ctx context.Context, names ...string) {
	for _, name := range names {
		if err := d.Cache.Invalidate(ctx, name, ""); err != nil {
			d.Logger.Warn("cache invalidation failed", "cache", name, "error", err)
		}
	}
}
