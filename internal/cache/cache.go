// Package cache is the two-tier reference-data store: Redis primary,
// on-disk JSON fallback. Every entry carries a metadata twin under
// <key>:metadata; data found without its twin is treated as expired.
// Population is stampede-protected by a distributed lock plus
// in-process singleflight.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ii-safety/ampsync/internal/metrics"
)

const keyNamespace = "safetyamp"

// Key builds the namespaced cache key for a name and optional sub key.
func Key(name, sub string) string {
	if sub == "" {
		return keyNamespace + ":" + name
	}
	return keyNamespace + ":" + name + ":" + sub
}

// Metadata is the twin record stored beside each cache entry. Logical
// validity (IsValid, ShouldRefresh) is judged from here, separately from
// the Redis TTL.
type Metadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	LastRefresh time.Time `json:"last_refresh"`
	ItemCount   int       `json:"item_count"`
	TTLSeconds  int       `json:"ttl_seconds"`
	Source      string    `json:"source"`
}

// Entry is one save request.
type Entry struct {
	Name      string
	Sub       string
	Data      json.RawMessage
	ItemCount int
	Source    string
	TTL       time.Duration // zero means the store default
}

// Loader fetches fresh data for a cache entry, returning the encoded
// blob and its item count.
type Loader func(ctx context.Context) (data []byte, itemCount int, err error)

// LoadOptions tunes LoadOrPopulate. The zero value locks and uses the
// store default TTL.
type LoadOptions struct {
	TTL    time.Duration
	Source string
	NoLock bool
}

// Config wires a Store.
type Config struct {
	Redis           *redis.Client
	Dir             string
	DefaultTTL      time.Duration
	RefreshInterval time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Store composes the Redis and disk tiers.
type Store struct {
	client          *redis.Client
	redis           *RedisTier
	disk            *DiskTier
	defaultTTL      time.Duration
	refreshInterval time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics

	group singleflight.Group

	mu        sync.RWMutex
	lastKnown map[string][]byte
}

// New builds the Store and creates the disk directory.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	disk, err := NewDiskTier(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Store{
		client:          cfg.Redis,
		redis:           NewRedisTier(cfg.Redis),
		disk:            disk,
		defaultTTL:      cfg.DefaultTTL,
		refreshInterval: cfg.RefreshInterval,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		lastKnown:       make(map[string][]byte),
	}, nil
}

// Get returns the entry and its metadata, consulting Redis first and
// the disk tier on miss or Redis outage. ErrMiss when neither tier has
// a complete entry.
func (s *Store) Get(ctx context.Context, name, sub string) ([]byte, *Metadata, error) {
	key := Key(name, sub)

	data, meta, err := s.getFromTier(ctx, s.redis, key)
	if err == nil {
		s.metrics.CacheHit("redis")
		s.remember(key, data)
		return data, meta, nil
	}
	s.metrics.CacheMiss("redis")

	data, meta, err = s.getFromTier(ctx, s.disk, key)
	if err == nil {
		s.metrics.CacheHit("disk")
		s.remember(key, data)
		return data, meta, nil
	}
	s.metrics.CacheMiss("disk")
	return nil, nil, ErrMiss
}

// getFromTier fetches data plus the metadata twin. Data without
// metadata counts as a miss.
func (s *Store) getFromTier(ctx context.Context, tier Tier, key string) ([]byte, *Metadata, error) {
	data, err := tier.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	rawMeta, err := tier.Get(ctx, key+":metadata")
	if err != nil {
		return nil, nil, ErrMiss
	}
	var meta Metadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, nil, ErrMiss
	}
	return data, &meta, nil
}

// Save writes the entry and its metadata twin to both tiers with the
// same TTL, then refreshes the per-cache gauges. A single-tier failure
// is logged and tolerated; Save errors only when both tiers reject the
// write.
func (s *Store) Save(ctx context.Context, e Entry) error {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now().UTC()
	meta := Metadata{
		CreatedAt:   now,
		LastUpdated: now,
		LastRefresh: now,
		ItemCount:   e.ItemCount,
		TTLSeconds:  int(ttl.Seconds()),
		Source:      e.Source,
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache: marshal metadata for %s: %w", e.Name, err)
	}

	key := Key(e.Name, e.Sub)
	redisErr := s.setPair(ctx, s.redis, key, e.Data, rawMeta, ttl)
	if redisErr != nil {
		s.logger.Warn("cache redis write failed", "cache", e.Name, "error", redisErr)
	}
	diskErr := s.setPair(ctx, s.disk, key, e.Data, rawMeta, ttl)
	if diskErr != nil {
		s.logger.Warn("cache disk write failed", "cache", e.Name, "error", diskErr)
	}
	if redisErr != nil && diskErr != nil {
		return fmt.Errorf("cache: save %s: %w", key, redisErr)
	}

	s.metrics.SetCacheStats(e.Name, e.ItemCount, now, ttl)
	s.remember(key, e.Data)
	return nil
}

func (s *Store) setPair(ctx context.Context, tier Tier, key string, data, rawMeta []byte, ttl time.Duration) error {
	if err := tier.Set(ctx, key, data, ttl); err != nil {
		return err
	}
	return tier.Set(ctx, key+":metadata", rawMeta, ttl)
}

// IsValid reports whether the entry exists and was updated within maxAge.
func (s *Store) IsValid(ctx context.Context, name string, maxAge time.Duration, sub string) bool {
	meta := s.getMetadata(ctx, Key(name, sub))
	if meta == nil {
		return false
	}
	return time.Since(meta.LastUpdated) <= maxAge
}

// ShouldRefresh reports whether the refresh interval has elapsed since
// the entry was last populated. A missing entry always wants a refresh.
func (s *Store) ShouldRefresh(ctx context.Context, name, sub string) bool {
	meta := s.getMetadata(ctx, Key(name, sub))
	if meta == nil {
		return true
	}
	return time.Since(meta.LastRefresh) >= s.refreshInterval
}

// Status returns the metadata twin for an entry without touching the
// data blob, or nil when neither tier has one.
func (s *Store) Status(ctx context.Context, name, sub string) *Metadata {
	return s.getMetadata(ctx, Key(name, sub))
}

func (s *Store) getMetadata(ctx context.Context, key string) *Metadata {
	for _, tier := range []Tier{s.redis, s.disk} {
		raw, err := tier.Get(ctx, key+":metadata")
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		return &meta
	}
	return nil
}

// Invalidate removes the entry from both tiers. With an empty sub key
// every sub entry of the name is removed by prefix.
func (s *Store) Invalidate(ctx context.Context, name, sub string) error {
	var redisErr, diskErr error
	if sub == "" {
		prefix := Key(name, "")
		redisErr = s.redis.DeleteByPrefix(ctx, prefix)
		diskErr = s.disk.DeleteByPrefix(ctx, prefix)
		s.forgetPrefix(prefix)
	} else {
		key := Key(name, sub)
		redisErr = s.redis.Delete(ctx, key, key+":metadata")
		diskErr = s.disk.Delete(ctx, key, key+":metadata")
		s.forget(key)
	}
	if redisErr != nil {
		return redisErr
	}
	return diskErr
}

// LoadOrPopulate returns the cached entry, running loader under the
// distributed lock when the entry is missing or due for refresh.
// Non-holders wait for the holder's result and fall back to the last
// known value rather than block indefinitely.
func (s *Store) LoadOrPopulate(ctx context.Context, name, sub string, loader Loader, opts LoadOptions) ([]byte, error) {
	key := Key(name, sub)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.loadOrPopulate(ctx, key, name, sub, loader, opts)
	})
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

func (s *Store) loadOrPopulate(ctx context.Context, key, name, sub string, loader Loader, opts LoadOptions) ([]byte, error) {
	data, meta, err := s.Get(ctx, name, sub)
	if err == nil && !s.staleMeta(meta) {
		return data, nil
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if opts.NoLock {
		return s.runLoader(ctx, name, sub, loader, opts, ttl)
	}

	lock, held, err := acquireLock(ctx, s.client, key, ttl)
	if err != nil {
		// Redis is unreachable; the disk tier still takes the write.
		s.logger.Warn("cache lock unavailable, loading without it", "cache", name, "error", err)
		return s.runLoader(ctx, name, sub, loader, opts, ttl)
	}
	if held {
		defer func() {
			if err := lock.Release(ctx); err != nil {
				s.logger.Warn("cache lock release failed", "cache", name, "error", err)
			}
		}()
		// Somebody may have populated while we raced for the lock.
		if data, meta, err := s.Get(ctx, name, sub); err == nil && !s.staleMeta(meta) {
			return data, nil
		}
		return s.runLoader(ctx, name, sub, loader, opts, ttl)
	}

	return s.waitForHolder(ctx, key, name, sub, ttl)
}

func (s *Store) runLoader(ctx context.Context, name, sub string, loader Loader, opts LoadOptions, ttl time.Duration) ([]byte, error) {
	data, count, err := loader(ctx)
	if err != nil {
		if last := s.recall(Key(name, sub)); last != nil {
			s.logger.Warn("cache loader failed, serving last known value", "cache", name, "error", err)
			return last, nil
		}
		return nil, fmt.Errorf("cache: populate %s: %w", name, err)
	}
	source := opts.Source
	if source == "" {
		source = "loader"
	}
	if err := s.Save(ctx, Entry{Name: name, Sub: sub, Data: data, ItemCount: count, Source: source, TTL: ttl}); err != nil {
		s.logger.Warn("cache save after load failed", "cache", name, "error", err)
	}
	return data, nil
}

// waitForHolder polls with jittered sleeps while another process runs
// the loader. Any populated value counts, stale or not; after the
// deadline the last known value is returned, which may be nil.
func (s *Store) waitForHolder(ctx context.Context, key, name, sub string, ttl time.Duration) ([]byte, error) {
	deadline := ttl / 4
	if deadline > 30*time.Second {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		jitter := 100*time.Millisecond + time.Duration(rand.Int64N(int64(400*time.Millisecond)))
		select {
		case <-ctx.Done():
			return s.recall(key), ctx.Err()
		case <-timer.C:
			return s.recall(key), nil
		case <-time.After(jitter):
		}
		if data, _, err := s.Get(ctx, name, sub); err == nil {
			return data, nil
		}
	}
}

func (s *Store) staleMeta(meta *Metadata) bool {
	return meta == nil || time.Since(meta.LastRefresh) >= s.refreshInterval
}

// Healthy pings Redis and publishes the result to the redis_up gauge.
func (s *Store) Healthy(ctx context.Context) bool {
	err := s.redis.Ping(ctx)
	if err != nil {
		s.metrics.RedisUp.Set(0)
		return false
	}
	s.metrics.RedisUp.Set(1)
	return true
}

func (s *Store) remember(key string, data []byte) {
	s.mu.Lock()
	s.lastKnown[key] = data
	s.mu.Unlock()
}

func (s *Store) recall(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKnown[key]
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	delete(s.lastKnown, key)
	s.mu.Unlock()
}

func (s *Store) forgetPrefix(prefix string) {
	s.mu.Lock()
	for k := range s.lastKnown {
		if strings.HasPrefix(k, prefix) {
			delete(s.lastKnown, k)
		}
	}
	s.mu.Unlock()
}
