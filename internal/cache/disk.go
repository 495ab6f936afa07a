package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskTier is the per-process on-disk fallback. Keys map to files by
// stripping the namespace and replacing separators:
// "safetyamp:sites:123:metadata" becomes "sites_123_metadata.json".
// TTLs are not enforced here; validity comes from the metadata twin.
type DiskTier struct {
	dir string
}

// NewDiskTier creates the cache directory if needed.
func NewDiskTier(dir string) (*DiskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", dir, err)
	}
	return &DiskTier{dir: dir}, nil
}

func (t *DiskTier) filename(key string) string {
	name := strings.TrimPrefix(key, keyNamespace+":")
	name = strings.ReplaceAll(name, ":", "_")
	return filepath.Join(t.dir, name+".json")
}

func (t *DiskTier) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(t.filename(key))
	if os.IsNotExist(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: disk read %s: %w", key, err)
	}
	return b, nil
}

// Set writes atomically: create a temp file in the same directory, then
// rename over the target so a crash never leaves a half-written file.
func (t *DiskTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	path := t.filename(key)
	tmp, err := os.CreateTemp(t.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: disk tmp for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: disk write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: disk close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cache: disk rename %s: %w", key, err)
	}
	return nil
}

func (t *DiskTier) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := os.Remove(t.filename(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cache: disk delete %s: %w", key, err)
		}
	}
	return nil
}

func (t *DiskTier) DeleteByPrefix(_ context.Context, prefix string) error {
	base := strings.TrimSuffix(t.filename(prefix), ".json")
	matches, err := filepath.Glob(base + "*.json")
	if err != nil {
		return fmt.Errorf("cache: disk glob %s: %w", prefix, err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cache: disk delete %s: %w", m, err)
		}
	}
	return nil
}
