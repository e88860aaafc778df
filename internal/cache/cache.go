// Package cache provides caching for viewport query results and merged
// patch regions.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slideatlas/server/internal/merge"
)

// Config contains cache configuration.
type Config struct {
	QueryCacheSizeMB int
	QueryTTL         time.Duration
	RegionCacheSize  int
}

// Manager holds the serialized viewport-result cache and the merged-region
// cache. Keys embed the snapshot generation, so entries from a replaced
// container are simply never hit again and age out.
type Manager struct {
	queryCache  *bigcache.BigCache
	regionCache *lru.Cache[string, []merge.Region]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	queryConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.QueryTTL,
		CleanWindow:        cfg.QueryTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.QueryCacheSizeMB,
		Verbose:            false,
	}

	queryCache, err := bigcache.New(context.Background(), queryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	regionCache, err := lru.New[string, []merge.Region](cfg.RegionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create region cache: %w", err)
	}

	return &Manager{queryCache: queryCache, regionCache: regionCache}, nil
}

// GetQuery retrieves a serialized viewport result.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	data, err := m.queryCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetQuery stores a serialized viewport result.
func (m *Manager) SetQuery(key string, data []byte) error {
	return m.queryCache.Set(key, data)
}

// GetRegions retrieves a precomputed full-grid merge.
func (m *Manager) GetRegions(key string) ([]merge.Region, bool) {
	return m.regionCache.Get(key)
}

// SetRegions stores a precomputed full-grid merge.
func (m *Manager) SetRegions(key string, regions []merge.Region) {
	m.regionCache.Add(key, regions)
}

// QueryKey builds a cache key for a viewport query. Generation ties the
// entry to one immutable snapshot.
func QueryKey(path string, generation uint64, kind string, x1, y1, x2, y2 float64, polyLen int) string {
	return fmt.Sprintf("%s:%d:%s:%.3f/%.3f/%.3f/%.3f:p%d", path, generation, kind, x1, y1, x2, y2, polyLen)
}

// RegionKey builds a cache key for a full-grid merge.
func RegionKey(path string, generation, overlayRev uint64) string {
	return fmt.Sprintf("%s:%d:regions:r%d", path, generation, overlayRev)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"query_cache_len":  m.queryCache.Len(),
		"query_cache_cap":  m.queryCache.Capacity(),
		"region_cache_len": m.regionCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.queryCache.Close()
}
