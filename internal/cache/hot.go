package cache

import (
	"fmt"
	"sync/atomic"

	lfu "github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/offsync/internal/model"
)

// Hot tier kinds.
const (
	HotTierLFU  = "lfu"
	HotTierLRU  = "lru"
	HotTierNone = "none"
)

// HotTier is a process-local mirror of recently used entries. The durable
// table stays the source of truth; the hot tier only saves a query.
type HotTier interface {
	Get(key string) (model.CacheEntry, bool)
	Set(key string, e model.CacheEntry)
	Delete(key string)
	Clear()
	Close()
	Metrics() HotTierMetrics
}

// HotTierMetrics reports hot-tier counters.
type HotTierMetrics struct {
	Kind     string `json:"kind"`
	Hits     int64  `json:"hits"`
	Misses   int64  `json:"misses"`
	Capacity int64  `json:"capacity"`
}

// NewHotTier creates a hot tier of the given kind holding about size entries.
func NewHotTier(kind string, size int) (HotTier, error) {
	if size <= 0 {
		size = 1024
	}
	switch kind {
	case HotTierLFU, "":
		return newLFUTier(size)
	case HotTierLRU:
		return newLRUTier(size)
	case HotTierNone:
		return noTier{}, nil
	}
	return nil, fmt.Errorf("unknown hot tier %q: must be lfu, lru or none", kind)
}

// lfuTier is backed by ristretto. Each entry costs 1, so MaxCost is the
// entry budget.
type lfuTier struct {
	cache    *lfu.Cache
	capacity int64
	hits     int64
	misses   int64
}

func newLFUTier(size int) (*lfuTier, error) {
	c, err := lfu.NewCache(&lfu.Config{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create lfu hot tier: %w", err)
	}
	return &lfuTier{cache: c, capacity: int64(size)}, nil
}

func (t *lfuTier) Get(key string) (model.CacheEntry, bool) {
	v, found := t.cache.Get(key)
	if !found {
		atomic.AddInt64(&t.misses, 1)
		return model.CacheEntry{}, false
	}
	atomic.AddInt64(&t.hits, 1)
	return v.(model.CacheEntry), true
}

func (t *lfuTier) Set(key string, e model.CacheEntry) {
	t.cache.Set(key, e, 1)
	// Sets are buffered; wait so a read right after a write sees it.
	t.cache.Wait()
}

func (t *lfuTier) Delete(key string) {
	t.cache.Del(key)
}

func (t *lfuTier) Clear() {
	t.cache.Clear()
}

func (t *lfuTier) Close() {
	t.cache.Close()
}

func (t *lfuTier) Metrics() HotTierMetrics {
	return HotTierMetrics{
		Kind:     HotTierLFU,
		Hits:     atomic.LoadInt64(&t.hits),
		Misses:   atomic.LoadInt64(&t.misses),
		Capacity: t.capacity,
	}
}

// lruTier is backed by golang-lru.
type lruTier struct {
	cache    *lru.Cache[string, model.CacheEntry]
	capacity int64
	hits     int64
	misses   int64
}

func newLRUTier(size int) (*lruTier, error) {
	c, err := lru.New[string, model.CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru hot tier: %w", err)
	}
	return &lruTier{cache: c, capacity: int64(size)}, nil
}

func (t *lruTier) Get(key string) (model.CacheEntry, bool) {
	e, found := t.cache.Get(key)
	if found {
		atomic.AddInt64(&t.hits, 1)
	} else {
		atomic.AddInt64(&t.misses, 1)
	}
	return e, found
}

func (t *lruTier) Set(key string, e model.CacheEntry) {
	t.cache.Add(key, e)
}

func (t *lruTier) Delete(key string) {
	t.cache.Remove(key)
}

func (t *lruTier) Clear() {
	t.cache.Purge()
}

func (t *lruTier) Close() {
	t.cache.Purge()
}

func (t *lruTier) Metrics() HotTierMetrics {
	return HotTierMetrics{
		Kind:     HotTierLRU,
		Hits:     atomic.LoadInt64(&t.hits),
		Misses:   atomic.LoadInt64(&t.misses),
		Capacity: t.capacity,
	}
}

// noTier disables the hot tier.
type noTier struct{}

func (noTier) Get(string) (model.CacheEntry, bool) { return model.CacheEntry{}, false }
func (noTier) Set(string, model.CacheEntry)        {}
func (noTier) Delete(string)                       {}
func (noTier) Clear()                              {}
func (noTier) Close()                              {}
func (noTier) Metrics() HotTierMetrics             { return HotTierMetrics{Kind: HotTierNone} }
