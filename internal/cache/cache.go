// Package cache implements the TTL read cache with stale-read fallback.
//
// Entries live in the durable cache table; a process-local hot tier
// mirrors recently read entries. Expiry is checked on every read, but
// expired rows are only removed by Sweep, so reads never pay for cleanup.
//
// The hot tier assumes one Store per database. Writes made through
// another process (a CLI `cache clear` next to a running proxy, say) are
// not seen by this process's hot tier until the entry is evicted or the
// process restarts; clear a live proxy's cache through its control API.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// ErrMiss is returned when no servable entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Freshness says how a returned value may be treated.
type Freshness int

const (
	// Fresh values are within their TTL.
	Fresh Freshness = iota + 1

	// Stale values are past their TTL and were returned only because the
	// caller allowed it.
	Stale
)

// String returns "fresh" or "stale".
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Config configures a Store.
type Config struct {
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// HotTier is lfu, lru or none.
	HotTier string

	// HotTierSize is the hot tier's entry budget.
	HotTierSize int
}

// DefaultConfig returns a 5 minute default TTL with a 1024-entry LFU hot tier.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:  5 * time.Minute,
		HotTier:     HotTierLFU,
		HotTierSize: 1024,
	}
}

// Stats reports cache counters.
type Stats struct {
	Entries   int            `json:"entries"`
	Expired   int            `json:"expired"`
	FreshHits int64          `json:"fresh_hits"`
	StaleHits int64          `json:"stale_hits"`
	Misses    int64          `json:"misses"`
	Hot       HotTierMetrics `json:"hot_tier"`
}

// Store is the TTL cache.
type Store struct {
	st    *store.Store
	clock clock.Clock
	hot   HotTier
	cfg   Config

	// mu orders durable writes with their hot tier update. Writers hold
	// it exclusively; read-through fills hold it shared.
	mu sync.RWMutex

	freshHits int64
	staleHits int64
	misses    int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the wall clock. Defaults to clock.System.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithConfig sets the cache configuration.
func WithConfig(cfg Config) Option {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithHotTier overrides the hot tier built from Config.
func WithHotTier(h HotTier) Option {
	return func(s *Store) {
		s.hot = h
	}
}

// New creates a cache over st.
func New(st *store.Store, opts ...Option) (*Store, error) {
	s := &Store{
		st:    st,
		clock: clock.System{},
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.DefaultTTL <= 0 {
		s.cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if s.hot == nil {
		hot, err := NewHotTier(s.cfg.HotTier, s.cfg.HotTierSize)
		if err != nil {
			return nil, fmt.Errorf("new cache: %w", err)
		}
		s.hot = hot
	}
	return s, nil
}

// Close releases the hot tier.
func (s *Store) Close() {
	s.hot.Close()
}

// Set stores value under key with ExpiresAt = now + ttl, overwriting any
// existing entry. ttl <= 0 uses DefaultTTL. value is JSON encoded; a
// json.RawMessage is stored as is.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return model.NewValidationError("cache key is required")
	}
	raw, err := encode(value)
	if err != nil {
		return model.NewValidationError("cache value for %q: %v", key, err)
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	now := s.clock.Now()
	e := model.CacheEntry{
		Key:       key,
		Value:     raw,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.st.PutCacheEntry(ctx, e); err != nil {
		// Drop any mirrored copy so the hot tier never outlives a failed write.
		s.hot.Delete(key)
		return fmt.Errorf("cache set: %w", err)
	}
	s.hot.Set(key, e)

	slog.Debug("cache set", "key", key, "ttl", ttl)
	return nil
}

// Get returns the value for key. A value within its TTL is Fresh; an
// expired value is returned as Stale only if allowStale is true. Otherwise
// Get returns ErrMiss.
func (s *Store) Get(ctx context.Context, key string, allowStale bool) (json.RawMessage, Freshness, error) {
	e, found, err := s.lookup(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		atomic.AddInt64(&s.misses, 1)
		return nil, 0, ErrMiss
	}

	if e.Fresh(s.clock.Now()) {
		atomic.AddInt64(&s.freshHits, 1)
		return e.Value, Fresh, nil
	}
	if allowStale {
		atomic.AddInt64(&s.staleHits, 1)
		slog.Debug("serving stale cache entry", "key", key, "expired_at", e.ExpiresAt)
		return e.Value, Stale, nil
	}
	atomic.AddInt64(&s.misses, 1)
	return nil, 0, ErrMiss
}

// GetInto is Get followed by json.Unmarshal into dst.
func (s *Store) GetInto(ctx context.Context, key string, allowStale bool, dst any) (Freshness, error) {
	raw, fresh, err := s.Get(ctx, key, allowStale)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return 0, fmt.Errorf("cache get %q: decode: %w", key, err)
	}
	return fresh, nil
}

// Entry returns the raw entry for key regardless of expiry.
func (s *Store) Entry(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	return s.lookup(ctx, key)
}

func (s *Store) lookup(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	if e, ok := s.hot.Get(key); ok {
		return e, true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found, err := s.st.GetCacheEntry(ctx, key)
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if found {
		s.hot.Set(key, e)
	}
	return e, found, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hot.Delete(key)
	if err := s.st.DeleteCacheEntry(ctx, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes every entry whose key starts with prefix; an empty prefix
// clears everything. Returns the number removed.
func (s *Store) Clear(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.st.DeleteCachePrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	if prefix == "" {
		s.hot.Clear()
	} else {
		for _, k := range keys {
			s.hot.Delete(k)
		}
	}
	slog.Debug("cache cleared", "prefix", prefix, "count", len(keys))
	return len(keys), nil
}

// Sweep removes every expired entry. Returns the number removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.st.DeleteExpiredCache(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	for _, k := range keys {
		s.hot.Delete(k)
	}
	if len(keys) > 0 {
		slog.Info("cache sweep removed expired entries", "count", len(keys))
	}
	return len(keys), nil
}

// RunSweeper calls Sweep every interval until ctx is done. Sweep errors
// are logged and the loop continues. Returns ctx.Err().
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("cache sweep failed", "error", err)
			}
		}
	}
}

// Stats returns entry counts and hit counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	total, expired, err := s.st.CacheCounts(ctx, s.clock.Now())
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return Stats{
		Entries:   total,
		Expired:   expired,
		FreshHits: atomic.LoadInt64(&s.freshHits),
		StaleHits: atomic.LoadInt64(&s.staleHits),
		Misses:    atomic.LoadInt64(&s.misses),
		Hot:       s.hot.Metrics(),
	}, nil
}

func encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
