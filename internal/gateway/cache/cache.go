package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jexi-app/llm-router/internal/gateway/providers"
	"github.com/jexi-app/llm-router/internal/shared/metrics"
	"github.com/jexi-app/llm-router/internal/shared/redis"
	"go.uber.org/zap"
)

// ErrMiss is returned by the L2 store when a key is absent
var ErrMiss = redis.ErrNotFound

const redisPrefix = "cache:route:"

// entryOverhead approximates the per-entry bookkeeping cost in bytes
const entryOverhead = 96

// Store is the optional shared second level, satisfied by *redis.Client
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type entry struct {
	completion providers.Success
	createdAt  time.Time
	ttl        time.Duration
	hitCount   int
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Entries           int     `json:"total_entries"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	HitRate           float64 `json:"hit_rate"`
	ApproxMemoryBytes int     `json:"estimated_memory_bytes"`
}

// Cache stores completed responses keyed by the latest system prompt, the
// latest user message and the model. Older conversation turns are not part
// of the key, so two conversations ending in the same turn share an entry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	hits    int64
	misses  int64

	l2      Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Cache
type Option func(*Cache)

// WithRedis enables the shared second level
func WithRedis(store Store) Option {
	return func(c *Cache) { c.l2 = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics records hits and misses on m
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a new cache instance
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "cache"))
	return c
}

// Key hashes the lookup inputs in order
func Key(systemPrompt, userMessage, model string) string {
	hash := sha256.Sum256([]byte(systemPrompt + "||" + userMessage + "||" + model))
	return hex.EncodeToString(hash[:])
}

// Get returns the cached completion if present and not expired
func (c *Cache) Get(ctx context.Context, systemPrompt, userMessage, model string) (*providers.Success, bool) {
	key := Key(systemPrompt, userMessage, model)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !e.expired(now) {
			e.hitCount++
			c.hits++
			completion := e.completion
			c.mu.Unlock()
			c.metrics.ObserveCache(true)
			return &completion, true
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if completion, ttl, ok := c.getL2(ctx, key); ok {
		c.mu.Lock()
		c.entries[key] = &entry{completion: completion, createdAt: now, ttl: ttl, hitCount: 1}
		c.hits++
		c.mu.Unlock()
		c.metrics.ObserveCache(true)
		return &completion, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.metrics.ObserveCache(false)
	return nil, false
}

// Put stores completion for ttl. A non-positive ttl is a no-op.
func (c *Cache) Put(ctx context.Context, systemPrompt, userMessage, model string, completion providers.Success, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	key := Key(systemPrompt, userMessage, model)

	c.mu.Lock()
	c.entries[key] = &entry{completion: completion, createdAt: c.now(), ttl: ttl}
	c.mu.Unlock()

	if c.l2 == nil {
		return
	}
	data, err := json.Marshal(completion)
	if err != nil {
		c.logger.Warn("failed to serialize cache entry", zap.Error(err))
		return
	}
	if err := c.l2.Set(ctx, redisPrefix+key, string(data), ttl); err != nil {
		c.logger.Warn("failed to write cache entry to redis", zap.Error(err))
	}
}

// EvictExpired removes every expired entry and returns how many were removed
func (c *Cache) EvictExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry, including the shared second level
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	if c.l2 == nil {
		return nil
	}
	if _, err := c.l2.DeletePrefix(ctx, redisPrefix); err != nil {
		return err
	}
	return nil
}

// Stats returns entry count, hit/miss counters and an approximate footprint
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = math.Round(float64(c.hits)/float64(total)*10000) / 10000
	}
	for key, e := range c.entries {
		s.ApproxMemoryBytes += len(key) + len(e.completion.Text) + len(e.completion.Provider) + len(e.completion.Model) + entryOverhead
	}
	return s
}

func (c *Cache) getL2(ctx context.Context, key string) (providers.Success, time.Duration, bool) {
	if c.l2 == nil {
		return providers.Success{}, 0, false
	}

	val, err := c.l2.Get(ctx, redisPrefix+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("redis cache lookup failed", zap.Error(err))
		}
		return providers.Success{}, 0, false
	}

	var completion providers.Success
	if err := json.Unmarshal([]byte(val), &completion); err != nil {
		c.logger.Warn("failed to deserialize cached response", zap.Error(err))
		return providers.Success{}, 0, false
	}

	ttl, err := c.l2.TTL(ctx, redisPrefix+key)
	if err != nil || ttl <= 0 {
		return providers.Success{}, 0, false
	}

	return completion, ttl, true
}
