package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"rulewatch/internal/logging"
	"rulewatch/internal/models"
)

// Cache is a byte-oriented key/value store with expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memItem struct {
	v       []byte
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.expires.IsZero() && c.now().After(it.expires) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(it.v))
	copy(out, it.v)
	return out, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{v: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

// RedisCache stores entries in Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects a cache to the Redis server at addr.
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedProvider serves snapshots from a cache for ttl. History is passed through.
type CachedProvider struct {
	next   Provider
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedProvider wraps next with a snapshot cache.
func NewCachedProvider(next Provider, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedProvider {
	return &CachedProvider{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "marketdata_cache").Logger(),
	}
}

func snapshotKey(ticker string) string {
	return "rulewatch:snapshot:" + strings.ToUpper(ticker)
}

// Snapshot returns a cached snapshot when one is fresh.
func (p *CachedProvider) Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error) {
	key := snapshotKey(ticker)
	logger := logging.WithTicker(p.logger, ticker)
	if b, ok, err := p.cache.Get(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("Snapshot cache read failed")
	} else if ok {
		var snap models.MarketSnapshot
		if err := json.Unmarshal(b, &snap); err == nil {
			return &snap, nil
		}
	}

	snap, err := p.next.Snapshot(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(snap); err == nil {
		if err := p.cache.Set(ctx, key, b, p.ttl); err != nil {
			logger.Warn().Err(err).Msg("Snapshot cache write failed")
		}
	}
	return snap, nil
}

// History delegates to the wrapped provider.
func (p *CachedProvider) History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error) {
	return p.next.History(ctx, ticker, start, end)
}
