package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1000
	redisKeyPrefix    = "devicefleet:dedup:"
)

// Deduper reports whether an event key is new. Accept records the key when it returns true.
type Deduper interface {
	Accept(ctx context.Context, key string) (bool, error)
}

// Key builds the composite event key.
func Key(alias, title, message, timestamp string) string {
	return strings.Join([]string{alias, title, message, timestamp}, "-")
}

// Cache is an in-memory Deduper. Entries older than the TTL count as absent and are reclaimed by
// a sweep that runs once the cache grows past maxEntries. No janitor runs in the background.
type Cache struct {
	mu         sync.Mutex
	items      *ttlcache.Cache[string, struct{}]
	ttl        time.Duration
	maxEntries int
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

func NewCache(opts ...Option) *Cache {
	c := &Cache{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.items = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](c.ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return c
}

func (c *Cache) Accept(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items.Len() > c.maxEntries {
		c.items.DeleteExpired()
	}

	if c.items.Get(key) != nil {
		return false, nil
	}
	c.items.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.items.Len()
	c.items.DeleteExpired()
	return before - c.items.Len()
}

// Len counts stored entries, expired ones included until a sweep.
func (c *Cache) Len() int {
	return c.items.Len()
}

// RedisDeduper shares the dedup window across processes with SET NX.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Accept(ctx context.Context, key string) (bool, error) {
	sum := sha256.Sum256([]byte(key))
	return d.client.SetNX(ctx, redisKeyPrefix+hex.EncodeToString(sum[:]), 1, d.ttl).Result()
}
