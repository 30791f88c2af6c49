package contextprovider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheTTL bounds how long a gathered context string is reused for a
// repeated query set within the same story run.
const CacheTTL = 10 * time.Minute

// RedisCache memoizes Ranker.Gather results keyed by a hash of the query
// set, using redis/go-redis/v9 when an address is configured. Falls back
// to an in-process map when Addr is empty, since the hot path (one
// gather per wave, one per analyze/plan call) is cheap enough to cache
// locally without standing up Redis for a single-node run.
type RedisCache struct {
	inner Provider
	rdb   *redis.Client

	mu    sync.Mutex
	local map[string]string
}

// NewRedisCache wraps inner with a cache. addr is a redis "host:port"; an
// empty addr uses the in-process fallback.
func NewRedisCache(inner Provider, addr string) *RedisCache {
	c := &RedisCache{inner: inner, local: map[string]string{}}
	if addr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	return c
}

func (c *RedisCache) Gather(ctx context.Context, rootPath string, queries []Query, minScore float64, topN int) (string, error) {
	key := cacheKey(rootPath, queries, minScore, topN)
	if cached, ok := c.get(ctx, key); ok {
		return cached, nil
	}
	result, err := c.inner.Gather(ctx, rootPath, queries, minScore, topN)
	if err != nil {
		return "", err
	}
	c.set(ctx, key, result)
	return result, nil
}

func (c *RedisCache) ForCoding(ctx context.Context, rootPath string, queries []string, prioritizeFiles []string) (string, error) {
	return c.inner.ForCoding(ctx, rootPath, queries, prioritizeFiles)
}

func (c *RedisCache) ForDocumentation(ctx context.Context, rootPath string, queries []string, prioritizeFiles []string) (string, error) {
	return c.inner.ForDocumentation(ctx, rootPath, queries, prioritizeFiles)
}

func (c *RedisCache) get(ctx context.Context, key string) (string, bool) {
	if c.rdb != nil {
		v, err := c.rdb.Get(ctx, key).Result()
		if err == nil {
			return v, true
		}
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.local[key]
	return v, ok
}

func (c *RedisCache) set(ctx context.Context, key, value string) {
	if c.rdb != nil {
		_ = c.rdb.Set(ctx, key, value, CacheTTL).Err()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = value
}

func cacheKey(rootPath string, queries []Query, minScore float64, topN int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%.2f|%d", rootPath, minScore, topN)
	for _, q := range queries {
		fmt.Fprintf(h, "|%s|%s", q.Text, q.PrioritizeFile)
	}
	return "storyorchestrator:context:" + hex.EncodeToString(h.Sum(nil))
}
