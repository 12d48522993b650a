// Package cache stores fuzzy matcher output in Redis, keyed by the snapshot
// version it was computed from, so a rebuilt matcher never serves results
// from an older catalog.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/config"
	pkgredis "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/redis"
)

const keyPrefix = "fuzzy:"

// ResultCache is safe for concurrent use. Snapshot versions are local to an
// engine instance, so every instance caches under its own namespace.
type ResultCache struct {
	client    *pkgredis.Client
	cfg       config.RedisConfig
	namespace string
	group     singleflight.Group
	logger    *slog.Logger
	hits      atomic.Int64
	misses    atomic.Int64
}

func New(client *pkgredis.Client, cfg config.RedisConfig, namespace string) *ResultCache {
	return &ResultCache{
		client:    client,
		cfg:       cfg,
		namespace: namespace,
		logger:    slog.Default().With("component", "result-cache"),
	}
}

// Get returns the cached matches for the key. Redis errors count as misses.
func (c *ResultCache) Get(ctx context.Context, version uint64, query catalog.Name, tolerance int) ([]matcher.Match, bool) {
	key := c.buildKey(version, query, tolerance)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var ms []matcher.Match
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "query", query, "version", version)
	return ms, true
}

func (c *ResultCache) Set(ctx context.Context, version uint64, query catalog.Name, tolerance int, ms []matcher.Match) {
	key := c.buildKey(version, query, tolerance)
	data, err := json.Marshal(ms)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns cached matches or computes and stores them.
// Concurrent misses on the same key share one computation.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	version uint64,
	query catalog.Name,
	tolerance int,
	compute func() ([]matcher.Match, error),
) ([]matcher.Match, bool, error) {
	if ms, ok := c.Get(ctx, version, query, tolerance); ok {
		return ms, true, nil
	}
	key := c.buildKey(version, query, tolerance)
	val, err, _ := c.group.Do(key, func() (any, error) {
		ms, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, version, query, tolerance, ms)
		return ms, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]matcher.Match), false, nil
}

// Invalidate deletes every entry in this cache's namespace.
func (c *ResultCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, c.prefix()+"*")
	if err != nil {
		return fmt.Errorf("invalidating result cache: %w", err)
	}
	c.logger.Debug("cache invalidated", "keys_deleted", deleted)
	return nil
}

type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func (c *ResultCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *ResultCache) prefix() string {
	return keyPrefix + c.namespace + ":"
}

func (c *ResultCache) buildKey(version uint64, query catalog.Name, tolerance int) string {
	raw := fmt.Sprintf("v=%d:t=%d:%s", version, tolerance, query)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", c.prefix(), hash[:16])
}
