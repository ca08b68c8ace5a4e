// Package cache is a Redis-backed read-through cache for the signal-listing
// API. Entries are JSON-encoded responses keyed by tenant and query shape,
// expired either by TTL or by an explicit invalidation sweep after each
// evaluation run.
//
// A nil *Cache is valid and behaves as a permanent miss, so callers do not
// need to branch on whether Redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veriscope/veriscope/internal/metrics"
)

// DefaultTTL bounds staleness between invalidation sweeps. Signals only
// change when an evaluation run writes, so a short TTL is a backstop, not
// the primary expiry mechanism.
const DefaultTTL = 30 * time.Second

const keyPrefix = "veriscope:signals:"

// Cache wraps a go-redis client. Safe for concurrent use.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to the Redis instance at addr. ttl <= 0 falls back to
// DefaultTTL. The connection is verified with a PING so a bad address fails
// at startup instead of on the first request.
func New(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping %q: %w", addr, err)
	}
	return &Cache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "cache"),
	}, nil
}

// SignalsKey builds the cache key for one tenant's signal listing. query is
// the canonical (sorted) encoding of every filter parameter, so any change
// to the query shape lands on a different key.
func SignalsKey(tenantID, query string) string {
	return keyPrefix + tenantID + ":" + query
}

// GetJSON looks key up and unmarshals the stored value into dst. The bool
// reports a hit. Redis errors are returned after being counted, so the
// caller can fall through to the database.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return false, nil
	case err != nil:
		metrics.CacheRequests.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A decode failure means the entry is stale garbage; drop it.
		_ = c.rdb.Del(ctx, key).Err()
		metrics.CacheRequests.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return true, nil
}

// SetJSON stores v under key with the cache TTL. Failures are logged and
// swallowed: a cache write must never fail a read path that already has the
// data in hand.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "key", key, "err", err)
	}
}

// InvalidateSignals deletes every cached listing for the tenant. A tenant of
// "" sweeps all tenants; used after a full evaluation run. Returns the
// number of keys removed.
func (c *Cache) InvalidateSignals(ctx context.Context, tenantID string) (int, error) {
	if c == nil {
		return 0, nil
	}
	pattern := keyPrefix + "*"
	if tenantID != "" {
		pattern = keyPrefix + tenantID + ":*"
	}

	var removed int
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			n, err := c.deleteKeys(ctx, keys)
			removed += n
			if err != nil {
				return removed, err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache: scan %q: %w", pattern, err)
	}
	n, err := c.deleteKeys(ctx, keys)
	removed += n
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		c.logger.Debug("cache invalidated", "tenant_id", tenantID, "keys", removed)
	}
	return removed, nil
}

func (c *Cache) deleteKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: del: %w", err)
	}
	metrics.CacheInvalidations.Add(float64(n))
	return int(n), nil
}

// Ping reports cache liveness for the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client. Safe on a nil cache.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Enabled reports whether a real Redis backend is attached; the health
// endpoint uses it to distinguish "disabled" from "down".
func (c *Cache) Enabled() bool {
	return c != nil
}
