package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cached decorates a Client with a Redis read-through cache. Cache failures
// degrade to direct fetches; they never fail the caller.
type Cached struct {
	client Client
	redis  *redis.Client
	ttl    time.Duration
}

// NewCached wraps a market-data client with a Redis cache
func NewCached(client Client, redisClient *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{client: client, redis: redisClient, ttl: ttl}
}

func quoteKey(symbol string) string {
	return fmt.Sprintf("market:quote:%s", symbol)
}

func snapshotKey(symbol, interval string, limit int) string {
	return fmt.Sprintf("market:snapshot:%s:%s:%d", symbol, interval, limit)
}

// GetQuote returns the cached quote when fresh, fetching otherwise
func (c *Cached) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	key := quoteKey(symbol)
	if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var q Quote
		if err := json.Unmarshal(data, &q); err == nil {
			return &q, nil
		}
		// corrupt entry, fall through to fetch
		c.redis.Del(ctx, key)
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis read failed, fetching directly")
	}

	q, err := c.client.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, q)
	return q, nil
}

// GetCandles always fetches; bars are cheap and cached via snapshots
func (c *Cached) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return c.client.GetCandles(ctx, symbol, interval, limit)
}

// GetSnapshot returns the cached snapshot when fresh, fetching otherwise
func (c *Cached) GetSnapshot(ctx context.Context, symbol, interval string, limit int) (*Snapshot, error) {
	key := snapshotKey(symbol, interval, limit)
	if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			return &snap, nil
		}
		c.redis.Del(ctx, key)
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis read failed, fetching directly")
	}

	snap, err := c.client.GetSnapshot(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, snap)
	return snap, nil
}

func (c *Cached) store(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis write failed")
	}
}

// Invalidate drops cached entries for a symbol
func (c *Cached) Invalidate(ctx context.Context, symbol string) error {
	pattern := fmt.Sprintf("market:*:%s*", symbol)
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cache key %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

// Health checks both the cache and the upstream service
func (c *Cached) Health(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return c.client.Health(ctx)
}
