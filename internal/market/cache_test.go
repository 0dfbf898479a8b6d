package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient serves canned data and counts upstream fetches
type countingClient struct {
	mu       sync.Mutex
	quotes   int
	snaps    int
	quote    *Quote
	snapshot *Snapshot
	err      error
}

func (c *countingClient) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes++
	if c.err != nil {
		return nil, c.err
	}
	q := *c.quote
	q.Symbol = symbol
	return &q, nil
}

func (c *countingClient) GetCandles(_ context.Context, _, _ string, _ int) ([]Candle, error) {
	return nil, nil
}

func (c *countingClient) GetSnapshot(_ context.Context, _, _ string, _ int) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps++
	if c.err != nil {
		return nil, c.err
	}
	snap := *c.snapshot
	return &snap, nil
}

func (c *countingClient) Health(_ context.Context) error { return c.err }

func newCachedClient(t *testing.T) (*Cached, *countingClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	upstream := &countingClient{
		quote: &Quote{Price: 50000, Volume24h: 1e9, Timestamp: time.Now().UTC()},
		snapshot: &Snapshot{
			Quote:      &Quote{Symbol: "BTCUSDT", Price: 50000},
			Candles:    []Candle{{Close: 50000}},
			Indicators: map[string]float64{"rsi": 55},
		},
	}
	return NewCached(upstream, rc, 30*time.Second), upstream, mr
}

func TestCachedGetQuote(t *testing.T) {
	ctx := context.Background()
	cached, upstream, mr := newCachedClient(t)

	q, err := cached.GetQuote(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 50000.0, q.Price, 1e-9)
	assert.Equal(t, 1, upstream.quotes)

	// second read is served from the cache
	_, err = cached.GetQuote(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.quotes)

	t.Run("expiry refetches", func(t *testing.T) {
		mr.FastForward(time.Minute)
		_, err := cached.GetQuote(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 2, upstream.quotes)
	})

	t.Run("corrupt entry falls through", func(t *testing.T) {
		require.NoError(t, mr.Set(quoteKey("BTCUSDT"), "not json"))
		_, err := cached.GetQuote(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 3, upstream.quotes)
	})
}

func TestCachedGetSnapshot(t *testing.T) {
	ctx := context.Background()
	cached, upstream, _ := newCachedClient(t)

	snap, err := cached.GetSnapshot(ctx, "BTCUSDT", "1h", 100)
	require.NoError(t, err)
	require.NotNil(t, snap.Quote)
	assert.InDelta(t, 55.0, snap.Indicators["rsi"], 1e-9)
	assert.Equal(t, 1, upstream.snaps)

	_, err = cached.GetSnapshot(ctx, "BTCUSDT", "1h", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.snaps)

	// a different interval is a different cache entry
	_, err = cached.GetSnapshot(ctx, "BTCUSDT", "4h", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.snaps)
}

func TestCachedUpstreamErrorPropagates(t *testing.T) {
	cached, upstream, _ := newCachedClient(t)
	upstream.err = errors.New("service down")

	_, err := cached.GetQuote(context.Background(), "BTCUSDT")
	require.ErrorContains(t, err, "service down")
}

func TestCachedInvalidate(t *testing.T) {
	ctx := context.Background()
	cached, upstream, _ := newCachedClient(t)

	_, err := cached.GetQuote(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = cached.GetSnapshot(ctx, "BTCUSDT", "1h", 100)
	require.NoError(t, err)

	require.NoError(t, cached.Invalidate(ctx, "BTCUSDT"))

	_, err = cached.GetQuote(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.quotes)
	_, err = cached.GetSnapshot(ctx, "BTCUSDT", "1h", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.snaps)
}

func TestCachedHealth(t *testing.T) {
	ctx := context.Background()
	cached, upstream, mr := newCachedClient(t)

	require.NoError(t, cached.Health(ctx))

	upstream.err = errors.New("upstream sick")
	require.ErrorContains(t, cached.Health(ctx), "upstream sick")

	upstream.err = nil
	mr.Close()
	require.ErrorContains(t, cached.Health(ctx), "redis unhealthy")
}
