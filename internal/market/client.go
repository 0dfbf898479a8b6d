// Package market provides quote and candle retrieval from an external
// market-data service, with rate limiting and an optional Redis cache.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Quote is a point-in-time price snapshot
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume24h float64   `json:"volume_24h"`
	Change24h float64   `json:"change_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Snapshot bundles everything the analysis agents consume for one symbol
type Snapshot struct {
	Quote      *Quote             `json:"quote"`
	Candles    []Candle           `json:"candles"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	FetchedAt  time.Time          `json:"fetched_at"`
}

// Client is the market-data contract consumed by the market_data agent
type Client interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetSnapshot(ctx context.Context, symbol, interval string, limit int) (*Snapshot, error)
	Health(ctx context.Context) error
}

// HTTPClient talks to the market-data service over its JSON API. Requests
// are rate limited to stay inside the provider's quota.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a rate-limited market-data client. requestsPerSecond
// of zero disables the limiter.
func NewHTTPClient(baseURL string, requestsPerSecond float64) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("market data URL is required")
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("market data request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market data service returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode market data response: %w", err)
	}
	return nil
}

// GetQuote fetches the current quote for a symbol
func (c *HTTPClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var q Quote
	query := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, "/v1/quote", query, &q); err != nil {
		return nil, err
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	return &q, nil
}

// GetCandles fetches recent OHLCV bars
func (c *HTTPClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var candles []Candle
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "/v1/candles", query, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// GetSnapshot fetches quote, candles and service-computed indicators in one call
func (c *HTTPClient) GetSnapshot(ctx context.Context, symbol, interval string, limit int) (*Snapshot, error) {
	var snap Snapshot
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "/v1/snapshot", query, &snap); err != nil {
		return nil, err
	}
	snap.FetchedAt = time.Now().UTC()

	log.Debug().
		Str("symbol", symbol).
		Int("candles", len(snap.Candles)).
		Msg("Market snapshot fetched")

	return &snap, nil
}

// Health pings the market-data service
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("market data service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market data service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
