package agents

import (
	"context"
	"fmt"

	"github.com/quantpipe/quantpipe/internal/indicators"
	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func marketDataMetadata() Metadata {
	return Metadata{
		Type:        pipeline.AgentMarketData,
		Description: "Fetches quote, candles and indicators for the execution's symbol",
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"timeframe": {
					Type:    "string",
					Default: "1h",
					Enum:    []interface{}{"1m", "5m", "15m", "1h", "4h", "1d"},
				},
				"candle_limit": {
					Type:    "number",
					Default: 100.0,
					Minimum: floatPtr(10),
					Maximum: floatPtr(1000),
				},
				"tools": {
					Type:    "array",
					Items:   &Property{Type: "string"},
					Default: []interface{}{"market_data"},
				},
			},
		},
	}
}

// MarketData populates state.MarketData from the market-data service
type MarketData struct {
	base
	timeframe   string
	candleLimit int
}

// NewMarketData constructs the market data agent
func NewMarketData(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &MarketData{
		base:        newBase(nodeID, pipeline.AgentMarketData, config, deps),
		timeframe:   configString(config, "timeframe", "1h"),
		candleLimit: int(configFloat(config, "candle_limit", 100)),
	}, nil
}

// Metadata describes the agent type
func (a *MarketData) Metadata() Metadata { return marketDataMetadata() }

// Process fetches a market snapshot and records it in the envelope
func (a *MarketData) Process(ctx context.Context, state *pipeline.State) error {
	tool, ok := a.marketTool()
	if !ok {
		return &ProcessingError{
			AgentID:   a.id,
			AgentType: pipeline.AgentMarketData,
			Err:       fmt.Errorf("market_data tool not loaded"),
		}
	}

	snap, err := tool.Client.GetSnapshot(ctx, state.Symbol, a.timeframe, a.candleLimit)
	if err != nil {
		return &ProcessingError{
			AgentID:   a.id,
			AgentType: pipeline.AgentMarketData,
			Err:       fmt.Errorf("snapshot fetch failed: %w", err),
		}
	}
	if snap.Quote == nil {
		return &ProcessingError{
			AgentID:   a.id,
			AgentType: pipeline.AgentMarketData,
			Err:       fmt.Errorf("snapshot for %s has no quote", state.Symbol),
		}
	}

	indicatorValues := snap.Indicators
	if len(indicatorValues) == 0 && len(snap.Candles) > 0 {
		// upstream returned bare candles; compute the standard set locally
		high := make([]float64, len(snap.Candles))
		low := make([]float64, len(snap.Candles))
		closes := make([]float64, len(snap.Candles))
		for i, c := range snap.Candles {
			high[i], low[i], closes[i] = c.High, c.Low, c.Close
		}
		indicatorValues = indicators.Summary(high, low, closes)
	}

	indicatorMap := make(map[string]interface{}, len(indicatorValues))
	for k, v := range indicatorValues {
		indicatorMap[k] = v
	}

	candles := make([]interface{}, 0, len(snap.Candles))
	for _, c := range snap.Candles {
		candles = append(candles, map[string]interface{}{
			"timestamp": c.Timestamp,
			"open":      c.Open,
			"high":      c.High,
			"low":       c.Low,
			"close":     c.Close,
			"volume":    c.Volume,
		})
	}

	state.MarketData = map[string]interface{}{
		"symbol":     state.Symbol,
		"timeframe":  a.timeframe,
		"price":      snap.Quote.Price,
		"volume_24h": snap.Quote.Volume24h,
		"change_24h": snap.Quote.Change24h,
		"candles":    candles,
		"indicators": indicatorMap,
		"fetched_at": snap.FetchedAt,
	}
	state.Log(a.id, "info", "market data fetched: price=%.4f candles=%d", snap.Quote.Price, len(snap.Candles))
	return nil
}

// CurrentPrice extracts the quote price from state.MarketData
func CurrentPrice(state *pipeline.State) (float64, bool) {
	if state.MarketData == nil {
		return 0, false
	}
	price, ok := state.MarketData["price"].(float64)
	return price, ok && price > 0
}
