package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func strategyMetadata() Metadata {
	return Metadata{
		Type:               pipeline.AgentStrategy,
		Description:        "Proposes a trade (action, entry, stop, target) from biases and market data",
		RequiresMarketData: true,
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"stop_loss_pct": {
					Type:        "number",
					Description: "Stop distance as a fraction of entry, used when the model omits one",
					Default:     0.02,
					Minimum:     floatPtr(0.001),
					Maximum:     floatPtr(0.5),
				},
				"take_profit_pct": {
					Type:        "number",
					Description: "Target distance as a fraction of entry, used when the model omits one",
					Default:     0.04,
					Minimum:     floatPtr(0.001),
					Maximum:     floatPtr(1),
				},
				"quantity": {
					Type:        "number",
					Description: "Order quantity in base units",
					Default:     1.0,
					Minimum:     floatPtr(0),
				},
				"min_confidence": {
					Type:        "number",
					Description: "Bias confidence below which the strategy holds",
					Default:     0.4,
					Minimum:     floatPtr(0),
					Maximum:     floatPtr(1),
				},
				"tools": {
					Type:    "array",
					Items:   &Property{Type: "string"},
					Default: []interface{}{"llm"},
				},
			},
		},
	}
}

type strategyVerdict struct {
	Action     string  `json:"action"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Strategy turns biases and market data into a concrete trade proposal
type Strategy struct {
	base
	stopLossPct   float64
	takeProfitPct float64
	quantity      float64
	minConfidence float64
}

// NewStrategy constructs the strategy agent
func NewStrategy(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &Strategy{
		base:          newBase(nodeID, pipeline.AgentStrategy, config, deps),
		stopLossPct:   configFloat(config, "stop_loss_pct", 0.02),
		takeProfitPct: configFloat(config, "take_profit_pct", 0.04),
		quantity:      configFloat(config, "quantity", 1),
		minConfidence: configFloat(config, "min_confidence", 0.4),
	}, nil
}

// Metadata describes the agent type
func (a *Strategy) Metadata() Metadata { return strategyMetadata() }

// Process writes state.Strategy
func (a *Strategy) Process(ctx context.Context, state *pipeline.State) error {
	price, ok := CurrentPrice(state)
	if !ok {
		return fmt.Errorf("%w: strategy requires market data with a price", ErrInsufficientData)
	}

	if llmTool, hasLLM := a.llmTool(); hasLLM {
		strat, cost, err := a.llmStrategy(ctx, state, llmTool.Client, price)
		state.AddCost(a.id, cost)
		if err == nil {
			state.Strategy = strat
			state.Log(a.id, "info", "strategy: %s entry=%.4f sl=%.4f tp=%.4f",
				strat.Action, strat.EntryPrice, strat.StopLoss, strat.TakeProfit)
			return nil
		}
		state.AddWarning(a.id, fmt.Sprintf("LLM strategy failed, using heuristic: %v", err))
	}

	state.Strategy = a.heuristicStrategy(state, price)
	state.Log(a.id, "info", "strategy: %s entry=%.4f sl=%.4f tp=%.4f",
		state.Strategy.Action, state.Strategy.EntryPrice, state.Strategy.StopLoss, state.Strategy.TakeProfit)
	return nil
}

func (a *Strategy) llmStrategy(ctx context.Context, state *pipeline.State, client llmCompleter, price float64) (*pipeline.Strategy, float64, error) {
	systemPrompt := "You are a trading strategist. Respond with JSON only: " +
		`{"action": "BUY|SELL|HOLD", "entry_price": n, "stop_loss": n, "take_profit": n, "confidence": 0.0-1.0, "rationale": "..."}`
	userPrompt := fmt.Sprintf(
		"Symbol %s at %.4f. Biases: %v. Indicators: %v. Propose a trade or HOLD.",
		state.Symbol, price, state.Biases, state.MarketData["indicators"],
	)

	var verdict strategyVerdict
	completion, err := client.CompleteJSON(ctx, systemPrompt, userPrompt, &verdict)
	cost := 0.0
	if completion != nil {
		cost = completion.Cost
	}
	if err != nil {
		return nil, cost, err
	}

	action := strings.ToUpper(verdict.Action)
	switch action {
	case "BUY", "SELL", "HOLD":
	default:
		return nil, cost, fmt.Errorf("model returned unknown action %q", verdict.Action)
	}

	strat := &pipeline.Strategy{
		Action:     action,
		EntryPrice: verdict.EntryPrice,
		StopLoss:   verdict.StopLoss,
		TakeProfit: verdict.TakeProfit,
		Quantity:   a.quantity,
		Confidence: verdict.Confidence,
		Rationale:  verdict.Rationale,
	}
	if action != "HOLD" {
		a.fillLevels(strat, price)
	}
	return strat, cost, nil
}

// fillLevels defaults entry/stop/target when the proposal omits them
func (a *Strategy) fillLevels(strat *pipeline.Strategy, price float64) {
	if strat.EntryPrice <= 0 {
		strat.EntryPrice = price
	}
	if strat.Action == "BUY" {
		if strat.StopLoss <= 0 {
			strat.StopLoss = strat.EntryPrice * (1 - a.stopLossPct)
		}
		if strat.TakeProfit <= 0 {
			strat.TakeProfit = strat.EntryPrice * (1 + a.takeProfitPct)
		}
	} else {
		if strat.StopLoss <= 0 {
			strat.StopLoss = strat.EntryPrice * (1 + a.stopLossPct)
		}
		if strat.TakeProfit <= 0 {
			strat.TakeProfit = strat.EntryPrice * (1 - a.takeProfitPct)
		}
	}
}

func (a *Strategy) heuristicStrategy(state *pipeline.State, price float64) *pipeline.Strategy {
	bullish, bearish := 0, 0
	var confidence float64
	for _, bias := range state.Biases {
		switch bias.Direction {
		case "bullish":
			bullish++
		case "bearish":
			bearish++
		}
		if bias.Confidence > confidence {
			confidence = bias.Confidence
		}
	}

	strat := &pipeline.Strategy{Action: "HOLD", Confidence: confidence, Quantity: a.quantity}
	switch {
	case bullish > bearish && confidence >= a.minConfidence:
		strat.Action = "BUY"
	case bearish > bullish && confidence >= a.minConfidence:
		strat.Action = "SELL"
	default:
		strat.Rationale = "no directional consensus"
		return strat
	}

	a.fillLevels(strat, price)
	strat.Rationale = fmt.Sprintf("%d bullish vs %d bearish biases", bullish, bearish)
	return strat
}
