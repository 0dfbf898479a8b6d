package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func biasAnalysisMetadata() Metadata {
	return Metadata{
		Type:               pipeline.AgentBiasAnalysis,
		Description:        "Produces a directional bias per timeframe from market data",
		RequiresMarketData: true,
		RequiresTimeframes: true,
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"timeframes": {
					Type:    "array",
					Items:   &Property{Type: "string"},
					Default: []interface{}{"1h", "4h"},
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

type biasVerdict struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// BiasAnalysis reads market data and writes per-timeframe biases. With an LLM
// tool it asks the model; without one it falls back to a momentum heuristic.
type BiasAnalysis struct {
	base
	timeframes []string
}

// NewBiasAnalysis constructs the bias analysis agent
func NewBiasAnalysis(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	timeframes := configStringSlice(config, "timeframes")
	if len(timeframes) == 0 {
		timeframes = []string{"1h", "4h"}
	}
	return &BiasAnalysis{
		base:       newBase(nodeID, pipeline.AgentBiasAnalysis, config, deps),
		timeframes: timeframes,
	}, nil
}

// Metadata describes the agent type
func (a *BiasAnalysis) Metadata() Metadata { return biasAnalysisMetadata() }

// Process writes state.Biases keyed by timeframe
func (a *BiasAnalysis) Process(ctx context.Context, state *pipeline.State) error {
	if state.MarketData == nil {
		return fmt.Errorf("%w: bias analysis requires market data", ErrInsufficientData)
	}

	if state.Biases == nil {
		state.Biases = make(map[string]pipeline.Bias)
	}

	llmTool, hasLLM := a.llmTool()
	for _, tf := range a.timeframes {
		if hasLLM {
			bias, cost, err := a.llmBias(ctx, state, llmTool.Client, tf)
			if err == nil {
				state.Biases[tf] = bias
				state.AddCost(a.id, cost)
				continue
			}
			state.AddWarning(a.id, fmt.Sprintf("LLM bias for %s failed, using heuristic: %v", tf, err))
		}
		state.Biases[tf] = heuristicBias(state, tf)
	}

	state.Log(a.id, "info", "bias analysis complete for %d timeframes", len(a.timeframes))
	return nil
}

func (a *BiasAnalysis) llmBias(ctx context.Context, state *pipeline.State, client llmCompleter, timeframe string) (pipeline.Bias, float64, error) {
	systemPrompt := "You are a market analyst. Respond with JSON only: " +
		`{"direction": "bullish|bearish|neutral", "confidence": 0.0-1.0, "rationale": "..."}`
	userPrompt := fmt.Sprintf(
		"Symbol %s, timeframe %s. Market data: price=%v change_24h=%v indicators=%v. What is the directional bias?",
		state.Symbol, timeframe,
		state.MarketData["price"], state.MarketData["change_24h"], state.MarketData["indicators"],
	)

	var verdict biasVerdict
	completion, err := client.CompleteJSON(ctx, systemPrompt, userPrompt, &verdict)
	if err != nil {
		cost := 0.0
		if completion != nil {
			cost = completion.Cost
		}
		return pipeline.Bias{}, cost, err
	}

	direction := strings.ToLower(verdict.Direction)
	switch direction {
	case "bullish", "bearish", "neutral":
	default:
		return pipeline.Bias{}, completion.Cost, fmt.Errorf("model returned unknown direction %q", verdict.Direction)
	}

	return pipeline.Bias{
		Timeframe:  timeframe,
		Direction:  direction,
		Confidence: verdict.Confidence,
		Rationale:  verdict.Rationale,
	}, completion.Cost, nil
}

func heuristicBias(state *pipeline.State, timeframe string) pipeline.Bias {
	change, _ := state.MarketData["change_24h"].(float64)
	bias := pipeline.Bias{Timeframe: timeframe, Direction: "neutral", Confidence: 0.3}
	switch {
	case change > 1.0:
		bias.Direction = "bullish"
		bias.Confidence = 0.5
	case change < -1.0:
		bias.Direction = "bearish"
		bias.Confidence = 0.5
	}
	bias.Rationale = fmt.Sprintf("24h change %.2f%%", change)
	return bias
}
