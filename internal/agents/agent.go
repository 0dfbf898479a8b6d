// Package agents implements the pipeline steps: triggers, market data,
// analysis, risk, trade management and reporting. Agents are stateless;
// everything they read and write lives in the execution state envelope.
package agents

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quantpipe/quantpipe/internal/llm"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/tools"
)

// llmCompleter is the slice of llm.Client the analysis agents consume
type llmCompleter = llm.Client

// Metadata describes an agent type: its declared inputs, capabilities,
// pricing and config schema.
type Metadata struct {
	Type        string `json:"type"`
	Description string `json:"description"`

	RequiresTimeframes bool `json:"requires_timeframes"`
	RequiresMarketData bool `json:"requires_market_data"`
	RequiresPosition   bool `json:"requires_position"`

	CanInitiateTrades bool `json:"can_initiate_trades"`
	CanClosePositions bool `json:"can_close_positions"`

	// CostPerRun is the fixed cost charged per invocation, on top of any
	// LLM usage cost the agent accounts for itself.
	CostPerRun float64 `json:"cost_per_run"`

	ConfigSchema ConfigSchema `json:"config_schema"`
}

// Agent is one executable pipeline step
type Agent interface {
	Metadata() Metadata

	// Process reads its inputs from the state envelope and writes its
	// outputs back. It returns ErrTriggerNotMet, ErrInsufficientData,
	// ErrBudgetExceeded or a *ProcessingError.
	Process(ctx context.Context, state *pipeline.State) error
}

// Deps holds the external collaborators injected into agent constructors
type Deps struct {
	Tools    *tools.Registry
	ToolDeps tools.Deps
	Log      zerolog.Logger

	// BudgetCheck reports the user's remaining daily budget. Nil disables
	// budget enforcement.
	BudgetCheck func(ctx context.Context, userID string) (remaining float64, err error)
}

// base carries the fields shared by every concrete agent
type base struct {
	id     string
	config map[string]interface{}
	tools  map[string]tools.Tool
	log    zerolog.Logger
}

func newBase(id string, agentType string, config map[string]interface{}, deps Deps) base {
	toolNames := configStringSlice(config, "tools")
	var loaded map[string]tools.Tool
	if deps.Tools != nil {
		loaded = deps.Tools.Load(toolNames, deps.ToolDeps, config)
	}
	return base{
		id:     id,
		config: config,
		tools:  loaded,
		log:    deps.Log.With().Str("agent_id", id).Str("agent_type", agentType).Logger(),
	}
}

func (b *base) brokerTool() (tools.BrokerTool, bool) {
	t, ok := b.tools["broker"].(tools.BrokerTool)
	return t, ok
}

func (b *base) marketTool() (tools.MarketDataTool, bool) {
	t, ok := b.tools["market_data"].(tools.MarketDataTool)
	return t, ok
}

func (b *base) llmTool() (tools.LLMTool, bool) {
	t, ok := b.tools["llm"].(tools.LLMTool)
	return t, ok
}

func (b *base) notifierTool() (tools.NotifierTool, bool) {
	t, ok := b.tools["notifier"].(tools.NotifierTool)
	return t, ok
}

func configString(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configFloat(config map[string]interface{}, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func configBool(config map[string]interface{}, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

func configStringSlice(config map[string]interface{}, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
