package tools

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/broker"
	"github.com/quantpipe/quantpipe/internal/llm"
	"github.com/quantpipe/quantpipe/internal/market"
	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
)

// Deps holds the external clients tools wrap. BrokerFor routes orders to
// the backend matching the execution mode; Broker is the fallback when no
// routing is configured.
type Deps struct {
	Broker    broker.Broker
	BrokerFor func(mode pipeline.Mode) broker.Broker
	Market    market.Client
	LLM       llm.Client
	Notifier  notify.Notifier
}

// Factory builds a tool from its config block
type Factory func(deps Deps, config map[string]interface{}) (Tool, error)

// Registry maps tool names to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in tools registered
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("broker", func(deps Deps, _ map[string]interface{}) (Tool, error) {
		if deps.Broker == nil && deps.BrokerFor == nil {
			return nil, fmt.Errorf("no broker configured")
		}
		return BrokerTool{Broker: deps.Broker, Select: deps.BrokerFor}, nil
	})
	r.Register("market_data", func(deps Deps, _ map[string]interface{}) (Tool, error) {
		if deps.Market == nil {
			return nil, fmt.Errorf("no market data client configured")
		}
		return MarketDataTool{Client: deps.Market}, nil
	})
	r.Register("llm", func(deps Deps, _ map[string]interface{}) (Tool, error) {
		if deps.LLM == nil {
			return nil, fmt.Errorf("no LLM client configured")
		}
		return LLMTool{Client: deps.LLM}, nil
	})
	r.Register("notifier", func(deps Deps, _ map[string]interface{}) (Tool, error) {
		if deps.Notifier == nil {
			return nil, fmt.Errorf("no notifier configured")
		}
		return NotifierTool{Notifier: deps.Notifier}, nil
	})

	return r
}

// Register adds or replaces a tool factory
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Load instantiates the named tools. Individual load failures are logged and
// skipped; an agent missing a tool discovers it at process time.
func (r *Registry) Load(names []string, deps Deps, config map[string]interface{}) map[string]Tool {
	loaded := make(map[string]Tool, len(names))
	for _, name := range names {
		factory, ok := r.factories[name]
		if !ok {
			log.Warn().Str("tool", name).Msg("Unknown tool in agent config, skipping")
			continue
		}
		tool, err := factory(deps, config)
		if err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("Tool failed to load, skipping")
			continue
		}
		loaded[name] = tool
	}
	return loaded
}
