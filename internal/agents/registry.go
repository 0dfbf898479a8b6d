package agents

import (
	"fmt"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

// Factory builds an agent instance for one pipeline node. The config passed
// in has already had schema defaults applied and required fields checked.
type Factory func(nodeID string, config map[string]interface{}, deps Deps) (Agent, error)

type registration struct {
	metadata Metadata
	factory  Factory
}

// Registry maps agent_type strings to factories
type Registry struct {
	types map[string]registration
}

// NewRegistry creates a registry with the built-in agent types registered
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]registration)}

	r.Register(timeTriggerMetadata(), NewTimeTrigger)
	r.Register(signalTriggerMetadata(), NewSignalTrigger)
	r.Register(marketDataMetadata(), NewMarketData)
	r.Register(biasAnalysisMetadata(), NewBiasAnalysis)
	r.Register(strategyMetadata(), NewStrategy)
	r.Register(riskManagerMetadata(), NewRiskManager)
	r.Register(tradeManagerMetadata(), NewTradeManager)
	r.Register(reportingMetadata(), NewReporting)

	return r
}

// Register adds or replaces an agent type
func (r *Registry) Register(metadata Metadata, factory Factory) {
	r.types[metadata.Type] = registration{metadata: metadata, factory: factory}
}

// Metadata returns the declared metadata for an agent type
func (r *Registry) Metadata(agentType string) (Metadata, error) {
	reg, ok := r.types[agentType]
	if !ok {
		return Metadata{}, fmt.Errorf("unknown agent type: %s", agentType)
	}
	return reg.metadata, nil
}

// Types lists the registered agent types
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

// Build constructs the agent for a pipeline node: defaults are applied from
// the type's config schema, required fields are enforced, tools are loaded.
func (r *Registry) Build(node pipeline.Node, deps Deps) (Agent, error) {
	if node.Kind != pipeline.NodeKindAgent {
		return nil, fmt.Errorf("node %s is not an agent node", node.ID)
	}
	reg, ok := r.types[node.Type]
	if !ok {
		return nil, fmt.Errorf("unknown agent type: %s", node.Type)
	}

	config := node.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	config = reg.metadata.ConfigSchema.ApplyDefaults(config)
	if err := reg.metadata.ConfigSchema.Validate(config); err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}

	return reg.factory(node.ID, config, deps)
}
