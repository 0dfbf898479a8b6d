// Package tools provides the adapters agents plug in by configuration:
// broker access, market data, LLM completion and notifications. Tools are
// data/action adapters, never pipeline steps.
package tools

import (
	"github.com/quantpipe/quantpipe/internal/broker"
	"github.com/quantpipe/quantpipe/internal/llm"
	"github.com/quantpipe/quantpipe/internal/market"
	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
)

// Tool is a named adapter handed to an agent. Agents assert to the concrete
// tool type they declared in config.
type Tool interface {
	Name() string
}

// BrokerTool exposes order placement and position queries. The backend is
// resolved per execution mode: live executions must never reach the paper
// broker and vice versa.
type BrokerTool struct {
	Broker broker.Broker
	Select func(mode pipeline.Mode) broker.Broker
}

// ForMode resolves the broker backend for an execution mode, falling back
// to the default backend when no selector is wired.
func (t BrokerTool) ForMode(mode pipeline.Mode) broker.Broker {
	if t.Select != nil {
		if b := t.Select(mode); b != nil {
			return b
		}
	}
	return t.Broker
}

// Name identifies the tool in agent config
func (BrokerTool) Name() string { return "broker" }

// MarketDataTool exposes quotes, candles and indicator snapshots
type MarketDataTool struct {
	Client market.Client
}

// Name identifies the tool in agent config
func (MarketDataTool) Name() string { return "market_data" }

// LLMTool exposes chat completion with cost accounting
type LLMTool struct {
	Client llm.Client
}

// Name identifies the tool in agent config
func (LLMTool) Name() string { return "llm" }

// NotifierTool exposes fire-and-forget user notifications
type NotifierTool struct {
	Notifier notify.Notifier
}

// Name identifies the tool in agent config
func (NotifierTool) Name() string { return "notifier" }
