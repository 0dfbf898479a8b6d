package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/quantpipe/quantpipe/internal/broker"
	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func tradeManagerMetadata() Metadata {
	return Metadata{
		Type:              pipeline.AgentTradeManager,
		Description:       "Places the approved order through the broker and opens the monitoring phase",
		RequiresPosition:  false,
		CanInitiateTrades: true,
		CanClosePositions: true,
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"order_type": {
					Type:    "string",
					Default: "market",
					Enum:    []interface{}{"market", "limit"},
				},
				"monitor_after_fill": {
					Type:        "boolean",
					Description: "Hand the execution to the monitor loop after the order fills",
					Default:     true,
				},
				"tools": {
					Type:    "array",
					Items:   &Property{Type: "string"},
					Default: []interface{}{"broker"},
				},
			},
		},
	}
}

// TradeManager places the order the risk manager approved. In validation and
// simulation modes the fill is synthesized without touching the broker.
type TradeManager struct {
	base
	orderType        broker.OrderType
	monitorAfterFill bool
	budgetCheck      func(ctx context.Context, userID string) (float64, error)
}

// NewTradeManager constructs the trade manager agent
func NewTradeManager(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &TradeManager{
		base:             newBase(nodeID, pipeline.AgentTradeManager, config, deps),
		orderType:        broker.OrderType(configString(config, "order_type", "market")),
		monitorAfterFill: configBool(config, "monitor_after_fill", true),
		budgetCheck:      deps.BudgetCheck,
	}, nil
}

// Metadata describes the agent type
func (a *TradeManager) Metadata() Metadata { return tradeManagerMetadata() }

// Process places the order and records the trade execution
func (a *TradeManager) Process(ctx context.Context, state *pipeline.State) error {
	strat := state.Strategy
	if strat == nil {
		return fmt.Errorf("%w: trade manager requires a strategy", ErrInsufficientData)
	}
	if state.RiskAssessment == nil {
		return fmt.Errorf("%w: trade manager requires a risk assessment", ErrInsufficientData)
	}
	if !state.RiskAssessment.Approved {
		state.TradeExecution = &pipeline.TradeExecution{Status: "skipped"}
		state.Log(a.id, "info", "trade skipped: risk rejected")
		return nil
	}

	if a.budgetCheck != nil {
		remaining, err := a.budgetCheck(ctx, state.UserID)
		if err != nil {
			return &ProcessingError{AgentID: a.id, AgentType: pipeline.AgentTradeManager,
				Err: fmt.Errorf("budget check failed: %w", err)}
		}
		if remaining <= 0 {
			return fmt.Errorf("%w: daily budget exhausted for user %s", ErrBudgetExceeded, state.UserID)
		}
	}

	side := broker.SideBuy
	if strat.Action == "SELL" {
		side = broker.SideSell
	}

	// Validation and simulation runs never reach the broker
	if state.Mode == pipeline.ModeValidation || state.Mode == pipeline.ModeSimulation {
		now := time.Now().UTC()
		state.TradeExecution = &pipeline.TradeExecution{
			Status:    "filled",
			Side:      string(side),
			Quantity:  strat.Quantity,
			FillPrice: strat.EntryPrice,
			FilledAt:  &now,
		}
		state.Log(a.id, "info", "simulated fill: %s %.4f @ %.4f", side, strat.Quantity, strat.EntryPrice)
		return nil
	}

	brokerTool, ok := a.brokerTool()
	if !ok {
		return &ProcessingError{AgentID: a.id, AgentType: pipeline.AgentTradeManager,
			Err: fmt.Errorf("broker tool not loaded")}
	}

	// live executions must hit the live backend, paper ones the paper book
	backend := brokerTool.ForMode(state.Mode)
	if backend == nil {
		return &ProcessingError{AgentID: a.id, AgentType: pipeline.AgentTradeManager,
			Err: fmt.Errorf("no broker backend for mode %s", state.Mode)}
	}

	order, err := backend.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     state.Symbol,
		Side:       side,
		Type:       a.orderType,
		Quantity:   strat.Quantity,
		Price:      strat.EntryPrice,
		StopLoss:   strat.StopLoss,
		TakeProfit: strat.TakeProfit,
	})
	if err != nil {
		return &ProcessingError{AgentID: a.id, AgentType: pipeline.AgentTradeManager,
			Err: fmt.Errorf("order placement failed: %w", err)}
	}

	now := time.Now().UTC()
	state.TradeExecution = &pipeline.TradeExecution{
		OrderID:     order.ID,
		Status:      "filled",
		Side:        string(order.Side),
		Quantity:    order.Quantity,
		FillPrice:   order.FillPrice,
		RequiresMon: a.monitorAfterFill,
		FilledAt:    &now,
	}
	state.CurrentPosition = &pipeline.PositionSnapshot{
		Symbol:     state.Symbol,
		Side:       string(order.Side),
		Quantity:   order.Quantity,
		EntryPrice: order.FillPrice,
		MarkPrice:  order.FillPrice,
		StopLoss:   strat.StopLoss,
		TakeProfit: strat.TakeProfit,
		CheckedAt:  now,
	}
	state.Log(a.id, "info", "order filled: %s %.4f %s @ %.4f",
		order.Side, order.Quantity, state.Symbol, order.FillPrice)
	return nil
}
