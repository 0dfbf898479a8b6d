package agents

import (
	"context"
	"fmt"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func riskManagerMetadata() Metadata {
	return Metadata{
		Type:               pipeline.AgentRiskManager,
		Description:        "Approves or rejects the proposed trade on risk/reward and sizing limits",
		RequiresMarketData: true,
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"min_risk_reward": {
					Type:        "number",
					Description: "Minimum reward-to-risk ratio to approve a trade",
					Default:     2.0,
					Minimum:     floatPtr(0.1),
				},
				"max_position_value": {
					Type:        "number",
					Description: "Maximum notional value of a single position; 0 disables the check",
					Default:     0.0,
					Minimum:     floatPtr(0),
				},
				"max_loss": {
					Type:        "number",
					Description: "Maximum tolerated loss at the stop; 0 disables the check",
					Default:     0.0,
					Minimum:     floatPtr(0),
				},
			},
		},
	}
}

// RiskManager computes risk/reward for the strategy's proposal and writes the
// approval verdict. A rejection is a normal outcome, not an error.
type RiskManager struct {
	base
	minRiskReward    float64
	maxPositionValue float64
	maxLoss          float64
}

// NewRiskManager constructs the risk manager agent
func NewRiskManager(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &RiskManager{
		base:             newBase(nodeID, pipeline.AgentRiskManager, config, deps),
		minRiskReward:    configFloat(config, "min_risk_reward", 2.0),
		maxPositionValue: configFloat(config, "max_position_value", 0),
		maxLoss:          configFloat(config, "max_loss", 0),
	}, nil
}

// Metadata describes the agent type
func (a *RiskManager) Metadata() Metadata { return riskManagerMetadata() }

// Process writes state.RiskAssessment
func (a *RiskManager) Process(_ context.Context, state *pipeline.State) error {
	strat := state.Strategy
	if strat == nil {
		return fmt.Errorf("%w: risk manager requires a strategy", ErrInsufficientData)
	}

	assessment := &pipeline.RiskAssessment{}
	state.RiskAssessment = assessment

	if strat.Action == "HOLD" {
		assessment.Approved = false
		assessment.Reasons = append(assessment.Reasons, "no trade proposed")
		state.AddWarning(a.id, "risk: no trade proposed, nothing to approve")
		return nil
	}

	risk, reward, err := riskAndReward(strat)
	if err != nil {
		assessment.Approved = false
		assessment.Reasons = append(assessment.Reasons, err.Error())
		state.AddWarning(a.id, fmt.Sprintf("risk: %v", err))
		return nil
	}

	assessment.RiskReward = reward / risk
	assessment.PositionSize = strat.Quantity
	assessment.MaxLoss = risk * strat.Quantity

	approved := true
	if assessment.RiskReward < a.minRiskReward {
		approved = false
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("risk/reward %.2f below minimum %.2f", assessment.RiskReward, a.minRiskReward))
	}
	if a.maxPositionValue > 0 && strat.EntryPrice*strat.Quantity > a.maxPositionValue {
		approved = false
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("position value %.2f exceeds limit %.2f", strat.EntryPrice*strat.Quantity, a.maxPositionValue))
	}
	if a.maxLoss > 0 && assessment.MaxLoss > a.maxLoss {
		approved = false
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("max loss %.2f exceeds limit %.2f", assessment.MaxLoss, a.maxLoss))
	}

	assessment.Approved = approved
	if approved {
		state.Log(a.id, "info", "risk approved: r/r=%.2f max_loss=%.2f", assessment.RiskReward, assessment.MaxLoss)
	} else {
		for _, reason := range assessment.Reasons {
			state.AddWarning(a.id, "risk rejected: "+reason)
		}
	}
	return nil
}

func riskAndReward(strat *pipeline.Strategy) (risk, reward float64, err error) {
	if strat.EntryPrice <= 0 || strat.StopLoss <= 0 || strat.TakeProfit <= 0 {
		return 0, 0, fmt.Errorf("proposal is missing entry, stop or target")
	}
	switch strat.Action {
	case "BUY":
		risk = strat.EntryPrice - strat.StopLoss
		reward = strat.TakeProfit - strat.EntryPrice
	case "SELL":
		risk = strat.StopLoss - strat.EntryPrice
		reward = strat.EntryPrice - strat.TakeProfit
	default:
		return 0, 0, fmt.Errorf("unknown action %q", strat.Action)
	}
	if risk <= 0 {
		return 0, 0, fmt.Errorf("stop is on the wrong side of entry")
	}
	if reward <= 0 {
		return 0, 0, fmt.Errorf("target is on the wrong side of entry")
	}
	return risk, reward, nil
}
