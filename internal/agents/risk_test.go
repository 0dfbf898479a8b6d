package agents

import (
	"context"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func newRiskManager(t *testing.T, config map[string]interface{}) Agent {
	t.Helper()
	agent, err := NewRiskManager("risk", config, Deps{Log: log.Logger})
	require.NoError(t, err)
	return agent
}

// buyProposal is entry 100, stop 98, target 106: risk 2, reward 6, r/r 3
func buyProposal() *pipeline.Strategy {
	return &pipeline.Strategy{
		Action:     "BUY",
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 106,
		Quantity:   2,
		Confidence: 0.8,
	}
}

func TestRiskManagerApproves(t *testing.T) {
	agent := newRiskManager(t, nil)
	st := triggerState()
	st.Strategy = buyProposal()

	require.NoError(t, agent.Process(context.Background(), st))

	ra := st.RiskAssessment
	require.NotNil(t, ra)
	assert.True(t, ra.Approved)
	assert.InDelta(t, 3.0, ra.RiskReward, 1e-9)
	assert.InDelta(t, 2.0, ra.PositionSize, 1e-9)
	assert.InDelta(t, 4.0, ra.MaxLoss, 1e-9)
	assert.Empty(t, ra.Reasons)
}

func TestRiskManagerRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("risk reward below minimum", func(t *testing.T) {
		agent := newRiskManager(t, nil)
		st := triggerState()
		st.Strategy = buyProposal()
		st.Strategy.TakeProfit = 102 // r/r 1

		require.NoError(t, agent.Process(ctx, st))
		require.NotNil(t, st.RiskAssessment)
		assert.False(t, st.RiskAssessment.Approved)
		require.Len(t, st.RiskAssessment.Reasons, 1)
		assert.Contains(t, st.RiskAssessment.Reasons[0], "risk/reward")
	})

	t.Run("position value over limit", func(t *testing.T) {
		agent := newRiskManager(t, map[string]interface{}{"max_position_value": 100.0})
		st := triggerState()
		st.Strategy = buyProposal() // notional 200

		require.NoError(t, agent.Process(ctx, st))
		assert.False(t, st.RiskAssessment.Approved)
		assert.Contains(t, st.RiskAssessment.Reasons[0], "position value")
	})

	t.Run("max loss over limit", func(t *testing.T) {
		agent := newRiskManager(t, map[string]interface{}{"max_loss": 3.0})
		st := triggerState()
		st.Strategy = buyProposal() // max loss 4

		require.NoError(t, agent.Process(ctx, st))
		assert.False(t, st.RiskAssessment.Approved)
		assert.Contains(t, st.RiskAssessment.Reasons[0], "max loss")
	})

	t.Run("stop on the wrong side", func(t *testing.T) {
		agent := newRiskManager(t, nil)
		st := triggerState()
		st.Strategy = buyProposal()
		st.Strategy.StopLoss = 105

		require.NoError(t, agent.Process(ctx, st))
		assert.False(t, st.RiskAssessment.Approved)
		assert.Contains(t, st.RiskAssessment.Reasons[0], "wrong side")
	})

	t.Run("hold proposes nothing", func(t *testing.T) {
		agent := newRiskManager(t, nil)
		st := triggerState()
		st.Strategy = &pipeline.Strategy{Action: "HOLD"}

		require.NoError(t, agent.Process(ctx, st))
		assert.False(t, st.RiskAssessment.Approved)
		assert.Equal(t, []string{"no trade proposed"}, st.RiskAssessment.Reasons)
	})
}

func TestRiskManagerSellSide(t *testing.T) {
	agent := newRiskManager(t, nil)
	st := triggerState()
	st.Strategy = &pipeline.Strategy{
		Action:     "SELL",
		EntryPrice: 100,
		StopLoss:   102,
		TakeProfit: 94,
		Quantity:   1,
	}

	require.NoError(t, agent.Process(context.Background(), st))
	assert.True(t, st.RiskAssessment.Approved)
	assert.InDelta(t, 3.0, st.RiskAssessment.RiskReward, 1e-9)
}

func TestRiskManagerRequiresStrategy(t *testing.T) {
	agent := newRiskManager(t, nil)
	err := agent.Process(context.Background(), triggerState())
	require.ErrorIs(t, err, ErrInsufficientData)
}
