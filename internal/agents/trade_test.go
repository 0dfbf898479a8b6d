package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/quantpipe/internal/broker"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/tools"
)

func approvedState(mode pipeline.Mode) *pipeline.State {
	st := triggerState()
	st.Mode = mode
	st.Strategy = buyProposal()
	st.RiskAssessment = &pipeline.RiskAssessment{Approved: true, PositionSize: 2}
	return st
}

func TestTradeManagerSimulatedFill(t *testing.T) {
	agent, err := NewTradeManager("trade", nil, Deps{Log: log.Logger})
	require.NoError(t, err)

	st := approvedState(pipeline.ModeValidation)
	require.NoError(t, agent.Process(context.Background(), st))

	te := st.TradeExecution
	require.NotNil(t, te)
	assert.Equal(t, "filled", te.Status)
	assert.Equal(t, "buy", te.Side)
	assert.InDelta(t, 2.0, te.Quantity, 1e-9)
	assert.InDelta(t, 100.0, te.FillPrice, 1e-9)
	assert.False(t, te.RequiresMon)
	assert.NotNil(t, te.FilledAt)
}

func TestTradeManagerSkipsRejectedTrade(t *testing.T) {
	agent, err := NewTradeManager("trade", nil, Deps{Log: log.Logger})
	require.NoError(t, err)

	st := approvedState(pipeline.ModePaper)
	st.RiskAssessment.Approved = false

	require.NoError(t, agent.Process(context.Background(), st))
	require.NotNil(t, st.TradeExecution)
	assert.Equal(t, "skipped", st.TradeExecution.Status)
}

func TestTradeManagerRequiredInputs(t *testing.T) {
	ctx := context.Background()
	agent, err := NewTradeManager("trade", nil, Deps{Log: log.Logger})
	require.NoError(t, err)

	t.Run("missing strategy", func(t *testing.T) {
		err := agent.Process(ctx, triggerState())
		require.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("missing risk assessment", func(t *testing.T) {
		st := triggerState()
		st.Strategy = buyProposal()
		err := agent.Process(ctx, st)
		require.ErrorIs(t, err, ErrInsufficientData)
	})
}

func TestTradeManagerBudgetExhausted(t *testing.T) {
	deps := Deps{
		Log: log.Logger,
		BudgetCheck: func(_ context.Context, _ string) (float64, error) {
			return 0, nil
		},
	}
	agent, err := NewTradeManager("trade", nil, deps)
	require.NoError(t, err)

	err = agent.Process(context.Background(), approvedState(pipeline.ModePaper))
	require.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestTradeManagerPlacesOrderThroughBroker(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaper(10000)
	paper.SetMarkPrice("BTCUSDT", 100)

	deps := Deps{
		Log:      log.Logger,
		Tools:    tools.NewRegistry(),
		ToolDeps: tools.Deps{Broker: paper},
	}
	config := map[string]interface{}{"tools": []interface{}{"broker"}}
	agent, err := NewTradeManager("trade", config, deps)
	require.NoError(t, err)

	st := approvedState(pipeline.ModePaper)
	require.NoError(t, agent.Process(ctx, st))

	te := st.TradeExecution
	require.NotNil(t, te)
	assert.Equal(t, "filled", te.Status)
	assert.NotEmpty(t, te.OrderID)
	assert.InDelta(t, 100.0, te.FillPrice, 1e-9)
	assert.True(t, te.RequiresMon)

	pos := st.CurrentPosition
	require.NotNil(t, pos)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.InDelta(t, 98.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 106.0, pos.TakeProfit, 1e-9)

	held, err := paper.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, held.Quantity, 1e-9)
}

// Orders must land on the backend matching the execution mode: a live run
// routed to the paper book would report fills no exchange ever saw.
func TestTradeManagerRoutesOrdersByMode(t *testing.T) {
	ctx := context.Background()
	paperBook := broker.NewPaper(10000)
	paperBook.SetMarkPrice("BTCUSDT", 100)
	liveBook := broker.NewPaper(10000)
	liveBook.SetMarkPrice("BTCUSDT", 100)

	deps := Deps{
		Log:   log.Logger,
		Tools: tools.NewRegistry(),
		ToolDeps: tools.Deps{
			Broker: paperBook,
			BrokerFor: func(mode pipeline.Mode) broker.Broker {
				if mode == pipeline.ModeLive {
					return liveBook
				}
				return paperBook
			},
		},
	}
	config := map[string]interface{}{"tools": []interface{}{"broker"}}

	t.Run("live order reaches the live backend", func(t *testing.T) {
		agent, err := NewTradeManager("trade", config, deps)
		require.NoError(t, err)

		st := approvedState(pipeline.ModeLive)
		require.NoError(t, agent.Process(ctx, st))

		held, err := liveBook.GetPosition(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.InDelta(t, 2.0, held.Quantity, 1e-9)

		_, err = paperBook.GetPosition(ctx, "BTCUSDT")
		require.ErrorIs(t, err, broker.ErrNoPosition)
	})

	t.Run("paper order stays on the paper book", func(t *testing.T) {
		agent, err := NewTradeManager("trade", config, deps)
		require.NoError(t, err)

		st := approvedState(pipeline.ModePaper)
		require.NoError(t, agent.Process(ctx, st))

		held, err := paperBook.GetPosition(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.InDelta(t, 2.0, held.Quantity, 1e-9)
	})
}

func TestTradeManagerWithoutBrokerTool(t *testing.T) {
	agent, err := NewTradeManager("trade", nil, Deps{Log: log.Logger})
	require.NoError(t, err)

	err = agent.Process(context.Background(), approvedState(pipeline.ModePaper))
	require.Error(t, err)
	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Error(), "broker tool not loaded")
}
