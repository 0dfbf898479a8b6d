package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/quantpipe/internal/agents"
	"github.com/quantpipe/quantpipe/internal/approval"
	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

// stubAgent runs a canned state mutation in place of a real agent
type stubAgent struct {
	meta    agents.Metadata
	process func(st *pipeline.State) error
}

func (s *stubAgent) Metadata() agents.Metadata { return s.meta }

func (s *stubAgent) Process(_ context.Context, st *pipeline.State) error {
	if s.process == nil {
		return nil
	}
	return s.process(st)
}

// stubRegistry replaces every built-in factory with a scripted stub
func stubRegistry(behaviors map[string]func(st *pipeline.State) error, costs map[string]float64) *agents.Registry {
	r := agents.NewRegistry()
	for _, agentType := range []string{
		pipeline.AgentTimeTrigger,
		pipeline.AgentMarketData,
		pipeline.AgentBiasAnalysis,
		pipeline.AgentStrategy,
		pipeline.AgentRiskManager,
		pipeline.AgentTradeManager,
		pipeline.AgentReporting,
	} {
		at := agentType
		r.Register(agents.Metadata{Type: at, CostPerRun: costs[at]},
			func(nodeID string, _ map[string]interface{}, _ agents.Deps) (agents.Agent, error) {
				return &stubAgent{
					meta:    agents.Metadata{Type: at, CostPerRun: costs[at]},
					process: behaviors[at],
				}, nil
			})
	}
	return r
}

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBus) Publish(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) Name() string { return "capture" }

func tradingPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		Name:            "full-run",
		TriggerMode:     pipeline.TriggerPeriodic,
		Symbols:         []string{"BTCUSDT"},
		Mode:            pipeline.ModePaper,
		MonitorInterval: 30 * time.Second,
		Active:          true,
		Nodes: []pipeline.Node{
			{ID: "trigger", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentTimeTrigger},
			{ID: "market", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentMarketData},
			{ID: "bias", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentBiasAnalysis},
			{ID: "strategy", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentStrategy},
			{ID: "risk", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentRiskManager},
			{ID: "trade", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentTradeManager},
			{ID: "report", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentReporting},
		},
		Edges: []pipeline.Edge{
			{From: "trigger", To: "market"},
			{From: "market", To: "bias"},
			{From: "bias", To: "strategy"},
			{From: "strategy", To: "risk"},
			{From: "risk", To: "trade"},
			{From: "trade", To: "report"},
		},
	}
}

// happyBehaviors scripts a full approved run ending with a monitored fill
func happyBehaviors() map[string]func(st *pipeline.State) error {
	return map[string]func(st *pipeline.State) error{
		pipeline.AgentTimeTrigger: func(st *pipeline.State) error {
			st.TriggerMet = true
			st.TriggerReason = "window open"
			return nil
		},
		pipeline.AgentMarketData: func(st *pipeline.State) error {
			st.MarketData = map[string]interface{}{"price": 50000.0}
			return nil
		},
		pipeline.AgentStrategy: func(st *pipeline.State) error {
			st.Strategy = &pipeline.Strategy{Action: "BUY", EntryPrice: 50000, Quantity: 0.5, Confidence: 0.8}
			return nil
		},
		pipeline.AgentRiskManager: func(st *pipeline.State) error {
			st.RiskAssessment = &pipeline.RiskAssessment{Approved: true, PositionSize: 0.5}
			return nil
		},
		pipeline.AgentTradeManager: func(st *pipeline.State) error {
			st.TradeExecution = &pipeline.TradeExecution{
				Status: "filled", Side: "buy", Quantity: 0.5, FillPrice: 50000, RequiresMon: true,
			}
			return nil
		},
	}
}

func setup(t *testing.T, p *pipeline.Pipeline, behaviors map[string]func(st *pipeline.State) error, costs map[string]float64) (*Executor, *store.Memory, *store.Execution, *captureBus, *captureNotifier) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreatePipeline(ctx, p))

	bus := &captureBus{}
	notifier := &captureNotifier{}
	exec := New(st, st, stubRegistry(behaviors, costs), agents.Deps{Log: log.Logger}, bus, notifier)

	ex := store.NewExecution(p, "BTCUSDT", nil)
	require.NoError(t, st.Create(ctx, ex))
	return exec, st, ex, bus, notifier
}

func TestRunFullPipelineToMonitoring(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	exec, st, ex, _, _ := setup(t, p, happyBehaviors(), nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusMonitoring, loaded.Status)
	assert.Equal(t, pipeline.PhaseMonitoring, loaded.Phase)
	require.NotNil(t, loaded.NextCheckAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Second), *loaded.NextCheckAt, 5*time.Second)
	assert.NotNil(t, loaded.StartedAt)

	for _, id := range []string{"trigger", "market", "bias", "strategy", "risk", "trade"} {
		as := loaded.State.AgentStates[id]
		require.NotNil(t, as, id)
		assert.Equal(t, pipeline.AgentStateCompleted, as.Status, id)
	}
	// Reporting runs only after the monitored position closes; the walk
	// suspended at the trade manager hand-off.
	assert.NotContains(t, loaded.State.AgentStates, "report")
}

func TestRunCompletesWithoutMonitoring(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentTradeManager] = func(st *pipeline.State) error {
		st.TradeExecution = &pipeline.TradeExecution{Status: "filled", RequiresMon: false}
		return nil
	}
	exec, st, ex, _, _ := setup(t, p, behaviors, nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, loaded.Status)
	assert.Equal(t, pipeline.AgentStateCompleted, loaded.State.AgentStates["report"].Status)
}

func TestRunTriggerNotMet(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentTimeTrigger] = func(st *pipeline.State) error {
		st.TriggerReason = "outside trading window"
		return agents.ErrTriggerNotMet
	}
	exec, st, ex, _, _ := setup(t, p, behaviors, nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSkipped, loaded.Status)
	assert.Equal(t, "outside trading window", loaded.State.ExitReason)
	assert.Equal(t, pipeline.AgentStateSkipped, loaded.State.AgentStates["trigger"].Status)
	// Nothing downstream ran
	assert.NotContains(t, loaded.State.AgentStates, "market")
}

func TestRunRiskRejectionSkipsExecutionAgents(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentRiskManager] = func(st *pipeline.State) error {
		st.RiskAssessment = &pipeline.RiskAssessment{Approved: false, Reasons: []string{"risk/reward too low"}}
		return nil
	}
	exec, st, ex, _, _ := setup(t, p, behaviors, nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, loaded.Status)
	assert.Equal(t, "risk rejected the trade", loaded.State.ExitReason)

	trade := loaded.State.AgentStates["trade"]
	require.NotNil(t, trade)
	assert.Equal(t, pipeline.AgentStateSkipped, trade.Status)

	// Reporting is not an execution agent and still runs
	assert.Equal(t, pipeline.AgentStateCompleted, loaded.State.AgentStates["report"].Status)
	assert.Nil(t, loaded.State.TradeExecution)
}

func TestRunCriticalFailure(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentMarketData] = func(st *pipeline.State) error {
		return errors.New("feed unavailable")
	}
	exec, st, ex, bus, _ := setup(t, p, behaviors, nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, loaded.Status)
	require.NotNil(t, loaded.ErrorMessage)
	assert.Contains(t, *loaded.ErrorMessage, "feed unavailable")
	assert.Equal(t, pipeline.AgentStateFailed, loaded.State.AgentStates["market"].Status)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	var failed bool
	for _, ev := range bus.events {
		if ev.Type == events.TypePipelineFailed {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestRunNonCriticalFailureContinues(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentBiasAnalysis] = func(st *pipeline.State) error {
		return errors.New("model flaked")
	}
	exec, st, ex, _, _ := setup(t, p, behaviors, nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusMonitoring, loaded.Status)
	assert.Equal(t, pipeline.AgentStateFailed, loaded.State.AgentStates["bias"].Status)
	assert.Contains(t, loaded.State.Errors, "model flaked")
	// The rest of the pipeline still ran
	assert.Equal(t, pipeline.AgentStateCompleted, loaded.State.AgentStates["trade"].Status)
}

func TestRunBudgetExceededFails(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentBiasAnalysis] = func(st *pipeline.State) error {
		return agents.ErrBudgetExceeded
	}
	exec, st, ex, _, _ := setup(t, p, behaviors, nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, loaded.Status)
}

func TestRunCostAccounting(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	costs := map[string]float64{
		pipeline.AgentBiasAnalysis: 0.02,
		pipeline.AgentStrategy:     0.03,
	}
	exec, st, ex, _, _ := setup(t, p, happyBehaviors(), costs)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, loaded.State.TotalCost, 1e-9)
	assert.InDelta(t, 0.02, loaded.State.AgentCosts["bias"], 1e-9)
	assert.InDelta(t, 0.03, loaded.State.AgentCosts["strategy"], 1e-9)
}

// A step that failed before a suspension is re-run on resume and charged
// again. The cost counter must advance by each step's increment, not by the
// running per-agent total.
func TestRunCostMetricCountsIncrements(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	p.ApprovalRequired = true
	p.ApprovalTTL = 10 * time.Minute

	var biasRuns int
	behaviors := happyBehaviors()
	behaviors[pipeline.AgentBiasAnalysis] = func(st *pipeline.State) error {
		biasRuns++
		if biasRuns == 1 {
			return errors.New("model flaked")
		}
		st.Biases = map[string]pipeline.Bias{"4h": {Timeframe: "4h", Direction: "bullish", Confidence: 0.7}}
		return nil
	}
	costs := map[string]float64{pipeline.AgentBiasAnalysis: 0.02}
	exec, st, ex, _, _ := setup(t, p, behaviors, costs)

	before := testutil.ToFloat64(metrics.AgentCost.WithLabelValues(pipeline.AgentBiasAnalysis))

	require.NoError(t, exec.Run(ctx, ex.ID))

	gate := approval.New(st, st, nil, nil)
	require.NoError(t, gate.Approve(ctx, ex.ID))
	require.NoError(t, exec.ResumeApproved(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, biasRuns)
	assert.InDelta(t, 0.04, loaded.State.AgentCosts["bias"], 1e-9)

	after := testutil.ToFloat64(metrics.AgentCost.WithLabelValues(pipeline.AgentBiasAnalysis))
	assert.InDelta(t, 0.04, after-before, 1e-9)
}

func TestRunSuspendsForApproval(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	p.ApprovalRequired = true
	p.ApprovalTTL = 10 * time.Minute
	exec, st, ex, bus, notifier := setup(t, p, happyBehaviors(), nil)

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAwaitingApproval, loaded.Status)
	assert.Equal(t, pipeline.ApprovalPending, loaded.ApprovalStatus)
	require.NotNil(t, loaded.ApprovalToken)
	assert.Len(t, *loaded.ApprovalToken, 64)
	require.NotNil(t, loaded.ApprovalExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(10*time.Minute), *loaded.ApprovalExpiresAt, 5*time.Second)

	// The trade manager has not run
	assert.NotContains(t, loaded.State.AgentStates, "trade")
	assert.Nil(t, loaded.State.TradeExecution)

	bus.mu.Lock()
	var requested bool
	for _, ev := range bus.events {
		if ev.Type == events.TypeApprovalRequested {
			requested = true
		}
	}
	bus.mu.Unlock()
	assert.True(t, requested)

	notifier.mu.Lock()
	require.Len(t, notifier.sent, 1)
	n := notifier.sent[0]
	notifier.mu.Unlock()
	assert.Equal(t, notify.KindApprovalRequest, n.Kind)
	assert.Equal(t, *loaded.ApprovalToken, n.Data["approval_token"])

	t.Run("approve resumes through the trade manager", func(t *testing.T) {
		gate := approval.New(st, st, nil, nil)
		require.NoError(t, gate.Approve(ctx, ex.ID))
		require.NoError(t, exec.ResumeApproved(ctx, ex.ID))

		resumed, err := st.Load(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusMonitoring, resumed.Status)
		assert.Equal(t, pipeline.AgentStateCompleted, resumed.State.AgentStates["trade"].Status)
		require.NotNil(t, resumed.State.TradeExecution)

		// Completed steps were not re-run
		assert.Len(t, resumed.State.AgentStates, 6)
	})
}

func TestResumeWithoutApprovalIsIgnored(t *testing.T) {
	ctx := context.Background()
	p := tradingPipeline()
	p.ApprovalRequired = true
	p.ApprovalTTL = 10 * time.Minute
	exec, st, ex, _, _ := setup(t, p, happyBehaviors(), nil)

	require.NoError(t, exec.Run(ctx, ex.ID))
	require.NoError(t, exec.ResumeApproved(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAwaitingApproval, loaded.Status)
	assert.Equal(t, pipeline.ApprovalPending, loaded.ApprovalStatus)
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending cancels immediately", func(t *testing.T) {
		exec, st, ex, _, _ := setup(t, tradingPipeline(), happyBehaviors(), nil)
		require.NoError(t, exec.RequestCancel(ctx, ex.ID))

		loaded, err := st.Load(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusCancelled, loaded.Status)
		assert.Equal(t, "cancelled by user", loaded.State.ExitReason)
	})

	t.Run("awaiting approval cancels immediately and rejects the gate", func(t *testing.T) {
		p := tradingPipeline()
		p.ApprovalRequired = true
		p.ApprovalTTL = 10 * time.Minute
		exec, st, ex, _, _ := setup(t, p, happyBehaviors(), nil)
		require.NoError(t, exec.Run(ctx, ex.ID))

		require.NoError(t, exec.RequestCancel(ctx, ex.ID))
		loaded, err := st.Load(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusCancelled, loaded.Status)
		assert.Equal(t, pipeline.ApprovalRejected, loaded.ApprovalStatus)
	})

	t.Run("monitoring flags for the next poll", func(t *testing.T) {
		exec, st, ex, _, _ := setup(t, tradingPipeline(), happyBehaviors(), nil)
		require.NoError(t, exec.Run(ctx, ex.ID)) // ends in monitoring

		require.NoError(t, exec.RequestCancel(ctx, ex.ID))
		loaded, err := st.Load(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusMonitoring, loaded.Status)
		assert.True(t, loaded.CancelRequested)
	})

	t.Run("terminal refuses", func(t *testing.T) {
		exec, st, ex, _, _ := setup(t, tradingPipeline(), happyBehaviors(), nil)
		_, err := store.Update(ctx, st, ex.ID, func(e *store.Execution) error {
			e.Finish(pipeline.StatusCompleted, "")
			return nil
		})
		require.NoError(t, err)

		err = exec.RequestCancel(ctx, ex.ID)
		require.Error(t, err)
	})
}

func TestRunMissingPipelineFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	exec := New(st, st, stubRegistry(nil, nil), agents.Deps{Log: log.Logger}, nil, nil)

	p := tradingPipeline()
	ex := store.NewExecution(p, "BTCUSDT", nil)
	require.NoError(t, st.Create(ctx, ex))

	require.NoError(t, exec.Run(ctx, ex.ID))

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, loaded.Status)
}
