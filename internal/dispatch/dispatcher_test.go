package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

func periodicPipeline(symbols ...string) *pipeline.Pipeline {
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	return &pipeline.Pipeline{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Name:        "periodic",
		TriggerMode: pipeline.TriggerPeriodic,
		Symbols:     symbols,
		Mode:        pipeline.ModePaper,
		Active:      true,
		Nodes: []pipeline.Node{
			{ID: "trigger", Kind: pipeline.NodeKindAgent, Type: pipeline.AgentTimeTrigger},
		},
	}
}

func signalPipeline() *pipeline.Pipeline {
	p := periodicPipeline()
	p.Name = "signal"
	p.TriggerMode = pipeline.TriggerSignal
	p.Symbols = nil
	p.Nodes[0].Type = pipeline.AgentSignalTrigger
	return p
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *Pool) {
	t.Helper()
	st := store.NewMemory()
	pool := NewPool(nil, nil, nil, 8)
	return NewDispatcher(st, st, pool), st, pool
}

func TestScanStartsExecutions(t *testing.T) {
	ctx := context.Background()
	d, st, pool := newTestDispatcher(t)

	p := periodicPipeline("BTCUSDT", "ETHUSDT")
	require.NoError(t, st.CreatePipeline(ctx, p))

	inactive := periodicPipeline("SOLUSDT")
	inactive.Active = false
	require.NoError(t, st.CreatePipeline(ctx, inactive))

	d.Scan(ctx)

	all, err := st.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, ex := range all {
		assert.Equal(t, p.ID, ex.PipelineID)
		assert.Equal(t, pipeline.StatusPending, ex.Status)
	}
	assert.Len(t, pool.tasks, 2)

	t.Run("second scan respects single-flight", func(t *testing.T) {
		d.Scan(ctx)
		all, err := st.List(ctx, store.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("terminal execution frees the slot", func(t *testing.T) {
		_, err := store.Update(ctx, st, all[0].ID, func(e *store.Execution) error {
			e.Finish(pipeline.StatusCompleted, "")
			return nil
		})
		require.NoError(t, err)

		d.Scan(ctx)
		after, err := st.List(ctx, store.Filter{})
		require.NoError(t, err)
		assert.Len(t, after, 3)
	})
}

func TestIntakeSignal(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDispatcher(t)

	p := signalPipeline()
	require.NoError(t, st.CreatePipeline(ctx, p))

	id, err := d.IntakeSignal(ctx, p.ID, "BTCUSDT", map[string]interface{}{"source": "tradingview"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	ex, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tradingview", ex.State.SignalData["source"])
	assert.Equal(t, pipeline.StatusPending, ex.Status)

	t.Run("in-flight pair returns nil id", func(t *testing.T) {
		dup, err := d.IntakeSignal(ctx, p.ID, "BTCUSDT", nil)
		require.NoError(t, err)
		assert.Equal(t, uuid.Nil, dup)
	})

	t.Run("different symbol starts its own run", func(t *testing.T) {
		other, err := d.IntakeSignal(ctx, p.ID, "ETHUSDT", nil)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, other)
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		_, err := d.IntakeSignal(ctx, uuid.New(), "BTCUSDT", nil)
		require.ErrorIs(t, err, store.ErrPipelineNotFound)
	})

	t.Run("inactive pipeline rejected", func(t *testing.T) {
		off := signalPipeline()
		off.Active = false
		require.NoError(t, st.CreatePipeline(ctx, off))
		_, err := d.IntakeSignal(ctx, off.ID, "BTCUSDT", nil)
		require.ErrorContains(t, err, "not active")
	})

	t.Run("periodic pipeline rejects signals", func(t *testing.T) {
		per := periodicPipeline()
		require.NoError(t, st.CreatePipeline(ctx, per))
		_, err := d.IntakeSignal(ctx, per.ID, "BTCUSDT", nil)
		require.ErrorContains(t, err, "does not accept signals")
	})
}
