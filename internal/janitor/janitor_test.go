package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBus) Publish(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureBus) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func sweepPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Name:        "swept",
		TriggerMode: pipeline.TriggerPeriodic,
		Symbols:     []string{"BTCUSDT"},
		Mode:        pipeline.ModePaper,
		Active:      true,
	}
}

func testConfig() Config {
	return Config{
		Interval:          time.Minute,
		RunningTimeout:    20 * time.Minute,
		MonitoringTimeout: 25 * time.Hour,
		Retention:         30 * 24 * time.Hour,
	}
}

func TestSweepFailsStaleRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := &captureBus{}
	j := New(st, st, bus, testConfig())

	old := time.Now().UTC().Add(-time.Hour)
	stale := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	stale.Status = pipeline.StatusRunning
	stale.StartedAt = &old
	require.NoError(t, st.Create(ctx, stale))

	fresh := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	fresh.Status = pipeline.StatusRunning
	now := time.Now().UTC()
	fresh.StartedAt = &now
	require.NoError(t, st.Create(ctx, fresh))

	j.Sweep(ctx)

	loaded, err := st.Load(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, loaded.Status)
	assert.True(t, loaded.State.StaleAutoFailed)
	assert.Equal(t, true, loaded.State.Result()["stale_auto_failed"])
	require.NotNil(t, loaded.ErrorMessage)
	assert.Contains(t, *loaded.ErrorMessage, "no progress")

	untouched, err := st.Load(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, untouched.Status)

	assert.Equal(t, 1, bus.count(events.TypePipelineFailed))

	t.Run("second sweep is idempotent", func(t *testing.T) {
		j.Sweep(ctx)
		again, err := st.Load(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, loaded.Version, again.Version)
		assert.Equal(t, 1, bus.count(events.TypePipelineFailed))
	})
}

func TestSweepFailsStaleMonitoring(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := &captureBus{}
	j := New(st, st, bus, testConfig())

	veryOld := time.Now().UTC().Add(-26 * time.Hour)
	next := time.Now().UTC().Add(time.Minute)

	stale := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	stale.Status = pipeline.StatusMonitoring
	stale.StartedAt = &veryOld
	stale.NextCheckAt = &next
	require.NoError(t, st.Create(ctx, stale))

	// Paused for the user: the janitor must never touch it
	paused := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	paused.Status = pipeline.StatusCommunicationError
	paused.StartedAt = &veryOld
	require.NoError(t, st.Create(ctx, paused))

	j.Sweep(ctx)

	loaded, err := st.Load(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, loaded.Status)
	assert.True(t, loaded.State.StaleAutoFailed)
	assert.Nil(t, loaded.NextCheckAt)

	stillPaused, err := st.Load(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCommunicationError, stillPaused.Status)
	assert.False(t, stillPaused.State.StaleAutoFailed)
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	j := New(st, st, events.NopPublisher{}, testConfig())

	ancient := time.Now().UTC().Add(-31 * 24 * time.Hour)
	old := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	old.Finish(pipeline.StatusCompleted, "")
	old.CompletedAt = &ancient
	require.NoError(t, st.Create(ctx, old))

	recent := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	recent.Finish(pipeline.StatusCompleted, "")
	require.NoError(t, st.Create(ctx, recent))

	j.Sweep(ctx)

	_, err := st.Load(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Load(ctx, recent.ID)
	require.NoError(t, err)
}

func TestSweepResetsBudgets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	j := New(st, st, events.NopPublisher{}, testConfig())

	userID := uuid.New()
	require.NoError(t, st.AddSpend(ctx, userID, 3))

	// The counter is fresh, so the sweep leaves it alone
	j.Sweep(ctx)
	b, err := st.GetBudget(ctx, userID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, b.DailySpent, 1e-9)
}

func TestSweepSkipsRacedTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := &captureBus{}
	j := New(st, st, bus, testConfig())

	old := time.Now().UTC().Add(-time.Hour)
	ex := store.NewExecution(sweepPipeline(), "BTCUSDT", nil)
	ex.Status = pipeline.StatusRunning
	ex.StartedAt = &old
	require.NoError(t, st.Create(ctx, ex))

	// The execution completes between the scan and the write
	_, err := store.Update(ctx, st, ex.ID, func(e *store.Execution) error {
		e.Finish(pipeline.StatusCompleted, "")
		return nil
	})
	require.NoError(t, err)

	j.Sweep(ctx)

	loaded, err := st.Load(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, loaded.Status)
	assert.False(t, loaded.State.StaleAutoFailed)
	assert.Zero(t, bus.count(events.TypePipelineFailed))
}

func TestConfigBackfill(t *testing.T) {
	j := New(store.NewMemory(), nil, nil, Config{})
	assert.Equal(t, DefaultConfig(), j.cfg)
}
