package agents

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func triggerState() *pipeline.State {
	return &pipeline.State{Symbol: "BTCUSDT", Mode: pipeline.ModePaper}
}

func newTimeTriggerAt(t *testing.T, config map[string]interface{}, now time.Time) *TimeTrigger {
	t.Helper()
	agent, err := NewTimeTrigger("trigger", config, Deps{Log: log.Logger})
	require.NoError(t, err)
	tt := agent.(*TimeTrigger)
	tt.now = func() time.Time { return now }
	return tt
}

func TestTimeTriggerWindow(t *testing.T) {
	ctx := context.Background()
	wednesdayNoon := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	t.Run("fires inside the window", func(t *testing.T) {
		tt := newTimeTriggerAt(t, map[string]interface{}{
			"window_start_hour": 9.0,
			"window_end_hour":   17.0,
		}, wednesdayNoon)

		st := triggerState()
		require.NoError(t, tt.Process(ctx, st))
		assert.True(t, st.TriggerMet)
		assert.Equal(t, "schedule window open", st.TriggerReason)
	})

	t.Run("refuses outside the window", func(t *testing.T) {
		tt := newTimeTriggerAt(t, map[string]interface{}{
			"window_start_hour": 9.0,
			"window_end_hour":   17.0,
		}, time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC))

		st := triggerState()
		err := tt.Process(ctx, st)
		require.ErrorIs(t, err, ErrTriggerNotMet)
		assert.False(t, st.TriggerMet)
		assert.Equal(t, "outside trading window 09:00-17:00 UTC", st.TriggerReason)
	})

	t.Run("end hour is exclusive", func(t *testing.T) {
		tt := newTimeTriggerAt(t, map[string]interface{}{
			"window_start_hour": 9.0,
			"window_end_hour":   17.0,
		}, time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC))

		err := tt.Process(ctx, triggerState())
		require.ErrorIs(t, err, ErrTriggerNotMet)
	})

	t.Run("weekdays only refuses saturday", func(t *testing.T) {
		saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
		tt := newTimeTriggerAt(t, map[string]interface{}{"weekdays_only": true}, saturday)

		st := triggerState()
		err := tt.Process(ctx, st)
		require.ErrorIs(t, err, ErrTriggerNotMet)
		assert.Equal(t, "outside trading days", st.TriggerReason)
	})

	t.Run("defaults fire all day", func(t *testing.T) {
		tt := newTimeTriggerAt(t, nil, time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC))
		st := triggerState()
		require.NoError(t, tt.Process(ctx, st))
		assert.True(t, st.TriggerMet)
	})
}

func TestSignalTrigger(t *testing.T) {
	ctx := context.Background()
	agent, err := NewSignalTrigger("trigger", map[string]interface{}{"min_strength": 0.5}, Deps{Log: log.Logger})
	require.NoError(t, err)

	t.Run("fires on a strong signal", func(t *testing.T) {
		st := triggerState()
		st.SignalData = map[string]interface{}{"strength": 0.8, "source": "tradingview"}
		require.NoError(t, agent.Process(ctx, st))
		assert.True(t, st.TriggerMet)
		assert.Equal(t, "signal strength 0.80", st.TriggerReason)
	})

	t.Run("refuses a weak signal", func(t *testing.T) {
		st := triggerState()
		st.SignalData = map[string]interface{}{"strength": 0.3}
		err := agent.Process(ctx, st)
		require.ErrorIs(t, err, ErrTriggerNotMet)
		assert.Equal(t, "signal strength 0.30 below threshold 0.50", st.TriggerReason)
	})

	t.Run("refuses without signal data", func(t *testing.T) {
		st := triggerState()
		err := agent.Process(ctx, st)
		require.ErrorIs(t, err, ErrTriggerNotMet)
		assert.Equal(t, "no signal data", st.TriggerReason)
	})
}
