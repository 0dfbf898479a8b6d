// Package janitor runs the background hygiene sweeps: force-failing
// executions that stopped making progress, pruning old terminal rows and
// resetting daily budget counters. Every sweep is idempotent, so overlapping
// or repeated runs converge to the same state.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

// Config tunes the sweep thresholds
type Config struct {
	// Interval between sweeps
	Interval time.Duration

	// RunningTimeout force-fails pending/running executions older than this
	RunningTimeout time.Duration

	// MonitoringTimeout force-fails monitoring executions older than this.
	// Communication-error executions paused for the user are never touched.
	MonitoringTimeout time.Duration

	// Retention controls how long terminal executions are kept
	Retention time.Duration
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		RunningTimeout:    20 * time.Minute,
		MonitoringTimeout: 25 * time.Hour,
		Retention:         30 * 24 * time.Hour,
	}
}

// Janitor sweeps the execution table
type Janitor struct {
	store   store.Store
	budgets store.BudgetStore
	bus     events.Publisher
	cfg     Config
	log     zerolog.Logger
}

// New creates a janitor
func New(st store.Store, budgets store.BudgetStore, bus events.Publisher, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = DefaultConfig().RunningTimeout
	}
	if cfg.MonitoringTimeout <= 0 {
		cfg.MonitoringTimeout = DefaultConfig().MonitoringTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Janitor{
		store:   st,
		budgets: budgets,
		bus:     bus,
		cfg:     cfg,
		log:     log.With().Str("component", "janitor").Logger(),
	}
}

// Run sweeps on the configured cadence until the context is cancelled
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.log.Info().
		Dur("interval", j.cfg.Interval).
		Dur("running_timeout", j.cfg.RunningTimeout).
		Dur("monitoring_timeout", j.cfg.MonitoringTimeout).
		Msg("Janitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs every hygiene pass once. Individual failures are logged and do
// not abort the remaining passes.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := j.failStaleRunning(ctx, now); err != nil {
		j.log.Error().Err(err).Msg("Stale running sweep failed")
	} else if n > 0 {
		metrics.JanitorSweeps.WithLabelValues("stale_running").Add(float64(n))
		j.log.Warn().Int("executions", n).Msg("Force-failed stale running executions")
	}

	if n, err := j.failStaleMonitoring(ctx, now); err != nil {
		j.log.Error().Err(err).Msg("Stale monitoring sweep failed")
	} else if n > 0 {
		metrics.JanitorSweeps.WithLabelValues("stale_monitoring").Add(float64(n))
		j.log.Warn().Int("executions", n).Msg("Force-failed stale monitoring executions")
	}

	if n, err := j.store.DeleteTerminalOlderThan(ctx, now.Add(-j.cfg.Retention)); err != nil {
		j.log.Error().Err(err).Msg("Retention sweep failed")
	} else if n > 0 {
		metrics.JanitorSweeps.WithLabelValues("retention").Add(float64(n))
		j.log.Info().Int64("executions", n).Msg("Pruned old terminal executions")
	}

	if j.budgets != nil {
		if _, err := j.budgets.ResetDailyBudgets(ctx, now); err != nil {
			j.log.Error().Err(err).Msg("Budget reset failed")
		}
	}
}

func (j *Janitor) failStaleRunning(ctx context.Context, now time.Time) (int, error) {
	ids, err := j.store.StaleRunning(ctx, now.Add(-j.cfg.RunningTimeout))
	if err != nil {
		return 0, fmt.Errorf("list stale running: %w", err)
	}
	var failed int
	for _, id := range ids {
		reason := fmt.Sprintf("execution made no progress for %s", j.cfg.RunningTimeout)
		if err := j.forceFail(ctx, id, reason); err != nil {
			j.log.Error().Err(err).Str("execution_id", id.String()).Msg("Failed to force-fail stale execution")
			continue
		}
		failed++
	}
	return failed, nil
}

func (j *Janitor) failStaleMonitoring(ctx context.Context, now time.Time) (int, error) {
	ids, err := j.store.StaleMonitoring(ctx, now.Add(-j.cfg.MonitoringTimeout))
	if err != nil {
		return 0, fmt.Errorf("list stale monitoring: %w", err)
	}
	var failed int
	for _, id := range ids {
		reason := fmt.Sprintf("monitoring exceeded %s without closing", j.cfg.MonitoringTimeout)
		if err := j.forceFail(ctx, id, reason); err != nil {
			j.log.Error().Err(err).Str("execution_id", id.String()).Msg("Failed to force-fail stale monitoring execution")
			continue
		}
		failed++
	}
	return failed, nil
}

// forceFail moves one stale execution to failed. Executions that reached a
// terminal status between the scan and the write are left alone.
func (j *Janitor) forceFail(ctx context.Context, id uuid.UUID, reason string) error {
	var skipped bool
	updated, err := store.Update(ctx, j.store, id, func(ex *store.Execution) error {
		if ex.Terminal() {
			skipped = true
			return nil
		}
		if ex.State != nil {
			ex.State.StaleAutoFailed = true
			ex.State.ExitReason = reason
			ex.State.AddError("", reason)
		}
		ex.Finish(pipeline.StatusFailed, reason)
		return nil
	})
	if err != nil {
		return err
	}
	if skipped {
		return nil
	}

	j.bus.Publish(events.Event{
		Type:        events.TypePipelineFailed,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          time.Now().UTC(),
		Payload: map[string]interface{}{
			"error":             reason,
			"stale_auto_failed": true,
		},
	})
	return nil
}
