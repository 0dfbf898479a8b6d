package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

// scanInterval is the periodic trigger cadence
const scanInterval = 60 * time.Second

// Dispatcher turns trigger conditions into pending executions. Periodic
// pipelines are scanned on a fixed cadence; signal pipelines go through
// IntakeSignal. Both paths enforce single-flight per (pipeline, symbol).
type Dispatcher struct {
	store     store.Store
	pipelines store.PipelineStore
	pool      *Pool
	interval  time.Duration
	log       zerolog.Logger
}

// NewDispatcher creates a trigger dispatcher
func NewDispatcher(st store.Store, ps store.PipelineStore, pool *Pool) *Dispatcher {
	return &Dispatcher{
		store:     st,
		pipelines: ps,
		pool:      pool,
		interval:  scanInterval,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run scans periodic pipelines until the context is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info().Dur("interval", d.interval).Msg("Trigger dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}

// Scan runs one pass over active periodic pipelines
func (d *Dispatcher) Scan(ctx context.Context) {
	pipelines, err := d.pipelines.ListActivePeriodic(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("Periodic pipeline scan failed")
		return
	}

	var started int
	for _, p := range pipelines {
		for _, symbol := range p.Symbols {
			launched, err := d.launch(ctx, p, symbol, nil)
			if err != nil {
				d.log.Error().Err(err).
					Str("pipeline_id", p.ID.String()).
					Str("symbol", symbol).
					Msg("Failed to start periodic execution")
				continue
			}
			if launched {
				started++
			}
		}
	}
	if started > 0 {
		d.log.Info().Int("executions", started).Msg("Periodic scan started executions")
	}
}

// IntakeSignal starts an execution for an external signal. Returns the new
// execution id, or uuid.Nil when one is already in flight for the pair.
func (d *Dispatcher) IntakeSignal(ctx context.Context, pipelineID uuid.UUID, symbol string, signalData map[string]interface{}) (uuid.UUID, error) {
	p, err := d.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return uuid.Nil, err
	}
	if !p.Active {
		return uuid.Nil, fmt.Errorf("pipeline %s is not active", pipelineID)
	}
	if p.TriggerMode != pipeline.TriggerSignal {
		return uuid.Nil, fmt.Errorf("pipeline %s does not accept signals", pipelineID)
	}

	ex, err := d.start(ctx, p, symbol, signalData)
	if err != nil {
		return uuid.Nil, err
	}
	if ex == nil {
		return uuid.Nil, nil
	}
	return ex.ID, nil
}

// launch is the periodic path: skip silently when one is already in flight
func (d *Dispatcher) launch(ctx context.Context, p *pipeline.Pipeline, symbol string, signalData map[string]interface{}) (bool, error) {
	ex, err := d.start(ctx, p, symbol, signalData)
	if err != nil {
		return false, err
	}
	return ex != nil, nil
}

// start creates and enqueues a pending execution unless the single-flight
// check finds an active one. The check and the insert are not atomic; a rare
// duplicate resolves at the trigger agent, which sees the other run's
// position and declines.
func (d *Dispatcher) start(ctx context.Context, p *pipeline.Pipeline, symbol string, signalData map[string]interface{}) (*store.Execution, error) {
	active, err := d.store.HasActive(ctx, p.ID, symbol)
	if err != nil {
		return nil, fmt.Errorf("single-flight check: %w", err)
	}
	if active {
		d.log.Debug().
			Str("pipeline_id", p.ID.String()).
			Str("symbol", symbol).
			Msg("Execution already in flight, skipping")
		return nil, nil
	}

	ex := store.NewExecution(p, symbol, signalData)
	if err := d.store.Create(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	d.pool.Enqueue(Task{Kind: TaskRunExecution, ExecutionID: ex.ID})
	metrics.ExecutionsStarted.WithLabelValues(string(p.Mode)).Inc()
	d.log.Info().
		Str("execution_id", ex.ID.String()).
		Str("pipeline_id", p.ID.String()).
		Str("symbol", symbol).
		Str("mode", string(p.Mode)).
		Msg("Execution dispatched")
	return ex, nil
}
