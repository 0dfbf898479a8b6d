package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/store"
)

const (
	pollScanInterval = 5 * time.Second
	pollBatchSize    = 100

	// resumeRedeliveryGrace is how long an approved execution may sit at the
	// gate before the poller re-enqueues its resume. The normal path picks
	// the task up within milliseconds; anything older lost its task to a
	// full queue or a crash.
	resumeRedeliveryGrace = 30 * time.Second
)

// Poller drives every deadline in the system off persisted timestamps:
// next_check_at for monitor polls, approval_expires_at for timeouts and
// approval_responded_at for approved executions whose resume task was lost.
// There are no in-memory timers, so deadlines survive restarts.
type Poller struct {
	store    store.Store
	pool     *Pool
	interval time.Duration
	log      zerolog.Logger
}

// NewPoller creates a deadline poller
func NewPoller(st store.Store, pool *Pool) *Poller {
	return &Poller{
		store:    st,
		pool:     pool,
		interval: pollScanInterval,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Run scans for due work until the context is cancelled
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.interval).Msg("Deadline poller started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Scan(ctx)
		}
	}
}

// Scan enqueues one batch of due monitor polls and approval timeouts.
// Re-enqueueing the same execution across scans is harmless: the monitor
// and the gate both re-assert their preconditions under compare-and-save.
func (p *Poller) Scan(ctx context.Context) {
	now := time.Now().UTC()

	due, err := p.store.DueMonitorPolls(ctx, now, pollBatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("Due monitor poll scan failed")
	} else {
		for _, id := range due {
			p.pool.Enqueue(Task{Kind: TaskMonitorPoll, ExecutionID: id})
		}
	}

	expired, err := p.store.DueApprovalTimeouts(ctx, now, pollBatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("Approval timeout scan failed")
	} else {
		for _, id := range expired {
			p.pool.Enqueue(Task{Kind: TaskCheckApprovalTimeout, ExecutionID: id})
		}
	}

	// approved executions whose resume task was dropped would otherwise be
	// stranded at the gate forever
	stranded, err := p.store.DueApprovedResumes(ctx, now.Add(-resumeRedeliveryGrace), pollBatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("Approved resume scan failed")
		return
	}
	for _, id := range stranded {
		p.log.Warn().Str("execution_id", id.String()).Msg("Re-enqueueing lost resume for approved execution")
		p.pool.Enqueue(Task{Kind: TaskResumeApproved, ExecutionID: id})
	}
}
