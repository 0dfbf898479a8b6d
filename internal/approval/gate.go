// Package approval implements the human-in-the-loop gate: approve, reject
// and the timeout transition. All three assert the same precondition
// atomically through the store's compare-and-save.
package approval

import (
	"context"
	"errors"
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

var (
	// ErrNotAwaitingApproval is returned when the execution is not suspended
	// at the approval gate.
	ErrNotAwaitingApproval = errors.New("execution is not awaiting approval")

	// ErrApprovalExpired is returned when the decision arrives after the
	// deadline.
	ErrApprovalExpired = errors.New("approval window has expired")

	// ErrAlreadyResolved is returned when the gate was already decided and
	// the new decision differs from the recorded one.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Scheduler enqueues the resume task after a successful approve
type Scheduler interface {
	EnqueueResume(executionID uuid.UUID)
}

// Gate decides suspended executions
type Gate struct {
	store     store.Store
	pipelines store.PipelineStore
	scheduler Scheduler
	bus       events.Publisher
	log       zerolog.Logger
}

// New creates an approval gate
func New(st store.Store, ps store.PipelineStore, scheduler Scheduler, bus events.Publisher) *Gate {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Gate{
		store:     st,
		pipelines: ps,
		scheduler: scheduler,
		bus:       bus,
		log:       log.With().Str("component", "approval").Logger(),
	}
}

// check asserts the gate precondition on a snapshot. A repeated identical
// decision is reported as idempotent rather than refused.
func check(ex *store.Execution, decision pipeline.ApprovalStatus, now time.Time) (idempotent bool, err error) {
	if ex.ApprovalStatus == decision {
		return true, nil
	}
	if ex.Status != pipeline.StatusAwaitingApproval {
		if ex.ApprovalStatus != pipeline.ApprovalNone && ex.ApprovalStatus != pipeline.ApprovalPending {
			return false, fmt.Errorf("%w: recorded decision is %s", ErrAlreadyResolved, ex.ApprovalStatus)
		}
		return false, ErrNotAwaitingApproval
	}
	if ex.ApprovalStatus != pipeline.ApprovalPending {
		return false, fmt.Errorf("%w: recorded decision is %s", ErrAlreadyResolved, ex.ApprovalStatus)
	}
	if ex.ApprovalExpiresAt != nil && !now.Before(*ex.ApprovalExpiresAt) {
		return false, ErrApprovalExpired
	}
	return false, nil
}

// Approve records a positive decision and schedules the resume task
func (g *Gate) Approve(ctx context.Context, executionID uuid.UUID) error {
	now := time.Now().UTC()
	var idempotent bool

	updated, err := store.Update(ctx, g.store, executionID, func(ex *store.Execution) error {
		var err error
		idempotent, err = check(ex, pipeline.ApprovalApproved, now)
		if err != nil || idempotent {
			return err
		}
		ex.ApprovalStatus = pipeline.ApprovalApproved
		ex.ApprovalRespondedAt = &now
		if ex.State != nil {
			ex.State.Log("", "info", "trade approved")
			ex.State.Touch()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if idempotent {
		return nil
	}

	g.bus.Publish(events.Event{
		Type:        events.TypeExecutionUpdate,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          now,
		Payload:     map[string]interface{}{"status": string(updated.Status), "approval_status": "approved"},
	})

	if g.scheduler != nil {
		g.scheduler.EnqueueResume(executionID)
	}
	metrics.ApprovalOutcomes.WithLabelValues("approved").Inc()
	metrics.ApprovalsPending.Dec()
	g.log.Info().Str("execution_id", executionID.String()).Msg("Trade approved")
	return nil
}

// ApproveByToken approves via the out-of-band token link
func (g *Gate) ApproveByToken(ctx context.Context, token string) error {
	ex, err := g.store.LoadByApprovalToken(ctx, token)
	if err != nil {
		return err
	}
	return g.Approve(ctx, ex.ID)
}

// Reject records a negative decision; the execution completes without trading
func (g *Gate) Reject(ctx context.Context, executionID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "rejected by user"
	}
	return g.resolveNegative(ctx, executionID, pipeline.ApprovalRejected, reason)
}

// RejectByToken rejects via the out-of-band token link
func (g *Gate) RejectByToken(ctx context.Context, token string, reason string) error {
	ex, err := g.store.LoadByApprovalToken(ctx, token)
	if err != nil {
		return err
	}
	return g.Reject(ctx, ex.ID, reason)
}

// HandleTimeout is fired by the poller at approval_expires_at. It is a no-op
// when the gate was resolved in the meantime.
func (g *Gate) HandleTimeout(ctx context.Context, executionID uuid.UUID) error {
	err := g.resolveNegative(ctx, executionID, pipeline.ApprovalTimedOut, "Approval timed out")
	if errors.Is(err, ErrNotAwaitingApproval) || errors.Is(err, ErrAlreadyResolved) {
		return nil
	}
	return err
}

func (g *Gate) resolveNegative(ctx context.Context, executionID uuid.UUID, decision pipeline.ApprovalStatus, reason string) error {
	now := time.Now().UTC()
	var idempotent bool

	updated, err := store.Update(ctx, g.store, executionID, func(ex *store.Execution) error {
		var cerr error
		idempotent, cerr = check(ex, decision, now)
		if idempotent {
			return nil
		}
		if cerr != nil {
			// the timeout task fires at the deadline, so expiry is not a
			// refusal for it
			if !(errors.Is(cerr, ErrApprovalExpired) && decision == pipeline.ApprovalTimedOut) {
				return cerr
			}
		}

		ex.ApprovalStatus = decision
		ex.ApprovalRespondedAt = &now
		if ex.State != nil {
			ex.State.ExitReason = reason
			if nodeID := g.tradeManagerNodeID(ctx, ex.PipelineID); nodeID != "" {
				ex.State.MarkAgentSkipped(nodeID, reason)
			}
			ex.State.Log("", "info", "%s", reason)
		}
		ex.Finish(pipeline.StatusCompleted, "")
		return nil
	})
	if err != nil {
		return err
	}
	if idempotent {
		return nil
	}

	g.bus.Publish(events.Event{
		Type:        events.TypeExecutionComplete,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          now,
		Payload: map[string]interface{}{
			"status":          string(updated.Status),
			"approval_status": string(decision),
			"exit_reason":     reason,
		},
	})
	metrics.ApprovalOutcomes.WithLabelValues(string(decision)).Inc()
	metrics.ApprovalsPending.Dec()
	g.log.Info().
		Str("execution_id", executionID.String()).
		Str("decision", string(decision)).
		Msg("Approval gate resolved")
	return nil
}

// tradeManagerNodeID finds the trade manager node so the skipped step is
// recorded under the graph's real node id.
func (g *Gate) tradeManagerNodeID(ctx context.Context, pipelineID uuid.UUID) string {
	if g.pipelines == nil {
		return pipeline.AgentTradeManager
	}
	p, err := g.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return pipeline.AgentTradeManager
	}
	for _, n := range p.AgentNodes() {
		if n.Type == pipeline.AgentTradeManager {
			return n.ID
		}
	}
	return pipeline.AgentTradeManager
}
