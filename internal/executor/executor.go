// Package executor drives one execution through its pipeline: it linearizes
// the graph, walks the agents, persists the envelope at every step, and
// suspends across the approval gate and the monitoring hand-off.
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/agents"
	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

// Executor runs pipeline executions against the shared store. It never throws
// past its own boundary: every internal failure becomes an execution mutation
// plus an event.
type Executor struct {
	store     store.Store
	pipelines store.PipelineStore
	registry  *agents.Registry
	deps      agents.Deps
	bus       events.Publisher
	notifier  notify.Notifier
	log       zerolog.Logger
}

// New creates an executor
func New(st store.Store, ps store.PipelineStore, registry *agents.Registry, deps agents.Deps, bus events.Publisher, notifier notify.Notifier) *Executor {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Executor{
		store:     st,
		pipelines: ps,
		registry:  registry,
		deps:      deps,
		bus:       bus,
		notifier:  notifier,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

func (e *Executor) emit(ev events.Event) {
	e.bus.Publish(ev)
}

func (e *Executor) emitUpdate(ex *store.Execution, eventType events.Type, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["status"] = string(ex.Status)
	e.emit(events.Event{
		Type:        eventType,
		ExecutionID: ex.ID,
		UserID:      ex.UserID,
		At:          time.Now().UTC(),
		Payload:     payload,
	})
}

// Run drives the execution from its persisted position to the next suspension
// point or terminal status. It is safe to call on a resumed execution: steps
// already completed or skipped are not re-run.
func (e *Executor) Run(ctx context.Context, executionID uuid.UUID) error {
	ex, err := e.store.Load(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	pipelineID := ex.PipelineID
	p, err := e.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		e.finish(ctx, executionID, pipeline.StatusFailed, fmt.Sprintf("pipeline %s not found: %v", pipelineID, err))
		return nil
	}

	order, err := pipeline.Linearize(p)
	if err != nil {
		e.finish(ctx, executionID, pipeline.StatusFailed, fmt.Sprintf("pipeline graph invalid: %v", err))
		return nil
	}

	// pending → running; awaiting_approval re-enters running only after a
	// successful approve
	resumable := ex.Status == pipeline.StatusPending ||
		(ex.Status == pipeline.StatusAwaitingApproval && ex.ApprovalStatus == pipeline.ApprovalApproved)
	if resumable {
		ex, err = store.Update(ctx, e.store, executionID, func(ex *store.Execution) error {
			if ex.Status == pipeline.StatusAwaitingApproval && ex.ApprovalStatus != pipeline.ApprovalApproved {
				return fmt.Errorf("cannot resume: approval status is %s", ex.ApprovalStatus)
			}
			if ex.Status == pipeline.StatusPending {
				now := time.Now().UTC()
				ex.StartedAt = &now
			}
			ex.Status = pipeline.StatusRunning
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		e.emitUpdate(ex, events.TypeExecutionUpdate, nil)
	} else if ex.Status != pipeline.StatusRunning {
		e.log.Warn().
			Str("execution_id", executionID.String()).
			Str("status", string(ex.Status)).
			Msg("Run called on execution not in a runnable status, ignoring")
		return nil
	}

	return e.walk(ctx, ex, p, order)
}

// ResumeApproved re-enters an execution after a successful approve. The
// approval gate's precondition has already been asserted by the caller; Run
// re-checks it before flipping back to running.
func (e *Executor) ResumeApproved(ctx context.Context, executionID uuid.UUID) error {
	return e.Run(ctx, executionID)
}

// RequestCancel flags the execution for cancellation. Running executions stop
// at the next safe point and the monitor closes its position on the next
// poll; executions parked at the approval gate are cancelled immediately.
func (e *Executor) RequestCancel(ctx context.Context, executionID uuid.UUID) error {
	var immediate bool
	updated, err := store.Update(ctx, e.store, executionID, func(ex *store.Execution) error {
		if ex.Terminal() {
			return fmt.Errorf("execution %s is already %s", executionID, ex.Status)
		}
		ex.CancelRequested = true
		immediate = ex.Status == pipeline.StatusPending || ex.Status == pipeline.StatusAwaitingApproval
		if immediate {
			if ex.State != nil {
				ex.State.ExitReason = "cancelled by user"
				ex.State.Log("", "info", "cancelled by user")
			}
			if ex.ApprovalStatus == pipeline.ApprovalPending {
				ex.ApprovalStatus = pipeline.ApprovalRejected
			}
			ex.Finish(pipeline.StatusCancelled, "")
		}
		return nil
	})
	if err != nil {
		return err
	}

	eventType := events.TypeExecutionUpdate
	payload := map[string]interface{}{"cancel_requested": true}
	if immediate {
		eventType = events.TypeExecutionComplete
		payload["exit_reason"] = "cancelled by user"
	}
	e.emitUpdate(updated, eventType, payload)
	e.log.Info().
		Str("execution_id", executionID.String()).
		Bool("immediate", immediate).
		Msg("Cancellation requested")
	return nil
}

// walk executes the linearized agent sequence from the first incomplete node
func (e *Executor) walk(ctx context.Context, ex *store.Execution, p *pipeline.Pipeline, order []pipeline.Node) error {
	for _, node := range order {
		// safe point: honor external cancellation between agents
		if ex.CancelRequested {
			e.finishSnapshot(ctx, ex, pipeline.StatusCancelled, "cancelled by user")
			return nil
		}

		if as, ok := ex.State.AgentStates[node.ID]; ok &&
			(as.Status == pipeline.AgentStateCompleted || as.Status == pipeline.AgentStateSkipped) {
			continue
		}

		// after a risk rejection, execution agents are skipped but the run
		// completes normally
		if ex.State.RiskAssessment != nil && !ex.State.RiskAssessment.Approved &&
			pipeline.IsExecutionAgent(node.Type) {
			var err error
			ex, err = e.persistStep(ctx, ex, func(st *pipeline.State) {
				st.MarkAgentSkipped(node.ID, "risk rejected the trade")
			})
			if err != nil {
				return err
			}
			continue
		}

		// approval gate precedes the trade manager
		if node.Type == pipeline.AgentTradeManager && p.ApprovalRequired &&
			ex.ApprovalStatus != pipeline.ApprovalApproved &&
			ex.State.RiskAssessment != nil && ex.State.RiskAssessment.Approved {
			return e.suspendForApproval(ctx, ex, p)
		}

		agent, err := e.registry.Build(node, e.deps)
		if err != nil {
			e.finishSnapshot(ctx, ex, pipeline.StatusFailed, fmt.Sprintf("agent %s: %v", node.ID, err))
			return nil
		}

		ex, err = e.persistStep(ctx, ex, func(st *pipeline.State) {
			st.MarkAgentRunning(node.ID)
		})
		if err != nil {
			return err
		}
		e.emitUpdate(ex, events.TypeExecutionUpdate, map[string]interface{}{"agent_id": node.ID, "agent_status": "running"})

		// a re-run after a recovered failure starts from the cost already
		// accrued, so the metric gets only this step's increment
		costBefore := ex.State.AgentCosts[node.ID]
		processErr := agent.Process(ctx, ex.State)
		meta := agent.Metadata()
		if meta.CostPerRun > 0 {
			ex.State.AddCost(node.ID, meta.CostPerRun)
		}
		if delta := ex.State.AgentCosts[node.ID] - costBefore; delta > 0 {
			metrics.AgentCost.WithLabelValues(string(node.Type)).Add(delta)
		}

		if processErr != nil {
			metrics.AgentRuns.WithLabelValues(string(node.Type), "failed").Inc()
			done, err := e.handleStepFailure(ctx, ex, node, processErr)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// non-critical failure: recorded, keep walking
			ex, err = e.store.Load(ctx, ex.ID)
			if err != nil {
				return fmt.Errorf("reload after non-critical failure: %w", err)
			}
			continue
		}

		ex, err = e.persistStep(ctx, ex, func(st *pipeline.State) {
			st.MarkAgentCompleted(node.ID)
		})
		if err != nil {
			return err
		}
		metrics.AgentRuns.WithLabelValues(string(node.Type), "completed").Inc()
		e.emitUpdate(ex, events.TypeExecutionUpdate, map[string]interface{}{"agent_id": node.ID, "agent_status": "completed"})

		// hand off to the monitor loop after a fill that requires it
		if node.Type == pipeline.AgentTradeManager && needsMonitoring(ex.State) {
			return e.handOffToMonitor(ctx, ex)
		}
	}

	reason := ""
	if ex.State.RiskAssessment != nil && !ex.State.RiskAssessment.Approved {
		reason = "risk rejected the trade"
	}
	e.finishSnapshot(ctx, ex, pipeline.StatusCompleted, reason)
	return nil
}

func needsMonitoring(st *pipeline.State) bool {
	return st.TradeExecution != nil &&
		st.TradeExecution.Status == "filled" &&
		st.TradeExecution.RequiresMon &&
		st.Mode != pipeline.ModeValidation
}

// persistStep commits a state mutation with compare-and-save retry. The
// mutation receives the freshly loaded envelope, so it must be re-applicable.
func (e *Executor) persistStep(ctx context.Context, ex *store.Execution, mutate func(*pipeline.State)) (*store.Execution, error) {
	stepState := ex.State
	updated, err := store.Update(ctx, e.store, ex.ID, func(fresh *store.Execution) error {
		// carry forward the in-flight envelope; concurrent writers only touch
		// control fields (cancel_requested, approval_status)
		fresh.State = stepState
		mutate(fresh.State)
		fresh.State.Touch()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist step: %w", err)
	}
	return updated, nil
}

// handleStepFailure classifies a process error. Returns done=true when the
// execution reached a terminal status.
func (e *Executor) handleStepFailure(ctx context.Context, ex *store.Execution, node pipeline.Node, processErr error) (done bool, err error) {
	switch {
	case errors.Is(processErr, agents.ErrTriggerNotMet):
		_, err = e.persistStep(ctx, ex, func(st *pipeline.State) {
			st.MarkAgentSkipped(node.ID, st.TriggerReason)
		})
		if err != nil {
			return false, err
		}
		e.finish(ctx, ex.ID, pipeline.StatusSkipped, ex.State.TriggerReason)
		return true, nil

	case errors.Is(processErr, agents.ErrInsufficientData),
		errors.Is(processErr, agents.ErrBudgetExceeded),
		pipeline.IsCriticalAgent(node.Type):
		_, err = e.persistStep(ctx, ex, func(st *pipeline.State) {
			st.MarkAgentFailed(node.ID, processErr.Error())
			st.AddError(node.ID, processErr.Error())
		})
		if err != nil {
			return false, err
		}
		e.finish(ctx, ex.ID, pipeline.StatusFailed, processErr.Error())
		return true, nil

	default:
		// non-critical agent: record and continue
		e.log.Warn().
			Err(processErr).
			Str("execution_id", ex.ID.String()).
			Str("agent_id", node.ID).
			Msg("Non-critical agent failed, continuing")
		_, err = e.persistStep(ctx, ex, func(st *pipeline.State) {
			st.MarkAgentFailed(node.ID, processErr.Error())
			st.AddError(node.ID, processErr.Error())
		})
		return false, err
	}
}

// suspendForApproval parks the execution awaiting a human decision. The
// timeout is first-class state: the poller fires it from approval_expires_at,
// never from an in-memory timer.
func (e *Executor) suspendForApproval(ctx context.Context, ex *store.Execution, p *pipeline.Pipeline) error {
	token, err := newApprovalToken()
	if err != nil {
		return fmt.Errorf("mint approval token: %w", err)
	}
	ttl := p.ApprovalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	expires := time.Now().UTC().Add(ttl)

	updated, err := store.Update(ctx, e.store, ex.ID, func(fresh *store.Execution) error {
		fresh.State = ex.State
		fresh.Status = pipeline.StatusAwaitingApproval
		fresh.ApprovalStatus = pipeline.ApprovalPending
		fresh.ApprovalToken = &token
		fresh.ApprovalExpiresAt = &expires
		fresh.State.Log("", "info", "awaiting approval until %s", expires.Format(time.RFC3339))
		fresh.State.Touch()
		return nil
	})
	if err != nil {
		return fmt.Errorf("suspend for approval: %w", err)
	}

	metrics.ApprovalsPending.Inc()
	e.emitUpdate(updated, events.TypeApprovalRequested, map[string]interface{}{
		"approval_expires_at": expires,
	})

	body := fmt.Sprintf("Trade on %s awaits your approval until %s.",
		updated.Symbol, expires.Format(time.RFC3339))
	if s := updated.State.Strategy; s != nil {
		body = fmt.Sprintf("%s %s %.4f @ %.4f awaits your approval until %s.",
			s.Action, updated.Symbol, s.Quantity, s.EntryPrice, expires.Format(time.RFC3339))
	}
	_ = e.notifier.Notify(ctx, notify.Notification{
		UserID:   updated.UserID,
		Kind:     notify.KindApprovalRequest,
		Title:    "Trade approval required",
		Body:     body,
		Data:     map[string]string{"approval_token": token, "execution_id": updated.ID.String()},
		Priority: "high",
	})

	e.log.Info().
		Str("execution_id", updated.ID.String()).
		Time("expires_at", expires).
		Msg("Execution suspended awaiting approval")
	return nil
}

// handOffToMonitor transitions a filled execution into the monitoring phase
func (e *Executor) handOffToMonitor(ctx context.Context, ex *store.Execution) error {
	next := time.Now().UTC().Add(ex.MonitorInterval())
	updated, err := store.Update(ctx, e.store, ex.ID, func(fresh *store.Execution) error {
		fresh.State = ex.State
		fresh.Status = pipeline.StatusMonitoring
		fresh.Phase = pipeline.PhaseMonitoring
		fresh.NextCheckAt = &next
		fresh.BrokerErrorCount = 0
		fresh.State.Log("", "info", "monitoring position, next check %s", next.Format(time.RFC3339))
		fresh.State.Touch()
		return nil
	})
	if err != nil {
		return fmt.Errorf("hand off to monitor: %w", err)
	}
	metrics.MonitoredPositions.Inc()
	e.emitUpdate(updated, events.TypeExecutionUpdate, map[string]interface{}{"phase": "monitoring"})
	e.log.Info().
		Str("execution_id", updated.ID.String()).
		Time("next_check_at", next).
		Msg("Execution handed to monitor loop")
	return nil
}

// finish moves an execution to a terminal status by id
func (e *Executor) finish(ctx context.Context, id uuid.UUID, status pipeline.Status, reason string) {
	updated, err := store.Update(ctx, e.store, id, func(fresh *store.Execution) error {
		if fresh.Terminal() {
			return nil
		}
		if reason != "" && fresh.State != nil {
			fresh.State.ExitReason = reason
		}
		errMsg := ""
		if status == pipeline.StatusFailed {
			errMsg = reason
		}
		fresh.Finish(status, errMsg)
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("execution_id", id.String()).Msg("Failed to finish execution")
		return
	}

	e.recordCompletion(updated, status)
	eventType := events.TypeExecutionComplete
	if status == pipeline.StatusFailed {
		eventType = events.TypePipelineFailed
	}
	e.emitUpdate(updated, eventType, map[string]interface{}{"exit_reason": reason})
}

// finishSnapshot finishes carrying the walker's in-flight envelope forward
func (e *Executor) finishSnapshot(ctx context.Context, ex *store.Execution, status pipeline.Status, reason string) {
	stepState := ex.State
	updated, err := store.Update(ctx, e.store, ex.ID, func(fresh *store.Execution) error {
		if fresh.Terminal() {
			return nil
		}
		fresh.State = stepState
		if reason != "" {
			fresh.State.ExitReason = reason
		}
		errMsg := ""
		if status == pipeline.StatusFailed {
			errMsg = reason
		}
		fresh.Finish(status, errMsg)
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("execution_id", ex.ID.String()).Msg("Failed to finish execution")
		return
	}

	e.recordCompletion(updated, status)
	eventType := events.TypeExecutionComplete
	if status == pipeline.StatusFailed {
		eventType = events.TypePipelineFailed
	}
	e.emitUpdate(updated, eventType, map[string]interface{}{"exit_reason": reason})
}

func (e *Executor) recordCompletion(ex *store.Execution, status pipeline.Status) {
	metrics.ExecutionsCompleted.WithLabelValues(string(status)).Inc()
	if ex.StartedAt != nil && ex.CompletedAt != nil {
		metrics.ExecutionDuration.Observe(ex.CompletedAt.Sub(*ex.StartedAt).Seconds())
	}
}

// newApprovalToken mints an unguessable token for out-of-band approval links
func newApprovalToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
