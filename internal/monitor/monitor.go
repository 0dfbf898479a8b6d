// Package monitor implements the post-fill polling loop: it checks the
// broker for the held position, classifies the outcome, and re-arms its own
// schedule through next_check_at. Broker failures are retried with backoff
// against a bounded budget; exhausting it pauses the execution for manual
// reconciliation instead of auto-failing it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/broker"
	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
)

const (
	// retryBudget bounds consecutive transient broker failures
	retryBudget = 5

	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// backoff grows exponentially with the consecutive error count
func backoff(errorCount int) time.Duration {
	d := backoffBase
	for i := 1; i < errorCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// BrokerSelector returns the broker backend for an execution mode
type BrokerSelector func(mode pipeline.Mode) broker.Broker

// Monitor polls held positions
type Monitor struct {
	store    store.Store
	brokers  BrokerSelector
	bus      events.Publisher
	notifier notify.Notifier
	log      zerolog.Logger
}

// New creates a monitor
func New(st store.Store, brokers BrokerSelector, bus events.Publisher, notifier notify.Notifier) *Monitor {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Monitor{
		store:    st,
		brokers:  brokers,
		bus:      bus,
		notifier: notifier,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Poll runs one monitor check for the execution. The poller fires it when
// next_check_at passes; duplicate fires are harmless because every transition
// goes through compare-and-save.
func (m *Monitor) Poll(ctx context.Context, executionID uuid.UUID) error {
	ex, err := m.store.Load(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	if ex.Status != pipeline.StatusMonitoring && ex.Status != pipeline.StatusCommunicationError {
		m.log.Debug().
			Str("execution_id", executionID.String()).
			Str("status", string(ex.Status)).
			Msg("Poll fired for execution no longer monitoring, ignoring")
		return nil
	}

	b := m.brokers(ex.Mode)
	if b == nil {
		return m.stall(ctx, ex, fmt.Sprintf("no broker configured for mode %s", ex.Mode))
	}

	if ex.CancelRequested {
		return m.cancel(ctx, ex, b)
	}

	checkResult, err := b.CheckPosition(ctx, ex.Symbol)
	if err != nil {
		return m.handleBrokerError(ctx, ex, err)
	}

	if checkResult.Open {
		metrics.MonitorPolls.WithLabelValues("open").Inc()
		return m.stillOpen(ctx, ex, checkResult.Position)
	}
	metrics.MonitorPolls.WithLabelValues("closed").Inc()
	return m.closed(ctx, ex, checkResult.Closed)
}

// stillOpen persists the latest metrics and re-arms the normal cadence
func (m *Monitor) stillOpen(ctx context.Context, ex *store.Execution, pos *broker.Position) error {
	next := time.Now().UTC().Add(ex.MonitorInterval())
	updated, err := store.Update(ctx, m.store, ex.ID, func(fresh *store.Execution) error {
		fresh.Status = pipeline.StatusMonitoring
		fresh.NextCheckAt = &next
		fresh.BrokerErrorCount = 0
		if fresh.State != nil && pos != nil {
			fresh.State.CurrentPosition = &pipeline.PositionSnapshot{
				Symbol:        pos.Symbol,
				Side:          string(pos.Side),
				Quantity:      pos.Quantity,
				EntryPrice:    pos.EntryPrice,
				MarkPrice:     pos.MarkPrice,
				StopLoss:      pos.StopLoss,
				TakeProfit:    pos.TakeProfit,
				UnrealizedPnL: pos.UnrealizedPnL,
				CheckedAt:     time.Now().UTC(),
			}
			fresh.State.Touch()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist open position: %w", err)
	}

	m.bus.Publish(events.Event{
		Type:        events.TypeExecutionUpdate,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          time.Now().UTC(),
		Payload: map[string]interface{}{
			"status":        string(updated.Status),
			"next_check_at": next,
		},
	})
	return nil
}

// closed finalizes the execution with the trade outcome. A nil close event
// means the position vanished at the broker: closed externally by the user.
func (m *Monitor) closed(ctx context.Context, ex *store.Execution, ev *broker.CloseEvent) error {
	now := time.Now().UTC()
	outcome := pipeline.TradeOutcome{ClosedAt: now, ExitReason: "closed externally"}
	if ev != nil {
		outcome.ExitPrice = ev.ExitPrice
		outcome.RealizedPnL = ev.RealizedPnL
		outcome.ClosedAt = ev.ClosedAt
		switch ev.Reason {
		case broker.CloseStopLoss:
			outcome.ExitReason = "stop loss hit"
		case broker.CloseTakeProfit:
			outcome.ExitReason = "take profit hit"
		case broker.CloseManual:
			outcome.ExitReason = "closed manually"
		default:
			outcome.ExitReason = "closed externally"
		}
	} else if ex.State != nil && ex.State.CurrentPosition != nil {
		// best effort: approximate the exit with the last observed mark
		pos := ex.State.CurrentPosition
		outcome.ExitPrice = pos.MarkPrice
		outcome.RealizedPnL = pos.UnrealizedPnL
	}

	updated, err := store.Update(ctx, m.store, ex.ID, func(fresh *store.Execution) error {
		if fresh.Terminal() {
			return nil
		}
		if fresh.State != nil {
			fresh.State.TradeOutcome = &outcome
			fresh.State.CurrentPosition = nil
			fresh.State.ExitReason = outcome.ExitReason
			fresh.State.Log("", "info", "position closed: %s pnl=%.4f", outcome.ExitReason, outcome.RealizedPnL)
		}
		fresh.Finish(pipeline.StatusCompleted, "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist close: %w", err)
	}

	m.bus.Publish(events.Event{
		Type:        events.TypePositionClosed,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          now,
		Payload: map[string]interface{}{
			"exit_reason":  outcome.ExitReason,
			"exit_price":   outcome.ExitPrice,
			"realized_pnl": outcome.RealizedPnL,
		},
	})
	_ = m.notifier.Notify(ctx, notify.Notification{
		UserID: updated.UserID,
		Kind:   notify.KindPositionClosed,
		Title:  fmt.Sprintf("Position closed: %s", updated.Symbol),
		Body:   fmt.Sprintf("%s. Realized P&L: %.4f", outcome.ExitReason, outcome.RealizedPnL),
	})

	metrics.MonitoredPositions.Dec()
	metrics.ExecutionsCompleted.WithLabelValues(string(pipeline.StatusCompleted)).Inc()
	m.log.Info().
		Str("execution_id", updated.ID.String()).
		Str("exit_reason", outcome.ExitReason).
		Float64("pnl", outcome.RealizedPnL).
		Msg("Monitored position closed")
	return nil
}

// handleBrokerError classifies a poll failure. Transient errors back off and
// retry within the budget; exhausting it pauses the execution (the user's
// position may still be open at the broker, so we must not auto-fail).
func (m *Monitor) handleBrokerError(ctx context.Context, ex *store.Execution, brokerErr error) error {
	if errors.Is(brokerErr, broker.ErrNoPosition) {
		return m.closed(ctx, ex, nil)
	}

	if !broker.IsTransient(brokerErr) {
		metrics.BrokerErrors.WithLabelValues("permanent").Inc()
		updated, err := store.Update(ctx, m.store, ex.ID, func(fresh *store.Execution) error {
			if fresh.Terminal() {
				return nil
			}
			if fresh.State != nil {
				fresh.State.AddError("", fmt.Sprintf("broker error: %v", brokerErr))
			}
			fresh.Finish(pipeline.StatusFailed, brokerErr.Error())
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist broker failure: %w", err)
		}
		m.bus.Publish(events.Event{
			Type:        events.TypePipelineFailed,
			ExecutionID: updated.ID,
			UserID:      updated.UserID,
			At:          time.Now().UTC(),
			Payload:     map[string]interface{}{"error": brokerErr.Error()},
		})
		return nil
	}

	metrics.BrokerErrors.WithLabelValues("transient").Inc()
	errorCount := ex.BrokerErrorCount + 1
	if errorCount > retryBudget {
		return m.stall(ctx, ex, fmt.Sprintf("broker unreachable after %d attempts: %v", retryBudget, brokerErr))
	}

	next := time.Now().UTC().Add(backoff(errorCount))
	updated, err := store.Update(ctx, m.store, ex.ID, func(fresh *store.Execution) error {
		fresh.Status = pipeline.StatusCommunicationError
		fresh.BrokerErrorCount = errorCount
		fresh.NextCheckAt = &next
		if fresh.State != nil {
			fresh.State.AddWarning("", fmt.Sprintf("broker poll failed (attempt %d/%d): %v", errorCount, retryBudget, brokerErr))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist communication error: %w", err)
	}

	m.bus.Publish(events.Event{
		Type:        events.TypeExecutionUpdate,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          time.Now().UTC(),
		Payload: map[string]interface{}{
			"status":             string(updated.Status),
			"broker_error_count": errorCount,
			"next_check_at":      next,
		},
	})
	m.log.Warn().
		Err(brokerErr).
		Str("execution_id", ex.ID.String()).
		Int("error_count", errorCount).
		Time("next_check_at", next).
		Msg("Broker poll failed, backing off")
	return nil
}

// stall pauses monitoring with no scheduled retry and requests manual
// reconciliation. The janitor explicitly skips executions in this state.
func (m *Monitor) stall(ctx context.Context, ex *store.Execution, reason string) error {
	updated, err := store.Update(ctx, m.store, ex.ID, func(fresh *store.Execution) error {
		fresh.Status = pipeline.StatusCommunicationError
		fresh.NextCheckAt = nil
		if fresh.State != nil {
			fresh.State.AddError("", reason)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist stall: %w", err)
	}

	now := time.Now().UTC()
	m.bus.Publish(events.Event{
		Type:        events.TypeMonitoringStalled,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          now,
		Payload:     map[string]interface{}{"reason": reason},
	})
	_ = m.notifier.Notify(ctx, notify.Notification{
		UserID:   updated.UserID,
		Kind:     notify.KindMonitoringStall,
		Title:    fmt.Sprintf("Monitoring stalled: %s", updated.Symbol),
		Body:     reason + ". Please reconcile the position manually.",
		Priority: "high",
	})

	m.log.Error().
		Str("execution_id", ex.ID.String()).
		Str("reason", reason).
		Msg("Monitoring stalled, manual reconciliation required")
	return nil
}

// cancel honors an out-of-band cancel request: best-effort close, then
// transition to cancelled.
func (m *Monitor) cancel(ctx context.Context, ex *store.Execution, b broker.Broker) error {
	var outcome *pipeline.TradeOutcome
	ev, err := b.ClosePosition(ctx, ex.Symbol, broker.CloseManual)
	switch {
	case err == nil:
		outcome = &pipeline.TradeOutcome{
			ExitPrice:   ev.ExitPrice,
			ExitReason:  "cancelled by user",
			RealizedPnL: ev.RealizedPnL,
			ClosedAt:    ev.ClosedAt,
		}
	case errors.Is(err, broker.ErrNoPosition):
		// already flat
	default:
		m.log.Warn().Err(err).
			Str("execution_id", ex.ID.String()).
			Msg("Best-effort close on cancel failed")
	}

	updated, err := store.Update(ctx, m.store, ex.ID, func(fresh *store.Execution) error {
		if fresh.Terminal() {
			return nil
		}
		if fresh.State != nil {
			if outcome != nil {
				fresh.State.TradeOutcome = outcome
			}
			fresh.State.CurrentPosition = nil
			fresh.State.ExitReason = "cancelled by user"
			fresh.State.Log("", "info", "monitoring cancelled by user")
		}
		fresh.Finish(pipeline.StatusCancelled, "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}

	m.bus.Publish(events.Event{
		Type:        events.TypeExecutionComplete,
		ExecutionID: updated.ID,
		UserID:      updated.UserID,
		At:          time.Now().UTC(),
		Payload:     map[string]interface{}{"status": string(updated.Status), "exit_reason": "cancelled by user"},
	})
	m.log.Info().Str("execution_id", ex.ID.String()).Msg("Monitored execution cancelled")
	return nil
}
