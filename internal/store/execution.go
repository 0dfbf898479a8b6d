// Package store provides durable persistence for executions and pipelines
// with optimistic concurrency on the execution version column.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/pipeline"
)

var (
	// ErrStaleWrite is returned by CompareAndSave when another writer
	// committed first. Callers re-read, re-apply and re-save.
	ErrStaleWrite = errors.New("stale write: execution version conflict")

	// ErrNotFound is returned when an execution does not exist
	ErrNotFound = errors.New("execution not found")
)

// Execution is the unit of work: one run of a pipeline for one symbol
type Execution struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	UserID     uuid.UUID
	Symbol     string
	Mode       pipeline.Mode

	Status  pipeline.Status
	Phase   pipeline.Phase
	Version int64

	ApprovalStatus      pipeline.ApprovalStatus
	ApprovalToken       *string
	ApprovalExpiresAt   *time.Time
	ApprovalRespondedAt *time.Time

	// NextCheckAt is the single source of truth for the monitor cadence.
	// Non-null iff the execution is monitoring or in communication_error
	// with retries remaining.
	NextCheckAt            *time.Time
	MonitorIntervalSeconds float64
	BrokerErrorCount       int

	CancelRequested bool

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time

	// State is the full in-flight envelope; the store persists it as a
	// lossless JSON blob alongside its derivative mirrors.
	State *pipeline.State

	ErrorMessage *string
}

// NewExecution creates a pending execution for a (pipeline, symbol) pair
func NewExecution(p *pipeline.Pipeline, symbol string, signalData map[string]interface{}) *Execution {
	id := uuid.New()
	interval := p.MonitorInterval
	if interval == 0 {
		interval = time.Minute
	}
	return &Execution{
		ID:                     id,
		PipelineID:             p.ID,
		UserID:                 p.UserID,
		Symbol:                 symbol,
		Mode:                   p.Mode,
		Status:                 pipeline.StatusPending,
		Phase:                  pipeline.PhaseExecute,
		Version:                0,
		ApprovalStatus:         pipeline.ApprovalNone,
		MonitorIntervalSeconds: interval.Seconds(),
		CreatedAt:              time.Now().UTC(),
		State:                  pipeline.NewState(p, id.String(), symbol, signalData),
	}
}

// MonitorInterval returns the poll cadence as a duration
func (ex *Execution) MonitorInterval() time.Duration {
	return time.Duration(ex.MonitorIntervalSeconds * float64(time.Second))
}

// Terminal reports whether the execution reached a final status
func (ex *Execution) Terminal() bool {
	return ex.Status.Terminal()
}

// Finish moves the execution to a terminal status, stamping completion and
// clearing the monitor schedule so the invariants hold on save.
func (ex *Execution) Finish(status pipeline.Status, errorMessage string) {
	ex.Status = status
	ex.NextCheckAt = nil
	now := time.Now().UTC()
	ex.CompletedAt = &now
	if errorMessage != "" {
		ex.ErrorMessage = &errorMessage
	}
	if ex.State != nil {
		ex.State.Complete()
	}
}

// CheckInvariants verifies the cross-field consistency rules every committed
// snapshot must satisfy. The store refuses writes that break them.
func (ex *Execution) CheckInvariants() error {
	if ex.State != nil {
		if ex.State.ExecutionID != ex.ID.String() {
			return fmt.Errorf("pipeline_state.execution_id %s does not match execution %s",
				ex.State.ExecutionID, ex.ID)
		}
		if ex.State.Symbol != ex.Symbol {
			return fmt.Errorf("pipeline_state.symbol %s does not match execution symbol %s",
				ex.State.Symbol, ex.Symbol)
		}
		var sum float64
		for _, c := range ex.State.AgentCosts {
			sum += c
		}
		if diff := ex.State.TotalCost - sum; diff > 1e-9 || diff < -1e-9 {
			return fmt.Errorf("total_cost %.9f does not equal sum of agent_costs %.9f",
				ex.State.TotalCost, sum)
		}
	}

	if ex.Terminal() {
		if ex.CompletedAt == nil {
			return fmt.Errorf("terminal status %s requires completed_at", ex.Status)
		}
		if ex.NextCheckAt != nil {
			return fmt.Errorf("terminal status %s must not schedule a monitor poll", ex.Status)
		}
	}

	switch ex.Status {
	case pipeline.StatusMonitoring:
		if ex.NextCheckAt == nil {
			return fmt.Errorf("monitoring status requires next_check_at")
		}
	case pipeline.StatusCommunicationError:
		// next_check_at may be nil (retry budget exhausted, paused for the
		// user) or set (retries remaining)
	default:
		if ex.NextCheckAt != nil {
			return fmt.Errorf("status %s must not schedule a monitor poll", ex.Status)
		}
	}

	return nil
}

// Filter narrows List queries
type Filter struct {
	UserID     *uuid.UUID
	PipelineID *uuid.UUID
	Symbol     string
	Statuses   []pipeline.Status
	Limit      int
	Offset     int
}

// Store is the persistence contract consumed by the executor, the dispatcher,
// the approval gate, the monitor and the janitor. All mutations go through
// CompareAndSave; there are no in-memory locks across workers.
type Store interface {
	Create(ctx context.Context, ex *Execution) error
	Load(ctx context.Context, id uuid.UUID) (*Execution, error)
	LoadByApprovalToken(ctx context.Context, token string) (*Execution, error)

	// CompareAndSave commits the snapshot at expectedVersion+1 or fails
	// with ErrStaleWrite. On success the snapshot's Version is bumped.
	CompareAndSave(ctx context.Context, ex *Execution, expectedVersion int64) error

	List(ctx context.Context, f Filter) ([]*Execution, error)

	// HasActive reports whether any non-terminal execution exists for the
	// (pipeline, symbol) pair. The dispatcher's single-flight check.
	HasActive(ctx context.Context, pipelineID uuid.UUID, symbol string) (bool, error)

	// DueMonitorPolls lists executions whose next_check_at has passed
	DueMonitorPolls(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// DueApprovalTimeouts lists awaiting_approval executions whose
	// approval deadline has passed
	DueApprovalTimeouts(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// DueApprovedResumes lists approved executions still suspended at the
	// gate whose decision is older than the cutoff. Their resume task was
	// lost (queue saturation, crash between decision and pickup) and must
	// be re-enqueued.
	DueApprovedResumes(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)

	// StaleRunning lists pending/running executions older than the cutoff
	// (measured from started_at when present, else created_at)
	StaleRunning(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	// StaleMonitoring lists monitoring executions, and communication_error
	// executions with retries still pending, whose started_at is older
	// than the cutoff. Paused communication_error rows (next_check_at
	// null) are excluded.
	StaleMonitoring(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	// DeleteTerminalOlderThan removes terminal executions past retention
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// maxSaveRetries bounds the CAS re-read/re-apply loop to avoid livelock
const maxSaveRetries = 3

// Update loads an execution, applies mutate and saves it with compare-and-
// save, retrying on version conflicts. The mutation function must be
// re-applicable: it receives a fresh snapshot on every attempt.
func Update(ctx context.Context, s Store, id uuid.UUID, mutate func(*Execution) error) (*Execution, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		ex, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(ex); err != nil {
			return nil, err
		}
		err = s.CompareAndSave(ctx, ex, ex.Version)
		if errors.Is(err, ErrStaleWrite) {
			metrics.StaleWriteConflicts.Inc()
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return ex, nil
	}
	return nil, fmt.Errorf("update of execution %s failed after %d attempts: %w",
		id, maxSaveRetries, lastErr)
}
