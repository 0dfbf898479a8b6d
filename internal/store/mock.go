package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

// Memory is an in-memory Store, PipelineStore and BudgetStore used by unit
// tests and validation-mode runs. It enforces the same compare-and-save
// semantics as the Postgres implementation, including deep-copy snapshots so
// callers never share envelope pointers across versions.
type Memory struct {
	mu         sync.RWMutex
	executions map[uuid.UUID]*Execution
	pipelines  map[uuid.UUID]*pipeline.Pipeline
	budgets    map[uuid.UUID]*Budget
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[uuid.UUID]*Execution),
		pipelines:  make(map[uuid.UUID]*pipeline.Pipeline),
		budgets:    make(map[uuid.UUID]*Budget),
	}
}

func copyExecution(ex *Execution) *Execution {
	cp := *ex
	if ex.State != nil {
		data, err := json.Marshal(ex.State)
		if err != nil {
			panic(fmt.Sprintf("memory store: marshal state: %v", err))
		}
		var st pipeline.State
		if err := json.Unmarshal(data, &st); err != nil {
			panic(fmt.Sprintf("memory store: unmarshal state: %v", err))
		}
		cp.State = &st
	}
	return &cp
}

// Create inserts a new execution
func (m *Memory) Create(_ context.Context, ex *Execution) error {
	if err := ex.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to create inconsistent execution: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[ex.ID]; exists {
		return fmt.Errorf("execution %s already exists", ex.ID)
	}
	m.executions[ex.ID] = copyExecution(ex)
	return nil
}

// Load retrieves an execution snapshot
func (m *Memory) Load(_ context.Context, id uuid.UUID) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(ex), nil
}

// LoadByApprovalToken retrieves an execution by token
func (m *Memory) LoadByApprovalToken(_ context.Context, token string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.executions {
		if ex.ApprovalToken != nil && *ex.ApprovalToken == token {
			return copyExecution(ex), nil
		}
	}
	return nil, ErrNotFound
}

// CompareAndSave commits at expectedVersion+1 or fails with ErrStaleWrite
func (m *Memory) CompareAndSave(_ context.Context, ex *Execution, expectedVersion int64) error {
	if err := ex.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to save inconsistent execution: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[ex.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrStaleWrite
	}
	ex.Version = expectedVersion + 1
	m.executions[ex.ID] = copyExecution(ex)
	return nil
}

// List retrieves executions matching the filter, newest first
func (m *Memory) List(_ context.Context, f Filter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*Execution, 0)
	for _, ex := range m.executions {
		if f.UserID != nil && ex.UserID != *f.UserID {
			continue
		}
		if f.PipelineID != nil && ex.PipelineID != *f.PipelineID {
			continue
		}
		if f.Symbol != "" && ex.Symbol != f.Symbol {
			continue
		}
		if len(f.Statuses) > 0 {
			found := false
			for _, st := range f.Statuses {
				if ex.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		matches = append(matches, copyExecution(ex))
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matches) {
			return []*Execution{}, nil
		}
		matches = matches[f.Offset:]
	}
	if f.Limit > 0 && len(matches) > f.Limit {
		matches = matches[:f.Limit]
	}
	return matches, nil
}

// HasActive reports whether a non-terminal execution exists for the pair
func (m *Memory) HasActive(_ context.Context, pipelineID uuid.UUID, symbol string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.executions {
		if ex.PipelineID == pipelineID && ex.Symbol == symbol && !ex.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// DueMonitorPolls lists executions whose next_check_at has passed
func (m *Memory) DueMonitorPolls(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for _, ex := range m.executions {
		if ex.Status != pipeline.StatusMonitoring && ex.Status != pipeline.StatusCommunicationError {
			continue
		}
		if ex.NextCheckAt != nil && !ex.NextCheckAt.After(now) {
			ids = append(ids, ex.ID)
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// DueApprovalTimeouts lists executions whose approval deadline has passed
func (m *Memory) DueApprovalTimeouts(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for _, ex := range m.executions {
		if ex.Status != pipeline.StatusAwaitingApproval || ex.ApprovalStatus != pipeline.ApprovalPending {
			continue
		}
		if ex.ApprovalExpiresAt != nil && !ex.ApprovalExpiresAt.After(now) {
			ids = append(ids, ex.ID)
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// DueApprovedResumes lists approved executions still parked at the gate,
// decided before the cutoff
func (m *Memory) DueApprovedResumes(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for _, ex := range m.executions {
		if ex.Status != pipeline.StatusAwaitingApproval || ex.ApprovalStatus != pipeline.ApprovalApproved {
			continue
		}
		if ex.ApprovalRespondedAt != nil && !ex.ApprovalRespondedAt.After(cutoff) {
			ids = append(ids, ex.ID)
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// StaleRunning lists pending/running executions older than the cutoff
func (m *Memory) StaleRunning(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for _, ex := range m.executions {
		if ex.Status != pipeline.StatusPending && ex.Status != pipeline.StatusRunning {
			continue
		}
		ref := ex.CreatedAt
		if ex.StartedAt != nil {
			ref = *ex.StartedAt
		}
		if ref.Before(cutoff) {
			ids = append(ids, ex.ID)
		}
	}
	return ids, nil
}

// StaleMonitoring lists stale monitoring and retrying communication_error rows
func (m *Memory) StaleMonitoring(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for _, ex := range m.executions {
		monitoring := ex.Status == pipeline.StatusMonitoring
		retrying := ex.Status == pipeline.StatusCommunicationError && ex.NextCheckAt != nil
		if !monitoring && !retrying {
			continue
		}
		if ex.StartedAt != nil && ex.StartedAt.Before(cutoff) {
			ids = append(ids, ex.ID)
		}
	}
	return ids, nil
}

// DeleteTerminalOlderThan removes terminal executions past retention
func (m *Memory) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, ex := range m.executions {
		if !ex.Terminal() {
			continue
		}
		ref := ex.CreatedAt
		if ex.CompletedAt != nil {
			ref = *ex.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(m.executions, id)
			deleted++
		}
	}
	return deleted, nil
}

// CreatePipeline stores a pipeline definition
func (m *Memory) CreatePipeline(_ context.Context, p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

// GetPipeline retrieves a pipeline definition
func (m *Memory) GetPipeline(_ context.Context, id uuid.UUID) (*pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	cp := *p
	return &cp, nil
}

// UpdatePipeline saves a pipeline definition
func (m *Memory) UpdatePipeline(_ context.Context, p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; !ok {
		return ErrPipelineNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

// DeletePipeline removes a pipeline definition
func (m *Memory) DeletePipeline(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[id]; !ok {
		return ErrPipelineNotFound
	}
	delete(m.pipelines, id)
	return nil
}

// ListPipelines retrieves pipelines, optionally filtered by owner
func (m *Memory) ListPipelines(_ context.Context, userID *uuid.UUID) ([]*pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0)
	for _, p := range m.pipelines {
		if userID != nil && p.UserID != *userID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListActivePeriodic returns active periodic pipelines
func (m *Memory) ListActivePeriodic(_ context.Context) ([]*pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0)
	for _, p := range m.pipelines {
		if p.Active && p.TriggerMode == pipeline.TriggerPeriodic {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetBudget retrieves a user's budget, defaulting on first use
func (m *Memory) GetBudget(_ context.Context, userID uuid.UUID) (*Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[userID]
	if !ok {
		return &Budget{UserID: userID, DailyLimit: defaultDailyLimit, DailyResetAt: time.Now().UTC()}, nil
	}
	cp := *b
	return &cp, nil
}

// AddSpend accumulates spend against the daily counter
func (m *Memory) AddSpend(_ context.Context, userID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[userID]
	if !ok {
		b = &Budget{UserID: userID, DailyLimit: defaultDailyLimit, DailyResetAt: time.Now().UTC()}
		m.budgets[userID] = b
	}
	b.DailySpent += amount
	return nil
}

// ResetDailyBudgets zeroes counters older than 24 hours
func (m *Memory) ResetDailyBudgets(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reset int64
	for _, b := range m.budgets {
		if now.Sub(b.DailyResetAt) >= 24*time.Hour {
			b.DailySpent = 0
			b.DailyResetAt = now
			reset++
		}
	}
	return reset, nil
}
