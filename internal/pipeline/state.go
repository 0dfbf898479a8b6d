package pipeline

import (
	"fmt"
	"time"
)

// Bias is one timeframe's directional read produced by the analysis agents
type Bias struct {
	Timeframe  string  `json:"timeframe"`
	Direction  string  `json:"direction"` // bullish, bearish, neutral
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Strategy is the trade proposal produced by the strategy agent
type Strategy struct {
	Action     string  `json:"action"` // BUY, SELL, HOLD
	EntryPrice float64 `json:"entry_price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// RiskAssessment is the risk manager's verdict on the proposed trade
type RiskAssessment struct {
	Approved     bool     `json:"approved"`
	RiskReward   float64  `json:"risk_reward,omitempty"`
	PositionSize float64  `json:"position_size,omitempty"`
	MaxLoss      float64  `json:"max_loss,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

// TradeExecution records the outcome of order placement
type TradeExecution struct {
	OrderID     string     `json:"order_id,omitempty"`
	Status      string     `json:"status"` // filled, rejected, skipped
	Side        string     `json:"side,omitempty"`
	Quantity    float64    `json:"quantity,omitempty"`
	FillPrice   float64    `json:"fill_price,omitempty"`
	Commission  float64    `json:"commission,omitempty"`
	RequiresMon bool       `json:"requires_monitoring,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
}

// PositionSnapshot is the latest broker view of the held position
type PositionSnapshot struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	CheckedAt     time.Time `json:"checked_at"`
}

// TradeOutcome is written when the monitored position closes
type TradeOutcome struct {
	ExitPrice   float64   `json:"exit_price"`
	ExitReason  string    `json:"exit_reason"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `json:"closed_at"`
}

// AgentStateStatus tracks a single node's progress within an execution
type AgentStateStatus string

const (
	AgentStatePending   AgentStateStatus = "pending"
	AgentStateRunning   AgentStateStatus = "running"
	AgentStateCompleted AgentStateStatus = "completed"
	AgentStateFailed    AgentStateStatus = "failed"
	AgentStateSkipped   AgentStateStatus = "skipped"
)

// AgentState is the per-node progress record mirrored into the execution row
type AgentState struct {
	Status      AgentStateStatus `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// LogEntry is one append-only execution log line
type LogEntry struct {
	At      time.Time `json:"at"`
	AgentID string    `json:"agent_id,omitempty"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// State is the envelope passed between agents within one execution. It is
// serialized losslessly into the execution row so a fresh worker can resume
// from any persistence point.
type State struct {
	// Identity
	PipelineID  string `json:"pipeline_id"`
	ExecutionID string `json:"execution_id"`
	UserID      string `json:"user_id"`
	Symbol      string `json:"symbol"`
	Mode        Mode   `json:"mode"`

	// Inputs
	SignalData map[string]interface{} `json:"signal_data,omitempty"`
	MarketData map[string]interface{} `json:"market_data,omitempty"`

	// Agent outputs
	Biases          map[string]Bias   `json:"biases,omitempty"` // keyed by timeframe
	Strategy        *Strategy         `json:"strategy,omitempty"`
	RiskAssessment  *RiskAssessment   `json:"risk_assessment,omitempty"`
	TradeExecution  *TradeExecution   `json:"trade_execution,omitempty"`
	CurrentPosition *PositionSnapshot `json:"current_position,omitempty"`
	TradeOutcome    *TradeOutcome     `json:"trade_outcome,omitempty"`

	// Trigger verdict
	TriggerMet    bool   `json:"trigger_met"`
	TriggerReason string `json:"trigger_reason,omitempty"`

	// Accounting. TotalCost must equal the sum of AgentCosts at every
	// persistence boundary.
	TotalCost  float64            `json:"total_cost"`
	AgentCosts map[string]float64 `json:"agent_costs,omitempty"` // keyed by agent id

	// Diagnostics
	Errors       []string   `json:"errors,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	ExecutionLog []LogEntry `json:"execution_log,omitempty"`

	// Reports and per-node progress
	AgentReports map[string]string      `json:"agent_reports,omitempty"` // keyed by agent id
	AgentStates  map[string]*AgentState `json:"agent_states,omitempty"`  // keyed by agent id

	// Clocks
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Exit summary surfaced in the result view
	ExitReason string `json:"exit_reason,omitempty"`

	// StaleAutoFailed marks executions the janitor force-failed
	StaleAutoFailed bool `json:"stale_auto_failed,omitempty"`
}

// NewState creates the initial envelope for an execution
func NewState(p *Pipeline, executionID, symbol string, signalData map[string]interface{}) *State {
	now := time.Now().UTC()
	return &State{
		PipelineID:  p.ID.String(),
		ExecutionID: executionID,
		UserID:      p.UserID.String(),
		Symbol:      symbol,
		Mode:        p.Mode,
		SignalData:  signalData,
		AgentCosts:  make(map[string]float64),
		AgentStates: make(map[string]*AgentState),
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Touch updates the envelope clock
func (s *State) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// AddCost records an agent's cost and keeps the total consistent
func (s *State) AddCost(agentID string, cost float64) {
	if cost == 0 {
		return
	}
	if s.AgentCosts == nil {
		s.AgentCosts = make(map[string]float64)
	}
	s.AgentCosts[agentID] += cost
	s.TotalCost = 0
	for _, c := range s.AgentCosts {
		s.TotalCost += c
	}
}

// Log appends an entry to the execution log
func (s *State) Log(agentID, level, format string, args ...interface{}) {
	s.ExecutionLog = append(s.ExecutionLog, LogEntry{
		At:      time.Now().UTC(),
		AgentID: agentID,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// AddError records a non-fatal or fatal error message
func (s *State) AddError(agentID, msg string) {
	s.Errors = append(s.Errors, msg)
	s.Log(agentID, "error", "%s", msg)
}

// AddWarning records a warning
func (s *State) AddWarning(agentID, msg string) {
	s.Warnings = append(s.Warnings, msg)
	s.Log(agentID, "warn", "%s", msg)
}

// SetReport stores an agent's report text
func (s *State) SetReport(agentID, report string) {
	if s.AgentReports == nil {
		s.AgentReports = make(map[string]string)
	}
	s.AgentReports[agentID] = report
}

// AgentState returns the progress record for a node, creating it on demand
func (s *State) AgentState(agentID string) *AgentState {
	if s.AgentStates == nil {
		s.AgentStates = make(map[string]*AgentState)
	}
	as, ok := s.AgentStates[agentID]
	if !ok {
		as = &AgentState{Status: AgentStatePending}
		s.AgentStates[agentID] = as
	}
	return as
}

// MarkAgentRunning transitions a node to running
func (s *State) MarkAgentRunning(agentID string) {
	now := time.Now().UTC()
	as := s.AgentState(agentID)
	as.Status = AgentStateRunning
	as.StartedAt = &now
}

// MarkAgentCompleted transitions a node to completed
func (s *State) MarkAgentCompleted(agentID string) {
	now := time.Now().UTC()
	as := s.AgentState(agentID)
	as.Status = AgentStateCompleted
	as.CompletedAt = &now
}

// MarkAgentFailed transitions a node to failed with an error message
func (s *State) MarkAgentFailed(agentID, msg string) {
	now := time.Now().UTC()
	as := s.AgentState(agentID)
	as.Status = AgentStateFailed
	as.CompletedAt = &now
	as.Error = msg
}

// MarkAgentSkipped transitions a node to skipped with a reason
func (s *State) MarkAgentSkipped(agentID, reason string) {
	now := time.Now().UTC()
	as := s.AgentState(agentID)
	as.Status = AgentStateSkipped
	as.CompletedAt = &now
	as.Reason = reason
}

// Complete sets the completion clock
func (s *State) Complete() {
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// CostBreakdown is the derivative cost view mirrored into the execution row
func (s *State) CostBreakdown() map[string]interface{} {
	costs := make(map[string]interface{}, len(s.AgentCosts))
	for id, c := range s.AgentCosts {
		costs[id] = c
	}
	return map[string]interface{}{
		"total_cost":  s.TotalCost,
		"agent_costs": costs,
	}
}

// Result is the derivative result view mirrored into the execution row
func (s *State) Result() map[string]interface{} {
	result := map[string]interface{}{
		"symbol":      s.Symbol,
		"mode":        string(s.Mode),
		"trigger_met": s.TriggerMet,
	}
	if s.TriggerReason != "" {
		result["trigger_reason"] = s.TriggerReason
	}
	if s.Strategy != nil {
		result["action"] = s.Strategy.Action
		result["confidence"] = s.Strategy.Confidence
	}
	if s.RiskAssessment != nil {
		result["risk_approved"] = s.RiskAssessment.Approved
	}
	if s.TradeExecution != nil {
		result["trade_status"] = s.TradeExecution.Status
		result["fill_price"] = s.TradeExecution.FillPrice
	}
	if s.TradeOutcome != nil {
		result["exit_price"] = s.TradeOutcome.ExitPrice
		result["realized_pnl"] = s.TradeOutcome.RealizedPnL
	}
	if s.ExitReason != "" {
		result["exit_reason"] = s.ExitReason
	}
	if s.StaleAutoFailed {
		result["stale_auto_failed"] = true
	}
	return result
}
