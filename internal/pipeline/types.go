// Package pipeline defines trading pipeline definitions and the execution
// state envelope passed between agents. A pipeline is a user's persistent
// graph of agent nodes; an execution is one run of that graph for one symbol.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current pipeline definition schema version
const SchemaVersion = "1.0"

// Mode determines how orders are routed for an execution
type Mode string

const (
	ModeLive       Mode = "live"
	ModePaper      Mode = "paper"
	ModeSimulation Mode = "simulation"
	ModeValidation Mode = "validation"
)

// Status is the execution status machine (database enum)
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingApproval   Status = "awaiting_approval"
	StatusMonitoring         Status = "monitoring"
	StatusCommunicationError Status = "communication_error"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
	StatusSkipped            Status = "skipped"
)

// Terminal reports whether the status is final. Terminal executions are never
// picked up by the dispatcher, the poller, or the monitor again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Phase distinguishes the two scheduling regimes of an execution
type Phase string

const (
	PhaseExecute    Phase = "execute"
	PhaseMonitoring Phase = "monitoring"
)

// ApprovalStatus tracks the human-in-the-loop approval gate
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// TriggerMode determines how a pipeline's executions are initiated
type TriggerMode string

const (
	TriggerPeriodic TriggerMode = "periodic"
	TriggerSignal   TriggerMode = "signal"
)

// NodeKind distinguishes executable agent nodes from tool attachments
type NodeKind string

const (
	NodeKindAgent NodeKind = "agent"
	NodeKindTool  NodeKind = "tool"
)

// Node is a single vertex in the pipeline graph. Agent nodes are execution
// steps; tool nodes are configuration attachments resolved by the tool
// registry and never executed directly.
type Node struct {
	ID     string                 `json:"id" yaml:"id"`
	Kind   NodeKind               `json:"kind" yaml:"kind"`
	Type   string                 `json:"type" yaml:"type"` // agent_type or tool type
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge is a directed data dependency between two nodes
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Pipeline is a user's persistent trading workflow definition
type Pipeline struct {
	ID            uuid.UUID   `json:"id" yaml:"id,omitempty"`
	UserID        uuid.UUID   `json:"user_id" yaml:"-"`
	Name          string      `json:"name" yaml:"name"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	SchemaVersion string      `json:"schema_version" yaml:"schema_version"`
	TriggerMode   TriggerMode `json:"trigger_mode" yaml:"trigger_mode"`
	Symbols       []string    `json:"symbols" yaml:"symbols"`
	Mode          Mode        `json:"mode" yaml:"mode"`

	// Approval gate settings for the trade_manager step
	ApprovalRequired bool          `json:"approval_required" yaml:"approval_required"`
	ApprovalTTL      time.Duration `json:"approval_ttl" yaml:"approval_ttl"`

	// Monitor cadence for the post-fill phase. Sub-minute values are allowed.
	MonitorInterval time.Duration `json:"monitor_interval" yaml:"monitor_interval"`

	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`

	Active    bool      `json:"active" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// AgentNodes returns the executable nodes of the pipeline, in definition order
func (p *Pipeline) AgentNodes() []Node {
	nodes := make([]Node, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.Kind == NodeKindAgent {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Node returns the node with the given id, or nil
func (p *Pipeline) Node(id string) *Node {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Agent type identifiers known to the engine. The registry maps these to
// factories; CategoryRank maps them to the executor's tie-break order.
const (
	AgentTimeTrigger   = "time_trigger"
	AgentSignalTrigger = "signal_trigger"
	AgentMarketData    = "market_data_agent"
	AgentBiasAnalysis  = "bias_analysis_agent"
	AgentStrategy      = "strategy_agent"
	AgentRiskManager   = "risk_manager_agent"
	AgentTradeManager  = "trade_manager_agent"
	AgentReporting     = "reporting_agent"
)

// categoryRanks orders agent categories: trigger < data < analysis < risk <
// execution < monitoring < reporting. Used as the deterministic tie-break when
// the edge set permits multiple topological orders.
var categoryRanks = map[string]int{
	AgentTimeTrigger:   0,
	AgentSignalTrigger: 0,
	AgentMarketData:    1,
	AgentBiasAnalysis:  2,
	AgentStrategy:      2,
	AgentRiskManager:   3,
	AgentTradeManager:  4,
	AgentReporting:     6,
}

// CategoryRank returns the ordering rank for an agent type. Unknown types sort
// after analysis and before risk so user-defined agents run with full inputs.
func CategoryRank(agentType string) int {
	if r, ok := categoryRanks[agentType]; ok {
		return r
	}
	return 2
}

// IsCriticalAgent reports whether a failure of this agent type must abort the
// execution. Non-critical agent errors are recorded and execution continues.
func IsCriticalAgent(agentType string) bool {
	switch agentType {
	case AgentMarketData, AgentRiskManager, AgentTradeManager:
		return true
	}
	return false
}

// IsExecutionAgent reports whether the agent type belongs to the execution
// category, i.e. the steps skipped when risk rejects a trade.
func IsExecutionAgent(agentType string) bool {
	return CategoryRank(agentType) >= categoryRanks[AgentTradeManager] &&
		agentType != AgentReporting
}
