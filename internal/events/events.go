// Package events fans execution state changes out to subscribers: in-process
// consumers (websocket handlers, notifiers) and a NATS transport for other
// hosts sharing the store.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event kinds the engine emits
type Type string

const (
	TypeExecutionUpdate   Type = "execution_update"
	TypeExecutionLog      Type = "execution_log"
	TypeExecutionComplete Type = "execution_complete"
	TypeApprovalRequested Type = "approval_requested"
	TypePositionClosed    Type = "position_closed"
	TypeMonitoringStalled Type = "monitoring_stalled"
	TypePipelineFailed    Type = "pipeline_failed"
)

// Event is one execution state change
type Event struct {
	Type        Type                   `json:"type"`
	ExecutionID uuid.UUID              `json:"execution_id"`
	UserID      uuid.UUID              `json:"user_id"`
	At          time.Time              `json:"at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Publisher is the emit side of the bus
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher discards events. Used in tests that don't assert on them.
type NopPublisher struct{}

// Publish discards the event
func (NopPublisher) Publish(Event) {}
