package agents

import (
	"errors"
	"fmt"
)

var (
	// ErrTriggerNotMet means a trigger agent's condition does not hold now.
	// Not a failure: the execution is marked skipped.
	ErrTriggerNotMet = errors.New("trigger condition not met")

	// ErrInsufficientData means a required state input is missing. Fatal.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrBudgetExceeded means the user's daily cost budget is exhausted. Fatal.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// ProcessingError is the catch-all failure from an agent's Process. Critical
// agents abort the execution on it; non-critical agents record and continue.
type ProcessingError struct {
	AgentID   string
	AgentType string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("agent %s (%s): %v", e.AgentID, e.AgentType, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
