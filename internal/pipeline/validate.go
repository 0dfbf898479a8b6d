package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError contains details about a single validation failure
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

const (
	// MinMonitorInterval is the smallest supported monitor cadence
	MinMonitorInterval = 5 * time.Second

	// MaxMonitorInterval caps the monitor cadence well below the janitor's
	// stale tolerance. Intervals near or above that tolerance would get the
	// execution stale-killed between polls, so they are rejected here.
	MaxMonitorInterval = 15 * time.Minute
)

// Validate performs comprehensive validation on a pipeline definition.
// Returns nil if valid, or ValidationErrors with all issues found.
func (p *Pipeline) Validate() error {
	var errs ValidationErrors

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "pipeline name is required"})
	}

	switch p.TriggerMode {
	case TriggerPeriodic, TriggerSignal:
	case "":
		errs = append(errs, ValidationError{Field: "trigger_mode", Message: "trigger mode is required"})
	default:
		errs = append(errs, ValidationError{Field: "trigger_mode",
			Message: fmt.Sprintf("unknown trigger mode %q", p.TriggerMode)})
	}

	switch p.Mode {
	case ModeLive, ModePaper, ModeSimulation, ModeValidation:
	case "":
		errs = append(errs, ValidationError{Field: "mode", Message: "execution mode is required"})
	default:
		errs = append(errs, ValidationError{Field: "mode",
			Message: fmt.Sprintf("unknown execution mode %q", p.Mode)})
	}

	if p.TriggerMode == TriggerPeriodic && len(p.Symbols) == 0 {
		errs = append(errs, ValidationError{Field: "symbols",
			Message: "periodic pipelines require at least one symbol"})
	}

	if p.ApprovalRequired && p.ApprovalTTL <= 0 {
		errs = append(errs, ValidationError{Field: "approval_ttl",
			Message: "approval_ttl must be positive when approval is required"})
	}

	if p.MonitorInterval != 0 {
		if p.MonitorInterval < MinMonitorInterval {
			errs = append(errs, ValidationError{Field: "monitor_interval",
				Message: fmt.Sprintf("monitor interval %s is below the minimum %s",
					p.MonitorInterval, MinMonitorInterval)})
		}
		if p.MonitorInterval >= MaxMonitorInterval {
			errs = append(errs, ValidationError{Field: "monitor_interval",
				Message: fmt.Sprintf("monitor interval %s conflicts with the janitor stale tolerance; must be below %s",
					p.MonitorInterval, MaxMonitorInterval)})
		}
	}

	errs = append(errs, p.validateGraph()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (p *Pipeline) validateGraph() ValidationErrors {
	var errs ValidationErrors

	if len(p.AgentNodes()) == 0 {
		errs = append(errs, ValidationError{Field: "nodes",
			Message: "pipeline requires at least one agent node"})
		return errs
	}

	seen := make(map[string]bool, len(p.Nodes))
	triggers := 0
	for i, n := range p.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			errs = append(errs, ValidationError{Field: field, Message: "node id is required"})
			continue
		}
		if seen[n.ID] {
			errs = append(errs, ValidationError{Field: field,
				Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		seen[n.ID] = true

		switch n.Kind {
		case NodeKindAgent, NodeKindTool:
		default:
			errs = append(errs, ValidationError{Field: field,
				Message: fmt.Sprintf("unknown node kind %q", n.Kind)})
		}
		if n.Type == "" {
			errs = append(errs, ValidationError{Field: field, Message: "node type is required"})
		}
		if n.Kind == NodeKindAgent && CategoryRank(n.Type) == 0 {
			triggers++
		}
	}

	if triggers == 0 {
		errs = append(errs, ValidationError{Field: "nodes",
			Message: "pipeline requires a trigger agent"})
	}

	for i, e := range p.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if !seen[e.From] {
			errs = append(errs, ValidationError{Field: field,
				Message: fmt.Sprintf("edge references unknown node %q", e.From)})
		}
		if !seen[e.To] {
			errs = append(errs, ValidationError{Field: field,
				Message: fmt.Sprintf("edge references unknown node %q", e.To)})
		}
	}

	if len(errs) == 0 {
		if _, err := Linearize(p); err != nil {
			errs = append(errs, ValidationError{Field: "edges", Message: err.Error()})
		}
	}

	return errs
}
