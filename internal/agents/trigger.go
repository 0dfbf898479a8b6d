package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func timeTriggerMetadata() Metadata {
	return Metadata{
		Type:        pipeline.AgentTimeTrigger,
		Description: "Fires on the pipeline's periodic schedule, optionally restricted to a trading window",
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"window_start_hour": {
					Type:        "number",
					Description: "UTC hour (inclusive) from which the trigger fires",
					Default:     0.0,
					Minimum:     floatPtr(0),
					Maximum:     floatPtr(23),
				},
				"window_end_hour": {
					Type:        "number",
					Description: "UTC hour (exclusive) until which the trigger fires; 24 means all day",
					Default:     24.0,
					Minimum:     floatPtr(1),
					Maximum:     floatPtr(24),
				},
				"weekdays_only": {
					Type:    "boolean",
					Default: false,
				},
			},
		},
	}
}

// TimeTrigger gates periodic executions on a wall-clock window
type TimeTrigger struct {
	base
	windowStart  int
	windowEnd    int
	weekdaysOnly bool
	now          func() time.Time
}

// NewTimeTrigger constructs a time trigger from node config
func NewTimeTrigger(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &TimeTrigger{
		base:         newBase(nodeID, pipeline.AgentTimeTrigger, config, deps),
		windowStart:  int(configFloat(config, "window_start_hour", 0)),
		windowEnd:    int(configFloat(config, "window_end_hour", 24)),
		weekdaysOnly: configBool(config, "weekdays_only", false),
		now:          time.Now,
	}, nil
}

// Metadata describes the agent type
func (a *TimeTrigger) Metadata() Metadata { return timeTriggerMetadata() }

// Process sets the trigger verdict or reports the condition unmet
func (a *TimeTrigger) Process(_ context.Context, state *pipeline.State) error {
	now := a.now().UTC()

	if a.weekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		state.TriggerMet = false
		state.TriggerReason = "outside trading days"
		return ErrTriggerNotMet
	}
	if hour := now.Hour(); hour < a.windowStart || hour >= a.windowEnd {
		state.TriggerMet = false
		state.TriggerReason = fmt.Sprintf("outside trading window %02d:00-%02d:00 UTC", a.windowStart, a.windowEnd)
		return ErrTriggerNotMet
	}

	state.TriggerMet = true
	state.TriggerReason = "schedule window open"
	state.Log(a.id, "info", "trigger fired at %s", now.Format(time.RFC3339))
	return nil
}

func signalTriggerMetadata() Metadata {
	return Metadata{
		Type:        pipeline.AgentSignalTrigger,
		Description: "Fires when the execution carries signal data above a strength threshold",
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"min_strength": {
					Type:        "number",
					Description: "Minimum signal strength (0-1) required to fire",
					Default:     0.5,
					Minimum:     floatPtr(0),
					Maximum:     floatPtr(1),
				},
			},
		},
	}
}

// SignalTrigger gates signal-initiated executions on signal strength
type SignalTrigger struct {
	base
	minStrength float64
}

// NewSignalTrigger constructs a signal trigger from node config
func NewSignalTrigger(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &SignalTrigger{
		base:        newBase(nodeID, pipeline.AgentSignalTrigger, config, deps),
		minStrength: configFloat(config, "min_strength", 0.5),
	}, nil
}

// Metadata describes the agent type
func (a *SignalTrigger) Metadata() Metadata { return signalTriggerMetadata() }

// Process checks the inbound signal against the threshold
func (a *SignalTrigger) Process(_ context.Context, state *pipeline.State) error {
	if len(state.SignalData) == 0 {
		state.TriggerMet = false
		state.TriggerReason = "no signal data"
		return ErrTriggerNotMet
	}

	strength, _ := state.SignalData["strength"].(float64)
	if strength < a.minStrength {
		state.TriggerMet = false
		state.TriggerReason = fmt.Sprintf("signal strength %.2f below threshold %.2f", strength, a.minStrength)
		return ErrTriggerNotMet
	}

	state.TriggerMet = true
	state.TriggerReason = fmt.Sprintf("signal strength %.2f", strength)
	state.Log(a.id, "info", "signal trigger fired: %s", state.TriggerReason)
	return nil
}
