package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
)

func reportingMetadata() Metadata {
	return Metadata{
		Type:        pipeline.AgentReporting,
		Description: "Summarizes the run into a human-readable report and optionally notifies the user",
		ConfigSchema: ConfigSchema{
			Properties: map[string]Property{
				"notify_user": {
					Type:    "boolean",
					Default: false,
				},
				"tools": {
					Type:    "array",
					Items:   &Property{Type: "string"},
					Default: []interface{}{},
				},
			},
		},
	}
}

// Reporting is a non-critical trailing agent: failures are recorded but never
// abort the run.
type Reporting struct {
	base
	notifyUser bool
}

// NewReporting constructs the reporting agent
func NewReporting(nodeID string, config map[string]interface{}, deps Deps) (Agent, error) {
	return &Reporting{
		base:       newBase(nodeID, pipeline.AgentReporting, config, deps),
		notifyUser: configBool(config, "notify_user", false),
	}, nil
}

// Metadata describes the agent type
func (a *Reporting) Metadata() Metadata { return reportingMetadata() }

// Process writes the run summary into agent_reports
func (a *Reporting) Process(ctx context.Context, state *pipeline.State) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run summary for %s (%s)\n", state.Symbol, state.Mode)
	fmt.Fprintf(&b, "Trigger: met=%v (%s)\n", state.TriggerMet, state.TriggerReason)

	for tf, bias := range state.Biases {
		fmt.Fprintf(&b, "Bias %s: %s (%.0f%%)\n", tf, bias.Direction, bias.Confidence*100)
	}
	if s := state.Strategy; s != nil {
		fmt.Fprintf(&b, "Strategy: %s", s.Action)
		if s.Action != "HOLD" {
			fmt.Fprintf(&b, " entry=%.4f sl=%.4f tp=%.4f qty=%.4f", s.EntryPrice, s.StopLoss, s.TakeProfit, s.Quantity)
		}
		b.WriteString("\n")
	}
	if r := state.RiskAssessment; r != nil {
		fmt.Fprintf(&b, "Risk: approved=%v", r.Approved)
		if r.RiskReward > 0 {
			fmt.Fprintf(&b, " r/r=%.2f", r.RiskReward)
		}
		if len(r.Reasons) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(r.Reasons, "; "))
		}
		b.WriteString("\n")
	}
	if t := state.TradeExecution; t != nil {
		fmt.Fprintf(&b, "Trade: %s", t.Status)
		if t.Status == "filled" {
			fmt.Fprintf(&b, " %s %.4f @ %.4f", t.Side, t.Quantity, t.FillPrice)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Cost: %.6f across %d agents\n", state.TotalCost, len(state.AgentCosts))
	if len(state.Warnings) > 0 {
		fmt.Fprintf(&b, "Warnings: %s\n", strings.Join(state.Warnings, "; "))
	}

	report := b.String()
	state.SetReport(a.id, report)
	state.Log(a.id, "info", "report generated (%d bytes)", len(report))

	if a.notifyUser {
		if tool, ok := a.notifierTool(); ok {
			userID, err := uuid.Parse(state.UserID)
			if err != nil {
				return &ProcessingError{AgentID: a.id, AgentType: pipeline.AgentReporting,
					Err: fmt.Errorf("invalid user id %q: %w", state.UserID, err)}
			}
			if err := tool.Notifier.Notify(ctx, notify.Notification{
				UserID: userID,
				Kind:   notify.KindTradeExecuted,
				Title:  fmt.Sprintf("Pipeline run: %s", state.Symbol),
				Body:   report,
			}); err != nil {
				return &ProcessingError{AgentID: a.id, AgentType: pipeline.AgentReporting,
					Err: fmt.Errorf("notify failed: %w", err)}
			}
		}
	}
	return nil
}
