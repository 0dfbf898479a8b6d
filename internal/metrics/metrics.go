// Package metrics defines the engine's Prometheus metrics and the HTTP
// server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution lifecycle metrics
var (
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_executions_started_total",
		Help: "Executions dispatched, by mode",
	}, []string{"mode"})

	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_executions_completed_total",
		Help: "Executions that reached a terminal status, by status",
	}, []string{"status"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantpipe_execution_duration_seconds",
		Help:    "Wall time from start to terminal status",
		Buckets: []float64{1, 5, 15, 60, 300, 1800, 7200, 43200},
	})

	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_agent_runs_total",
		Help: "Agent step executions, by agent type and outcome",
	}, []string{"agent_type", "outcome"})

	AgentCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_agent_cost_total",
		Help: "Accumulated agent cost in USD, by agent type",
	}, []string{"agent_type"})
)

// Approval gate metrics
var (
	ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_approval_outcomes_total",
		Help: "Approval gate resolutions, by decision",
	}, []string{"decision"})

	ApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantpipe_approvals_pending",
		Help: "Executions currently suspended at the approval gate",
	})
)

// Monitor loop metrics
var (
	MonitorPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_monitor_polls_total",
		Help: "Monitor polls, by outcome",
	}, []string{"outcome"})

	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_broker_errors_total",
		Help: "Broker call failures, by classification",
	}, []string{"kind"})

	MonitoredPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantpipe_monitored_positions",
		Help: "Executions currently in the monitoring phase",
	})
)

// Store and janitor metrics
var (
	StaleWriteConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantpipe_stale_write_conflicts_total",
		Help: "Optimistic concurrency conflicts on execution saves",
	})

	JanitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpipe_janitor_sweeps_total",
		Help: "Janitor sweep actions, by kind",
	}, []string{"kind"})

	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantpipe_task_queue_depth",
		Help: "Tasks waiting in the worker pool queue",
	})
)
