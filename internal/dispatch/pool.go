// Package dispatch owns execution intake: the worker pool that runs pipeline
// tasks, the periodic trigger scan and the poller that fires due monitor
// checks and approval timeouts. Workers hold no state; everything they need
// is reloaded from the store, so a crashed worker loses nothing.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantpipe/quantpipe/internal/metrics"
)

// TaskKind names the work a pool task performs
type TaskKind string

const (
	TaskRunExecution         TaskKind = "run_execution"
	TaskResumeApproved       TaskKind = "resume_approved"
	TaskCheckApprovalTimeout TaskKind = "check_approval_timeout"
	TaskMonitorPoll          TaskKind = "monitor_poll"
)

// Task is one unit of pool work
type Task struct {
	Kind        TaskKind
	ExecutionID uuid.UUID
}

// Runner executes pipeline runs and approved resumes
type Runner interface {
	Run(ctx context.Context, executionID uuid.UUID) error
	ResumeApproved(ctx context.Context, executionID uuid.UUID) error
}

// TimeoutHandler fires the approval timeout transition
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, executionID uuid.UUID) error
}

// PositionPoller runs one monitor check
type PositionPoller interface {
	Poll(ctx context.Context, executionID uuid.UUID) error
}

// Pool fans tasks out to a fixed set of workers
type Pool struct {
	runner   Runner
	timeouts TimeoutHandler
	monitor  PositionPoller

	tasks   chan Task
	workers int
	taskTTL time.Duration
	log     zerolog.Logger
}

// NewPool creates a worker pool. Size defaults to 4 workers with a queue of
// 4x the worker count.
func NewPool(runner Runner, timeouts TimeoutHandler, monitor PositionPoller, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		runner:   runner,
		timeouts: timeouts,
		monitor:  monitor,
		tasks:    make(chan Task, workers*4),
		workers:  workers,
		taskTTL:  10 * time.Minute,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// SetTimeoutHandler installs the approval timeout handler. The pool and the
// approval gate reference each other, so one side is wired after construction.
func (p *Pool) SetTimeoutHandler(h TimeoutHandler) {
	p.timeouts = h
}

// Run starts the workers and blocks until the context is cancelled
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	p.log.Info().Int("workers", p.workers).Msg("Worker pool started")
	return g.Wait()
}

// Enqueue submits a task, dropping it when the queue is full. Dropped tasks
// are not lost: every kind is re-discovered from persisted state. Monitor
// polls and approval timeouts come back through the poller's deadline scans,
// lost resumes through its approved-resume scan, and pending executions
// through a later trigger scan.
func (p *Pool) Enqueue(task Task) bool {
	select {
	case p.tasks <- task:
		metrics.TaskQueueDepth.Set(float64(len(p.tasks)))
		return true
	default:
		p.log.Warn().
			Str("kind", string(task.Kind)).
			Str("execution_id", task.ExecutionID.String()).
			Msg("Task queue full, dropping task")
		return false
	}
}

// EnqueueResume satisfies the approval gate's scheduler contract
func (p *Pool) EnqueueResume(executionID uuid.UUID) {
	p.Enqueue(Task{Kind: TaskResumeApproved, ExecutionID: executionID})
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-p.tasks:
			metrics.TaskQueueDepth.Set(float64(len(p.tasks)))
			p.dispatch(ctx, worker, task)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, worker int, task Task) {
	taskCtx, cancel := context.WithTimeout(ctx, p.taskTTL)
	defer cancel()

	start := time.Now()
	var err error
	switch task.Kind {
	case TaskRunExecution:
		err = p.runner.Run(taskCtx, task.ExecutionID)
	case TaskResumeApproved:
		err = p.runner.ResumeApproved(taskCtx, task.ExecutionID)
	case TaskCheckApprovalTimeout:
		err = p.timeouts.HandleTimeout(taskCtx, task.ExecutionID)
	case TaskMonitorPoll:
		err = p.monitor.Poll(taskCtx, task.ExecutionID)
	default:
		p.log.Error().Str("kind", string(task.Kind)).Msg("Unknown task kind")
		return
	}

	evt := p.log.Debug()
	if err != nil {
		evt = p.log.Error().Err(err)
	}
	evt.
		Int("worker", worker).
		Str("kind", string(task.Kind)).
		Str("execution_id", task.ExecutionID.String()).
		Dur("elapsed", time.Since(start)).
		Msg("Task finished")
}
