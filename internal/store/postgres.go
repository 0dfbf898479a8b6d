package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

// DBTX is the subset of pgxpool.Pool the store uses. Satisfied by both a real
// pool and pgxmock's pool in tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	pool    DBTX
	pgxPool *pgxpool.Pool
}

// NewPostgresWithDB wraps an existing connection (or mock) without dialing
func NewPostgresWithDB(db DBTX) *Postgres {
	return &Postgres{pool: db}
}

// NewPostgres creates a new database connection pool from a DSN
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection pool created successfully")

	return &Postgres{pool: pool, pgxPool: pool}, nil
}

// Close closes the connection pool
func (s *Postgres) Close() {
	if s.pgxPool != nil {
		s.pgxPool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying connection pool, when one was dialed
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pgxPool
}

// Health checks database connectivity
func (s *Postgres) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const executionColumns = `
	id, pipeline_id, user_id, symbol, mode, status, execution_phase, version,
	approval_status, approval_token, approval_expires_at, approval_responded_at,
	next_check_at, monitor_interval_seconds, broker_error_count, cancel_requested,
	started_at, completed_at, created_at,
	pipeline_state, result, reports, logs, agent_states, cost_breakdown,
	error_message`

// Create inserts a new execution row at version 0
func (s *Postgres) Create(ctx context.Context, ex *Execution) error {
	if err := ex.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to create inconsistent execution: %w", err)
	}

	m, err := newMirrors(ex.State)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`

	_, err = s.pool.Exec(ctx, query,
		ex.ID, ex.PipelineID, ex.UserID, ex.Symbol, ex.Mode, ex.Status, ex.Phase, ex.Version,
		ex.ApprovalStatus, ex.ApprovalToken, ex.ApprovalExpiresAt, ex.ApprovalRespondedAt,
		ex.NextCheckAt, ex.MonitorIntervalSeconds, ex.BrokerErrorCount, ex.CancelRequested,
		ex.StartedAt, ex.CompletedAt, ex.CreatedAt,
		m.state, m.result, m.reports, m.logs, m.agentStates, m.costBreakdown,
		ex.ErrorMessage,
	)
	if err != nil {
		log.Error().Err(err).
			Str("execution_id", ex.ID.String()).
			Str("symbol", ex.Symbol).
			Msg("Failed to insert execution")
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	log.Debug().
		Str("execution_id", ex.ID.String()).
		Str("pipeline_id", ex.PipelineID.String()).
		Str("symbol", ex.Symbol).
		Msg("Execution created")

	return nil
}

// Load retrieves an execution by id
func (s *Postgres) Load(ctx context.Context, id uuid.UUID) (*Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

// LoadByApprovalToken retrieves an execution by its unique approval token
func (s *Postgres) LoadByApprovalToken(ctx context.Context, token string) (*Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE approval_token = $1`, token)
	return scanExecution(row)
}

// CompareAndSave commits the snapshot at expectedVersion+1 or fails with
// ErrStaleWrite. The pipeline_state blob and every derivative mirror are
// written in the same statement, so readers never see them diverge.
func (s *Postgres) CompareAndSave(ctx context.Context, ex *Execution, expectedVersion int64) error {
	if err := ex.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to save inconsistent execution: %w", err)
	}

	m, err := newMirrors(ex.State)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET status = $1,
		    execution_phase = $2,
		    version = $3,
		    approval_status = $4,
		    approval_token = $5,
		    approval_expires_at = $6,
		    approval_responded_at = $7,
		    next_check_at = $8,
		    monitor_interval_seconds = $9,
		    broker_error_count = $10,
		    cancel_requested = $11,
		    started_at = $12,
		    completed_at = $13,
		    pipeline_state = $14,
		    result = $15,
		    reports = $16,
		    logs = $17,
		    agent_states = $18,
		    cost_breakdown = $19,
		    error_message = $20
		WHERE id = $21 AND version = $22
	`

	tag, err := s.pool.Exec(ctx, query,
		ex.Status, ex.Phase, expectedVersion+1,
		ex.ApprovalStatus, ex.ApprovalToken, ex.ApprovalExpiresAt, ex.ApprovalRespondedAt,
		ex.NextCheckAt, ex.MonitorIntervalSeconds, ex.BrokerErrorCount, ex.CancelRequested,
		ex.StartedAt, ex.CompletedAt,
		m.state, m.result, m.reports, m.logs, m.agentStates, m.costBreakdown,
		ex.ErrorMessage,
		ex.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a version conflict
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, ex.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		log.Debug().
			Str("execution_id", ex.ID.String()).
			Int64("expected_version", expectedVersion).
			Msg("Optimistic concurrency conflict")
		return ErrStaleWrite
	}

	ex.Version = expectedVersion + 1
	return nil
}

// List retrieves executions matching the filter, newest first
func (s *Postgres) List(ctx context.Context, f Filter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []interface{}{}
	pos := 1

	if f.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", pos)
		args = append(args, *f.UserID)
		pos++
	}
	if f.PipelineID != nil {
		query += fmt.Sprintf(" AND pipeline_id = $%d", pos)
		args = append(args, *f.PipelineID)
		pos++
	}
	if f.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", pos)
		args = append(args, f.Symbol)
		pos++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", pos)
		args = append(args, statuses)
		pos++
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", pos)
		args = append(args, f.Limit)
		pos++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", pos)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*Execution, 0)
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// HasActive reports whether a non-terminal execution exists for the pair
func (s *Postgres) HasActive(ctx context.Context, pipelineID uuid.UUID, symbol string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM executions
			WHERE pipeline_id = $1 AND symbol = $2
			  AND status NOT IN ('completed', 'failed', 'cancelled', 'skipped')
		)`, pipelineID, symbol).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active executions: %w", err)
	}
	return exists, nil
}

// DueMonitorPolls lists executions whose next_check_at has passed
func (s *Postgres) DueMonitorPolls(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE status IN ('monitoring', 'communication_error')
		  AND next_check_at IS NOT NULL AND next_check_at <= $1
		ORDER BY next_check_at
		LIMIT $2`, now, limit)
}

// DueApprovalTimeouts lists executions whose approval deadline has passed
func (s *Postgres) DueApprovalTimeouts(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE status = 'awaiting_approval' AND approval_status = 'pending'
		  AND approval_expires_at IS NOT NULL AND approval_expires_at <= $1
		ORDER BY approval_expires_at
		LIMIT $2`, now, limit)
}

// DueApprovedResumes lists approved executions still parked at the gate,
// decided before the cutoff
func (s *Postgres) DueApprovedResumes(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE status = 'awaiting_approval' AND approval_status = 'approved'
		  AND approval_responded_at IS NOT NULL AND approval_responded_at <= $1
		ORDER BY approval_responded_at
		LIMIT $2`, cutoff, limit)
}

// StaleRunning lists pending/running executions older than the cutoff
func (s *Postgres) StaleRunning(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE status IN ('pending', 'running')
		  AND COALESCE(started_at, created_at) < $1`, cutoff)
}

// StaleMonitoring lists monitoring executions presumed to have lost their
// self-reschedule task, plus communication_error rows with retries pending.
// Paused communication_error rows (next_check_at null) are intentionally
// awaiting the user and are skipped.
func (s *Postgres) StaleMonitoring(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE (status = 'monitoring'
		       OR (status = 'communication_error' AND next_check_at IS NOT NULL))
		  AND started_at IS NOT NULL AND started_at < $1`, cutoff)
}

// DeleteTerminalOlderThan removes terminal executions past retention
func (s *Postgres) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM executions
		WHERE status IN ('completed', 'failed', 'cancelled', 'skipped')
		  AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) queryIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// mirrors bundles the serialized pipeline_state blob with the derivative
// views written atomically alongside it
type mirrors struct {
	state         []byte
	result        []byte
	reports       []byte
	logs          []byte
	agentStates   []byte
	costBreakdown []byte
}

func newMirrors(st *pipeline.State) (*mirrors, error) {
	if st == nil {
		return &mirrors{}, nil
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline state: %w", err)
	}
	resultJSON, err := json.Marshal(st.Result())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result view: %w", err)
	}
	reportsJSON, err := json.Marshal(st.AgentReports)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reports view: %w", err)
	}
	logsJSON, err := json.Marshal(st.ExecutionLog)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log view: %w", err)
	}
	agentStatesJSON, err := json.Marshal(st.AgentStates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent states view: %w", err)
	}
	costJSON, err := json.Marshal(st.CostBreakdown())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cost breakdown: %w", err)
	}

	return &mirrors{
		state:         stateJSON,
		result:        resultJSON,
		reports:       reportsJSON,
		logs:          logsJSON,
		agentStates:   agentStatesJSON,
		costBreakdown: costJSON,
	}, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var ex Execution
	var stateJSON, resultJSON, reportsJSON, logsJSON, agentStatesJSON, costJSON []byte

	err := row.Scan(
		&ex.ID, &ex.PipelineID, &ex.UserID, &ex.Symbol, &ex.Mode, &ex.Status, &ex.Phase, &ex.Version,
		&ex.ApprovalStatus, &ex.ApprovalToken, &ex.ApprovalExpiresAt, &ex.ApprovalRespondedAt,
		&ex.NextCheckAt, &ex.MonitorIntervalSeconds, &ex.BrokerErrorCount, &ex.CancelRequested,
		&ex.StartedAt, &ex.CompletedAt, &ex.CreatedAt,
		&stateJSON, &resultJSON, &reportsJSON, &logsJSON, &agentStatesJSON, &costJSON,
		&ex.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if len(stateJSON) > 0 {
		var st pipeline.State
		if err := json.Unmarshal(stateJSON, &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pipeline state: %w", err)
		}
		ex.State = &st
	} else {
		// Rows created before the pipeline_state column existed carry only
		// the derivative views; reconstruct a best-effort envelope.
		st, err := stateFromLegacy(&ex, reportsJSON, logsJSON, agentStatesJSON, costJSON)
		if err != nil {
			return nil, err
		}
		ex.State = st
	}

	return &ex, nil
}

// stateFromLegacy rebuilds a PipelineState from the derivative columns
func stateFromLegacy(ex *Execution, reportsJSON, logsJSON, agentStatesJSON, costJSON []byte) (*pipeline.State, error) {
	st := &pipeline.State{
		PipelineID:  ex.PipelineID.String(),
		ExecutionID: ex.ID.String(),
		UserID:      ex.UserID.String(),
		Symbol:      ex.Symbol,
		Mode:        ex.Mode,
		AgentCosts:  make(map[string]float64),
		AgentStates: make(map[string]*pipeline.AgentState),
		UpdatedAt:   ex.CreatedAt,
	}
	if ex.StartedAt != nil {
		st.StartedAt = *ex.StartedAt
	} else {
		st.StartedAt = ex.CreatedAt
	}
	st.CompletedAt = ex.CompletedAt

	if len(reportsJSON) > 0 {
		if err := json.Unmarshal(reportsJSON, &st.AgentReports); err != nil {
			return nil, fmt.Errorf("failed to unmarshal legacy reports: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &st.ExecutionLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal legacy logs: %w", err)
		}
	}
	if len(agentStatesJSON) > 0 {
		if err := json.Unmarshal(agentStatesJSON, &st.AgentStates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal legacy agent states: %w", err)
		}
	}
	if len(costJSON) > 0 {
		var cost struct {
			TotalCost  float64            `json:"total_cost"`
			AgentCosts map[string]float64 `json:"agent_costs"`
		}
		if err := json.Unmarshal(costJSON, &cost); err != nil {
			return nil, fmt.Errorf("failed to unmarshal legacy cost breakdown: %w", err)
		}
		st.TotalCost = cost.TotalCost
		if cost.AgentCosts != nil {
			st.AgentCosts = cost.AgentCosts
		}
	}

	return st, nil
}
