package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/pipeline"
)

// ErrPipelineNotFound is returned when a pipeline does not exist
var ErrPipelineNotFound = errors.New("pipeline not found")

// PipelineStore persists pipeline definitions. The node/edge graph is stored
// as a JSON document; scheduling fields are first-class columns so the
// dispatcher can query them.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*pipeline.Pipeline, error)
	UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error
	DeletePipeline(ctx context.Context, id uuid.UUID) error
	ListPipelines(ctx context.Context, userID *uuid.UUID) ([]*pipeline.Pipeline, error)

	// ListActivePeriodic returns the pipelines the trigger dispatcher scans
	ListActivePeriodic(ctx context.Context) ([]*pipeline.Pipeline, error)
}

type pipelineDefinition struct {
	Nodes []pipeline.Node `json:"nodes"`
	Edges []pipeline.Edge `json:"edges"`
}

const pipelineColumns = `
	id, user_id, name, description, schema_version, trigger_mode, symbols, mode,
	approval_required, approval_ttl_seconds, monitor_interval_seconds,
	definition, active, created_at, updated_at`

// CreatePipeline validates and inserts a pipeline definition
func (s *Postgres) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.SchemaVersion == "" {
		p.SchemaVersion = pipeline.SchemaVersion
	}

	defJSON, err := json.Marshal(pipelineDefinition{Nodes: p.Nodes, Edges: p.Edges})
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline definition: %w", err)
	}

	query := `
		INSERT INTO pipelines (` + pipelineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Name, p.Description, p.SchemaVersion, p.TriggerMode, p.Symbols, p.Mode,
		p.ApprovalRequired, p.ApprovalTTL.Seconds(), p.MonitorInterval.Seconds(),
		defJSON, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}

	log.Info().
		Str("pipeline_id", p.ID.String()).
		Str("name", p.Name).
		Msg("Pipeline created")

	return nil
}

// GetPipeline retrieves a pipeline by id
func (s *Postgres) GetPipeline(ctx context.Context, id uuid.UUID) (*pipeline.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	return scanPipeline(row)
}

// UpdatePipeline validates and saves a pipeline definition
func (s *Postgres) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	defJSON, err := json.Marshal(pipelineDefinition{Nodes: p.Nodes, Edges: p.Edges})
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline definition: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET name = $1, description = $2, schema_version = $3, trigger_mode = $4,
		    symbols = $5, mode = $6, approval_required = $7,
		    approval_ttl_seconds = $8, monitor_interval_seconds = $9,
		    definition = $10, active = $11, updated_at = $12
		WHERE id = $13`,
		p.Name, p.Description, p.SchemaVersion, p.TriggerMode,
		p.Symbols, p.Mode, p.ApprovalRequired,
		p.ApprovalTTL.Seconds(), p.MonitorInterval.Seconds(),
		defJSON, p.Active, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// DeletePipeline removes a pipeline definition
func (s *Postgres) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPipelineNotFound
	}
	log.Info().Str("pipeline_id", id.String()).Msg("Pipeline deleted")
	return nil
}

// ListPipelines retrieves pipelines, optionally filtered by owner
func (s *Postgres) ListPipelines(ctx context.Context, userID *uuid.UUID) ([]*pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines`
	args := []interface{}{}
	if userID != nil {
		query += ` WHERE user_id = $1`
		args = append(args, *userID)
	}
	query += ` ORDER BY created_at DESC`

	return s.queryPipelines(ctx, query, args...)
}

// ListActivePeriodic returns active pipelines in periodic trigger mode
func (s *Postgres) ListActivePeriodic(ctx context.Context) ([]*pipeline.Pipeline, error) {
	return s.queryPipelines(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE active AND trigger_mode = 'periodic'`)
}

func (s *Postgres) queryPipelines(ctx context.Context, query string, args ...interface{}) ([]*pipeline.Pipeline, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}
	defer rows.Close()

	pipelines := make([]*pipeline.Pipeline, 0)
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

func scanPipeline(row rowScanner) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var approvalTTLSeconds, monitorIntervalSeconds float64
	var defJSON []byte

	err := row.Scan(
		&p.ID, &p.UserID, &p.Name, &p.Description, &p.SchemaVersion, &p.TriggerMode,
		&p.Symbols, &p.Mode, &p.ApprovalRequired, &approvalTTLSeconds,
		&monitorIntervalSeconds, &defJSON, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPipelineNotFound
		}
		return nil, fmt.Errorf("failed to scan pipeline: %w", err)
	}

	p.ApprovalTTL = time.Duration(approvalTTLSeconds * float64(time.Second))
	p.MonitorInterval = time.Duration(monitorIntervalSeconds * float64(time.Second))

	if len(defJSON) > 0 {
		var def pipelineDefinition
		if err := json.Unmarshal(defJSON, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pipeline definition: %w", err)
		}
		p.Nodes = def.Nodes
		p.Edges = def.Edges
	}

	return &p, nil
}
