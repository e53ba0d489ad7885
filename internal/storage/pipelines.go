package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittyrouter/internal/model"
)

// SavePipelineExecution upserts a pipeline execution with its stage results.
// The engine writes after every stage transition so status queries always
// see current progress.
func (db *DB) SavePipelineExecution(ctx context.Context, ex *model.PipelineExecution) error {
	stages, err := toJSONB(ex.Stages)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipeline_executions (pipeline_id, kind, correlation_id,
		 session_id, status, stages, chitty_id, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (pipeline_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     stages = EXCLUDED.stages,
		     chitty_id = EXCLUDED.chitty_id,
		     completed_at = EXCLUDED.completed_at`,
		ex.PipelineID, ex.Kind, ex.CorrelationID, ex.SessionID, ex.Status,
		stages, chittyIDPtr(ex.ChittyID), ex.StartedAt, ex.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save pipeline %s: %w", ex.PipelineID, err)
	}
	return nil
}

// GetPipelineExecution loads one execution with stage-by-stage progress.
func (db *DB) GetPipelineExecution(ctx context.Context, pipelineID string) (*model.PipelineExecution, error) {
	var (
		ex       model.PipelineExecution
		stages   []byte
		chittyID *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT pipeline_id, kind, correlation_id, session_id, status, stages,
		 chitty_id, started_at, completed_at
		 FROM pipeline_executions WHERE pipeline_id = $1`, pipelineID,
	).Scan(&ex.PipelineID, &ex.Kind, &ex.CorrelationID, &ex.SessionID, &ex.Status,
		&stages, &chittyID, &ex.StartedAt, &ex.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get pipeline %s: %w", pipelineID, err)
	}
	if chittyID != nil {
		cid := model.ChittyID(*chittyID)
		ex.ChittyID = &cid
	}
	if err := fromJSONB(stages, &ex.Stages); err != nil {
		return nil, err
	}
	return &ex, nil
}
