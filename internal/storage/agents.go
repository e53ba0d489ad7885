package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittyrouter/internal/model"
)

// LoadAgentState loads an agent's durable state (memory Tier 4).
func (db *DB) LoadAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	var (
		state  model.AgentState
		scores []byte
		stats  []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, name, model_scores, stats, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&state.AgentID, &state.Name, &scores, &stats, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load agent %s: %w", agentID, err)
	}
	if err := fromJSONB(scores, &state.ModelScores); err != nil {
		return nil, err
	}
	if err := fromJSONB(stats, &state.Stats); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveAgentState upserts an agent's durable state. The substrate serializes
// writes per agent, so last-write-wins here is safe.
func (db *DB) SaveAgentState(ctx context.Context, state *model.AgentState) error {
	scores, err := toJSONB(state.ModelScores)
	if err != nil {
		return err
	}
	stats, err := toJSONB(state.Stats)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO agents (agent_id, name, model_scores, stats, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id) DO UPDATE
		 SET model_scores = EXCLUDED.model_scores,
		     stats = EXCLUDED.stats,
		     updated_at = EXCLUDED.updated_at`,
		state.AgentID, state.Name, scores, stats, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save agent %s: %w", state.AgentID, err)
	}
	return nil
}

// AppendInteraction records one completed agent interaction.
func (db *DB) AppendInteraction(ctx context.Context, log *model.InteractionLog) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO interactions (id, agent_id, task_type, prompt, provider,
		 response, success, quality_score, cost, latency_ms, session_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.ID, log.AgentID, log.TaskType, log.Prompt, log.Provider,
		log.Response, log.Success, log.QualityScore, log.Cost, log.LatencyMs,
		log.SessionID, log.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append interaction %s: %w", log.ID, err)
	}
	return nil
}

// ListInteractions returns an agent's most recent interactions, newest first.
func (db *DB) ListInteractions(ctx context.Context, agentID string, limit int) ([]model.InteractionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, task_type, prompt, provider, response, success,
		 quality_score, cost, latency_ms, session_id, occurred_at
		 FROM interactions WHERE agent_id = $1
		 ORDER BY occurred_at DESC LIMIT $2`, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list interactions: %w", err)
	}
	defer rows.Close()

	var logs []model.InteractionLog
	for rows.Next() {
		var l model.InteractionLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.TaskType, &l.Prompt, &l.Provider,
			&l.Response, &l.Success, &l.QualityScore, &l.Cost, &l.LatencyMs,
			&l.SessionID, &l.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan interaction: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
