package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/chittyos/chittyrouter/internal/memory"
)

// SemanticIndex is the Postgres-backed Tier 2 fallback, used when no Qdrant
// is configured. Cosine distance over a pgvector column; good enough for
// small deployments, swapped for Qdrant at scale.
type SemanticIndex struct {
	db *DB
}

// NewSemanticIndex returns a semantic index over the semantic_entries table.
func (db *DB) NewSemanticIndex() *SemanticIndex {
	return &SemanticIndex{db: db}
}

// Upsert inserts or replaces one entry. Entries without a vector are
// dropped, matching the degraded-embedding contract of the tier.
func (s *SemanticIndex) Upsert(ctx context.Context, entry memory.SemanticEntry) error {
	if len(entry.Vector) == 0 {
		return nil
	}
	metadata, err := toJSONB(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO semantic_entries (id, agent_id, kind, content, embedding, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET agent_id = EXCLUDED.agent_id,
		     kind = EXCLUDED.kind,
		     content = EXCLUDED.content,
		     embedding = EXCLUDED.embedding,
		     metadata = EXCLUDED.metadata`,
		entry.ID, entry.AgentID, entry.Kind, entry.Text,
		pgvector.NewVector(entry.Vector), metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: semantic upsert %s: %w", entry.ID, err)
	}
	return nil
}

// Query returns the k nearest entries by cosine distance, optionally
// filtered on the agent_id and kind columns.
func (s *SemanticIndex) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]memory.SemanticEntry, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	query := `SELECT id, agent_id, kind, content, metadata,
	 1 - (embedding <=> $1) AS score
	 FROM semantic_entries WHERE embedding IS NOT NULL`
	args := []any{pgvector.NewVector(vector)}
	for _, col := range []string{"agent_id", "kind"} {
		if v, ok := filter[col]; ok {
			args = append(args, v)
			query += fmt.Sprintf(" AND %s = $%d", col, len(args))
		}
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: semantic query: %w", err)
	}
	defer rows.Close()

	var entries []memory.SemanticEntry
	for rows.Next() {
		var (
			entry    memory.SemanticEntry
			metadata []byte
			score    float64
		)
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.Kind, &entry.Text,
			&metadata, &score); err != nil {
			return nil, fmt.Errorf("storage: scan semantic entry: %w", err)
		}
		entry.Score = float32(score)
		if err := fromJSONB(metadata, &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Healthy checks database connectivity.
func (s *SemanticIndex) Healthy(ctx context.Context) error { return s.db.Ping(ctx) }

// Close is a no-op; the DB owns the pool.
func (s *SemanticIndex) Close() error { return nil }
