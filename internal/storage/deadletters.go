package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
)

// Record mirrors a dead letter into Postgres. The email pipeline writes
// here directly; the queue consumer's letters land via the NATS DLQ bridge.
func (db *DB) Record(ctx context.Context, dl model.DeadLetter) error {
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO dead_letters (source, envelope, last_error, attempts, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		dl.Source, dl.Envelope, dl.LastError, dl.Attempts, dl.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters for one source.
func (db *DB) ListDeadLetters(ctx context.Context, source string, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT source, envelope, last_error, attempts, recorded_at
		 FROM dead_letters WHERE source = $1
		 ORDER BY seq DESC LIMIT $2`, source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.Source, &dl.Envelope, &dl.LastError, &dl.Attempts, &dl.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}
