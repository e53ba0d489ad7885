package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittyrouter/internal/model"
)

// SaveEvidence inserts a new ledger entry. Every intake is preserved; an
// existing identifier is an error, not an overwrite.
func (db *DB) SaveEvidence(ctx context.Context, rec *model.EvidenceRecord) error {
	entities, err := toJSONB(rec.Entities)
	if err != nil {
		return err
	}
	hints, err := toJSONB(rec.Hints)
	if err != nil {
		return err
	}
	related, err := toJSONB(rec.RelatedIDs)
	if err != nil {
		return err
	}
	history, err := toJSONB(rec.ReindexHistory)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO evidence_records (chitty_id, probability, priority, payload_hash,
		 entities, source, content_type, hints, companion_id, related_ids,
		 reindex_history, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(rec.ChittyID), rec.Probability, string(rec.Priority), rec.PayloadHash,
		entities, rec.Source, rec.ContentType, hints, chittyIDPtr(rec.CompanionID),
		related, history, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save evidence %s: %w", rec.ChittyID, err)
	}
	return nil
}

// UpdateEvidence rewrites the mutable ledger fields of an existing record:
// probability, companion, related links, and the reindex history.
func (db *DB) UpdateEvidence(ctx context.Context, rec *model.EvidenceRecord) error {
	related, err := toJSONB(rec.RelatedIDs)
	if err != nil {
		return err
	}
	history, err := toJSONB(rec.ReindexHistory)
	if err != nil {
		return err
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_records
		 SET probability = $2, priority = $3, companion_id = $4, related_ids = $5,
		     reindex_history = $6, updated_at = now()
		 WHERE chitty_id = $1`,
		string(rec.ChittyID), rec.Probability, string(rec.Priority),
		chittyIDPtr(rec.CompanionID), related, history,
	)
	if err != nil {
		return fmt.Errorf("storage: update evidence %s: %w", rec.ChittyID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEvidence loads one ledger entry by identifier.
func (db *DB) GetEvidence(ctx context.Context, id model.ChittyID) (*model.EvidenceRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT chitty_id, probability, priority, payload_hash, entities, source,
		 content_type, hints, companion_id, related_ids, reindex_history, created_at
		 FROM evidence_records WHERE chitty_id = $1`, string(id),
	)
	rec, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get evidence %s: %w", id, err)
	}
	return rec, nil
}

// ListEvidenceSince returns records created at or after since, oldest first,
// capped at limit. The reindexer walks its sliding window with this.
func (db *DB) ListEvidenceSince(ctx context.Context, since time.Time, limit int) ([]model.EvidenceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT chitty_id, probability, priority, payload_hash, entities, source,
		 content_type, hints, companion_id, related_ids, reindex_history, created_at
		 FROM evidence_records WHERE created_at >= $1
		 ORDER BY created_at ASC LIMIT $2`, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	defer rows.Close()

	var recs []model.EvidenceRecord
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanEvidence(row pgx.Row) (*model.EvidenceRecord, error) {
	var (
		rec         model.EvidenceRecord
		id          string
		priority    string
		entities    []byte
		hints       []byte
		companionID *string
		related     []byte
		history     []byte
	)
	if err := row.Scan(&id, &rec.Probability, &priority, &rec.PayloadHash,
		&entities, &rec.Source, &rec.ContentType, &hints, &companionID,
		&related, &history, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ChittyID = model.ChittyID(id)
	rec.Priority = model.Priority(priority)
	if companionID != nil {
		cid := model.ChittyID(*companionID)
		rec.CompanionID = &cid
	}
	if err := fromJSONB(entities, &rec.Entities); err != nil {
		return nil, err
	}
	if err := fromJSONB(hints, &rec.Hints); err != nil {
		return nil, err
	}
	if err := fromJSONB(related, &rec.RelatedIDs); err != nil {
		return nil, err
	}
	if err := fromJSONB(history, &rec.ReindexHistory); err != nil {
		return nil, err
	}
	return &rec, nil
}

func chittyIDPtr(id *model.ChittyID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
