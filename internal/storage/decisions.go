package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittyrouter/internal/model"
)

// SaveMintingDecision writes the immutable audit record for an identifier.
// A second decision for the same identifier is dropped, never rewritten:
// re-deciding with the stored beacon round yields the same outcome anyway.
func (db *DB) SaveMintingDecision(ctx context.Context, dec *model.MintingDecision) error {
	if dec.DecidedAt.IsZero() {
		dec.DecidedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO minting_decisions (chitty_id, strategy, security_score,
		 beacon_round, beacon_value, verifiable, rationale, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (chitty_id) DO NOTHING`,
		string(dec.ChittyID), string(dec.Strategy), dec.SecurityScore,
		int64(dec.BeaconRound), dec.BeaconValue, dec.Verifiable, dec.Rationale, //nolint:gosec // beacon rounds are far below int64 range
		dec.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save minting decision %s: %w", dec.ChittyID, err)
	}
	return nil
}

// GetMintingDecision loads the decision for an identifier.
func (db *DB) GetMintingDecision(ctx context.Context, id model.ChittyID) (*model.MintingDecision, error) {
	var (
		dec      model.MintingDecision
		chittyID string
		strategy string
		round    int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT chitty_id, strategy, security_score, beacon_round, beacon_value,
		 verifiable, rationale, decided_at
		 FROM minting_decisions WHERE chitty_id = $1`, string(id),
	).Scan(&chittyID, &strategy, &dec.SecurityScore, &round, &dec.BeaconValue,
		&dec.Verifiable, &dec.Rationale, &dec.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get minting decision %s: %w", id, err)
	}
	dec.ChittyID = model.ChittyID(chittyID)
	dec.Strategy = model.MintStrategy(strategy)
	dec.BeaconRound = uint64(round) //nolint:gosec // stored from a non-negative round
	return &dec, nil
}

// CountDecisionsByStrategy returns decision counts per strategy since the
// given time. The billing reconciliation job compares this against the
// billing stream.
func (db *DB) CountDecisionsByStrategy(ctx context.Context, since time.Time) (map[model.MintStrategy]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT strategy, count(*) FROM minting_decisions
		 WHERE decided_at >= $1 GROUP BY strategy`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.MintStrategy]int64)
	for rows.Next() {
		var strategy string
		var n int64
		if err := rows.Scan(&strategy, &n); err != nil {
			return nil, fmt.Errorf("storage: scan decision count: %w", err)
		}
		counts[model.MintStrategy(strategy)] = n
	}
	return counts, rows.Err()
}
