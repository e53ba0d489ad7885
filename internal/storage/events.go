package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
)

// IntegrationEvent is one row of the orchestrator's event-sourced trail.
type IntegrationEvent struct {
	Seq        int64             `json:"seq"`
	ChittyID   model.ChittyID    `json:"chitty_id"`
	Event      string            `json:"event"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// AppendIntegrationEvent appends to the per-identifier integration trail.
func (db *DB) AppendIntegrationEvent(ctx context.Context, chittyID model.ChittyID, event string, detail map[string]string) error {
	detailJSON, err := toJSONB(detail)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO integration_events (chitty_id, event, detail, occurred_at)
		 VALUES ($1, $2, $3, now())`,
		string(chittyID), event, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: append integration event: %w", err)
	}
	return nil
}

// ListIntegrationEvents returns the trail for one identifier in append order.
func (db *DB) ListIntegrationEvents(ctx context.Context, chittyID model.ChittyID) ([]IntegrationEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT seq, chitty_id, event, detail, occurred_at
		 FROM integration_events WHERE chitty_id = $1 ORDER BY seq ASC`,
		string(chittyID),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list integration events: %w", err)
	}
	defer rows.Close()

	var events []IntegrationEvent
	for rows.Next() {
		var (
			ev     IntegrationEvent
			id     string
			detail []byte
		)
		if err := rows.Scan(&ev.Seq, &id, &ev.Event, &detail, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan integration event: %w", err)
		}
		ev.ChittyID = model.ChittyID(id)
		if err := fromJSONB(detail, &ev.Detail); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
