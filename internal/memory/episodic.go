package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// ErrExists is returned when a write-once episodic key is written twice.
var ErrExists = errors.New("memory: episode already exists")

// EpisodicStore is Tier 3: an immutable write-once blob store. Keys expose
// date and agent segments (emails/<yyyy-mm-dd>/<id>, episodes/<agent>/...)
// for cheap prefix listing. Retention is enforced by Sweep.
type EpisodicStore interface {
	Put(ctx context.Context, key string, blob []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// SQLiteEpisodic backs the episodic tier with a local SQLite file.
type SQLiteEpisodic struct {
	db *sql.DB
}

// NewSQLiteEpisodic opens (or creates) the episode database at path.
func NewSQLiteEpisodic(path string) (*SQLiteEpisodic, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open episodic db: %w", err)
	}
	// Single writer; the agent substrate serializes per-agent writes already.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS episodes (
		key        TEXT PRIMARY KEY,
		body       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: create episodes table: %w", err)
	}
	return &SQLiteEpisodic{db: db}, nil
}

// Put stores a blob under key. Episodes are write-once: a second write to
// the same key returns ErrExists.
func (s *SQLiteEpisodic) Put(ctx context.Context, key string, blob []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (key, body, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, blob, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("memory: episodic put: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory: episodic put rows: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteEpisodic) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM episodes WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: episodic get: %w", err)
	}
	return body, nil
}

// List returns up to limit keys with the given prefix, oldest first.
func (s *SQLiteEpisodic) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM episodes WHERE key LIKE ? || '%' ORDER BY created_at ASC LIMIT ?`,
		prefix, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: episodic list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("memory: episodic scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Sweep deletes episodes created before olderThan and returns the count.
func (s *SQLiteEpisodic) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM episodes WHERE created_at < ?`, olderThan.UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("memory: episodic sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteEpisodic) Close() error { return s.db.Close() }

// RunSweeper enforces the retention policy until ctx is cancelled, deleting
// episodes older than retention every interval. One pass runs immediately so
// an instance that was down past its interval catches up on start.
func RunSweeper(ctx context.Context, store EpisodicStore, retention, interval time.Duration, logger *slog.Logger) {
	sweep := func() {
		n, err := store.Sweep(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("episodic sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("episodic sweep", "deleted", n, "retention", retention)
		}
	}
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
