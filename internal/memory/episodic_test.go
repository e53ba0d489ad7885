package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newEpisodic(t *testing.T) *SQLiteEpisodic {
	t.Helper()
	s, err := NewSQLiteEpisodic(filepath.Join(t.TempDir(), "episodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEpisodicWriteOnce(t *testing.T) {
	s := newEpisodic(t)
	ctx := context.Background()

	key := "emails/2026-08-25/CHITTY-EVNT-1-00"
	require.NoError(t, s.Put(ctx, key, []byte("first")))

	err := s.Put(ctx, key, []byte("second"))
	require.ErrorIs(t, err, ErrExists)

	// The original blob is untouched.
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestEpisodicGetMissing(t *testing.T) {
	s := newEpisodic(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEpisodicListByPrefix(t *testing.T) {
	s := newEpisodic(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "episodes/A-1/2026-08-25/s1.json", []byte("{}")))
	require.NoError(t, s.Put(ctx, "episodes/A-1/2026-08-25/s2.json", []byte("{}")))
	require.NoError(t, s.Put(ctx, "episodes/B-2/2026-08-25/s1.json", []byte("{}")))

	keys, err := s.List(ctx, "episodes/A-1/", 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.Contains(t, k, "episodes/A-1/")
	}
}

func TestEpisodicSweepRetention(t *testing.T) {
	s := newEpisodic(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "old", []byte("x")))
	require.NoError(t, s.Put(ctx, "new", []byte("y")))

	// Nothing is older than 90 days yet.
	n, err := s.Sweep(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	// Everything is older than a future cutoff.
	n, err = s.Sweep(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestRunSweeperEnforcesRetention(t *testing.T) {
	s := newEpisodic(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Put(ctx, "emails/2026-01-01/old", []byte("x")))
	require.NoError(t, s.Put(ctx, "emails/2026-08-25/new", []byte("y")))

	// Backdate the first episode past the retention horizon.
	_, err := s.db.Exec(`UPDATE episodes SET created_at = ? WHERE key = ?`,
		time.Now().Add(-100*24*time.Hour).Unix(), "emails/2026-01-01/old")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go RunSweeper(ctx, s, 90*24*time.Hour, time.Hour, logger)

	// The startup pass trims the expired episode without waiting a tick.
	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "emails/2026-01-01/old")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Get(ctx, "emails/2026-08-25/new")
	require.NoError(t, err)
}
