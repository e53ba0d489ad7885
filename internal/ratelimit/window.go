package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chittyos/chittyrouter/internal/memory"
)

// Window is a sliding-window counter limiter over the working-memory tier.
// Counters live in Redis when available, so the limit holds across replicas;
// the in-process fallback bounds a single instance.
//
// Used for the email pipeline's per-sender and per-domain hourly quotas,
// where keys arrive from the outside world and a token bucket per key would
// be unbounded state.
//
// The window slides over two adjacent fixed buckets: the previous bucket's
// count is weighted by how much of it still overlaps the trailing window.
// The weighted total never undercounts a steady flood, so the accepted count
// over any span of one window length stays at or under the limit. A burst
// straddling a bucket boundary cannot double its allowance.
type Window struct {
	store  memory.WorkingStore
	limit  int64
	window time.Duration
	prefix string

	now func() time.Time
}

// NewWindow builds a limiter allowing limit events per window for each key.
func NewWindow(store memory.WorkingStore, prefix string, limit int, window time.Duration) *Window {
	return &Window{
		store:  store,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow counts one event for key and reports whether the weighted total over
// the trailing window is within the limit. The count is consumed even when
// denied, so a flooding sender stays denied until its backlog ages out.
func (w *Window) Allow(ctx context.Context, key string) (bool, error) {
	now := w.now()
	idx := now.UnixNano() / int64(w.window)
	frac := float64(now.UnixNano()%int64(w.window)) / float64(w.window)

	prev, err := w.bucketCount(ctx, key, idx-1)
	if err != nil {
		return false, err
	}
	// Buckets expire after two windows: by then they no longer overlap any
	// trailing window.
	cur, err := w.store.Incr(ctx, w.bucketKey(key, idx), 2*w.window)
	if err != nil {
		return false, err
	}

	weighted := float64(cur) + float64(prev)*(1-frac)
	return weighted <= float64(w.limit), nil
}

// Close is a no-op; the working store is owned by the caller.
func (w *Window) Close() error { return nil }

func (w *Window) bucketKey(key string, idx int64) string {
	return fmt.Sprintf("%s:%s:%d", w.prefix, key, idx)
}

func (w *Window) bucketCount(ctx context.Context, key string, idx int64) (int64, error) {
	v, err := w.store.Get(ctx, w.bucketKey(key, idx))
	if errors.Is(err, memory.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: bucket %s holds %q: %w", w.bucketKey(key, idx), v, err)
	}
	return n, nil
}
