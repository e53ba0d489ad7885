package synchub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/storage"
	"github.com/chittyos/chittyrouter/internal/vclock"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[model.ChittyID]*model.Session
	todos     map[string]*model.Todo // userID+"/"+todoID
	conflicts []model.TodoConflict
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[model.ChittyID]*model.Session),
		todos:    make(map[string]*model.Todo),
	}
}

func todoKey(userID string, id model.ChittyID) string { return userID + "/" + string(id) }

func (s *memStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.Clock = sess.Clock.Copy()
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, id model.ChittyID) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	cp.Clock = sess.Clock.Copy()
	return &cp, nil
}

func (s *memStore) GetTodo(_ context.Context, userID string, id model.ChittyID) (*model.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.todos[todoKey(userID, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	cp.Clock = t.Clock.Copy()
	return &cp, nil
}

func (s *memStore) UpsertTodo(_ context.Context, t *model.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Clock = t.Clock.Copy()
	s.todos[todoKey(t.UserID, t.ID)] = &cp
	return nil
}

func (s *memStore) ListTodosSince(_ context.Context, userID string, since time.Time) ([]model.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Todo
	for _, t := range s.todos {
		if t.UserID == userID && !t.UpdatedAt.Before(since) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) AppendConflict(_ context.Context, c *model.TodoConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, *c)
	return nil
}

type seqMinter struct {
	mu   sync.Mutex
	next int
}

func (m *seqMinter) Mint(_ context.Context, et model.EntityType, _ map[string]any) (model.ChittyID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return model.ChittyID(fmt.Sprintf("CHITTY-%s-%d-00", et, m.next)), nil
}

func (m *seqMinter) Validate(context.Context, model.ChittyID) error { return nil }

func newHub(t *testing.T, strategy Strategy) (*Hub, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(store, &seqMinter{}, NewBroker(8), strategy, logger), store
}

func makeTodo(id model.ChittyID, content string, clock vclock.Clock, updatedAt time.Time) model.Todo {
	return model.Todo{
		ID: id, UserID: "u1", Content: content, Status: model.TodoPending,
		Clock: clock, CreatedAt: updatedAt, UpdatedAt: updatedAt,
	}
}

func TestCreateSessionInitialClock(t *testing.T) {
	h, _ := newHub(t, StrategyLastWriteWins)

	s, err := h.CreateSession(context.Background(), "u1", "replica-a", map[string]any{"device": "laptop"})
	require.NoError(t, err)
	assert.Equal(t, model.EntityContext, s.ID.Type())
	assert.Equal(t, vclock.Clock{"replica-a": 1}, s.Clock)
	assert.Equal(t, model.SessionActive, s.Status)
}

func TestUpdateSessionIgnoresStaleEcho(t *testing.T) {
	h, _ := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	s, err := h.CreateSession(ctx, "u1", "replica-a", nil)
	require.NoError(t, err)

	// Advance the session once.
	s2, err := h.UpdateSession(ctx, s.ID, map[string]any{"cursor": "5"}, vclock.Clock{"replica-a": 2})
	require.NoError(t, err)
	assert.Equal(t, "5", s2.State["cursor"])

	// A stale clock must not clobber the newer state.
	s3, err := h.UpdateSession(ctx, s.ID, map[string]any{"cursor": "1"}, vclock.Clock{"replica-a": 1})
	require.NoError(t, err)
	assert.Equal(t, "5", s3.State["cursor"])
}

func TestUpdateSessionRefusedAfterTermination(t *testing.T) {
	h, _ := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	s, err := h.CreateSession(ctx, "u1", "replica-a", nil)
	require.NoError(t, err)
	require.NoError(t, h.TerminateSession(ctx, s.ID))

	_, err = h.UpdateSession(ctx, s.ID, map[string]any{"k": "v"}, vclock.Clock{"replica-a": 2})
	require.Error(t, err)
}

func TestSyncNewTodoAccepted(t *testing.T) {
	h, store := newHub(t, StrategyLastWriteWins)

	todo := makeTodo("CHITTY-CONTEXT-10-00", "write report", vclock.Clock{"a": 1}, time.Now().UTC())
	res, err := h.SyncTodos(context.Background(), "u1", []model.Todo{todo})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Empty(t, res.Conflicts)

	stored := store.todos[todoKey("u1", todo.ID)]
	require.NotNil(t, stored)
	// The stored clock strictly dominates the incoming one.
	assert.Equal(t, vclock.After, vclock.Compare(stored.Clock, todo.Clock))
}

func TestSyncStaleIncomingKeepsLocal(t *testing.T) {
	h, store := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	now := time.Now().UTC()
	newer := makeTodo("CHITTY-CONTEXT-11-00", "current", vclock.Clock{"a": 3}, now)
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{newer})
	require.NoError(t, err)

	stale := makeTodo("CHITTY-CONTEXT-11-00", "old", vclock.Clock{"a": 1}, now.Add(-time.Hour))
	res, err := h.SyncTodos(ctx, "u1", []model.Todo{stale})
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "current", store.todos[todoKey("u1", stale.ID)].Content)
}

func TestSyncConcurrentSameContentMergesSilently(t *testing.T) {
	h, store := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	now := time.Now().UTC()
	a := makeTodo("CHITTY-CONTEXT-12-00", "same text", vclock.Clock{"a": 2, "b": 1}, now)
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{a})
	require.NoError(t, err)

	b := makeTodo("CHITTY-CONTEXT-12-00", "same text", vclock.Clock{"a": 1, "b": 2, "hub": 99}, now)
	res, err := h.SyncTodos(ctx, "u1", []model.Todo{b})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts, "identical content is not a conflict")
	assert.Len(t, store.conflicts, 0)
}

func TestKeepBothStoresCrossReferencedPair(t *testing.T) {
	h, store := newHub(t, StrategyKeepBoth)
	ctx := context.Background()

	// Client A synced first with clock {A:3, B:2}.
	now := time.Now().UTC()
	localSeed := makeTodo("CHITTY-CONTEXT-13-00", "fix bug", vclock.Clock{"A": 3, "B": 2}, now)
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{localSeed})
	require.NoError(t, err)

	// Client B holds the concurrent version {A:2, B:3} with different text.
	// The hub ticked its own component on store, so B's clock is concurrent
	// with the stored one.
	incoming := makeTodo("CHITTY-CONTEXT-13-00", "fix bug and add tests", vclock.Clock{"A": 2, "B": 3}, now.Add(time.Second))
	res, err := h.SyncTodos(ctx, "u1", []model.Todo{incoming})
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1, "exactly one conflict log entry")
	require.Len(t, store.conflicts, 1)
	require.Len(t, res.Accepted, 2, "both versions survive")

	kept := store.todos[todoKey("u1", "CHITTY-CONTEXT-13-00")]
	require.NotNil(t, kept)
	require.NotNil(t, kept.ConflictWith, "original references the copy")

	dup := store.todos[todoKey("u1", *kept.ConflictWith)]
	require.NotNil(t, dup, "conflict copy is stored under a fresh identifier")
	require.NotNil(t, dup.ConflictWith)
	assert.Equal(t, kept.ID, *dup.ConflictWith, "copy references the original")
	assert.Equal(t, "fix bug and add tests", dup.Content)
	assert.Equal(t, "fix bug", kept.Content)
}

func TestLastWriteWinsPicksNewerUpdate(t *testing.T) {
	h, store := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	now := time.Now().UTC()
	local := makeTodo("CHITTY-CONTEXT-14-00", "older text", vclock.Clock{"A": 2}, now.Add(-time.Minute))
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{local})
	require.NoError(t, err)

	incoming := makeTodo("CHITTY-CONTEXT-14-00", "newer text", vclock.Clock{"B": 2}, now)
	res, err := h.SyncTodos(ctx, "u1", []model.Todo{incoming})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "newer text", store.todos[todoKey("u1", incoming.ID)].Content)
}

func TestStatusPriorityPrefersCompleted(t *testing.T) {
	h, store := newHub(t, StrategyStatusPriority)
	ctx := context.Background()

	now := time.Now().UTC()
	local := makeTodo("CHITTY-CONTEXT-15-00", "task", vclock.Clock{"A": 2}, now)
	local.Status = model.TodoCompleted
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{local})
	require.NoError(t, err)

	// The incoming version is newer but less advanced; status wins.
	incoming := makeTodo("CHITTY-CONTEXT-15-00", "task edited", vclock.Clock{"B": 2}, now.Add(time.Minute))
	incoming.Status = model.TodoInProgress
	_, err = h.SyncTodos(ctx, "u1", []model.Todo{incoming})
	require.NoError(t, err)
	assert.Equal(t, model.TodoCompleted, store.todos[todoKey("u1", local.ID)].Status)
}

func TestSoftDeletePublishesDeleteEvent(t *testing.T) {
	h, _ := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	ch, cancel := h.Watch("u1")
	defer cancel()

	now := time.Now().UTC()
	todo := makeTodo("CHITTY-CONTEXT-16-00", "to remove", vclock.Clock{"a": 1}, now)
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{todo})
	require.NoError(t, err)

	deleted := todo
	deleted.Clock = vclock.Clock{"a": 2, "hub": 1}
	del := now.Add(time.Second)
	deleted.DeletedAt = &del
	deleted.UpdatedAt = del
	_, err = h.SyncTodos(ctx, "u1", []model.Todo{deleted})
	require.NoError(t, err)

	ev1 := <-ch
	assert.Equal(t, model.ChangeUpsert, ev1.Action)
	ev2 := <-ch
	assert.Equal(t, model.ChangeDelete, ev2.Action)
	assert.False(t, ev2.Todo.Visible())
}

func TestPullSinceIncludesSoftDeleted(t *testing.T) {
	h, _ := newHub(t, StrategyLastWriteWins)
	ctx := context.Background()

	now := time.Now().UTC()
	live := makeTodo("CHITTY-CONTEXT-17-00", "live", vclock.Clock{"a": 1}, now)
	gone := makeTodo("CHITTY-CONTEXT-18-00", "gone", vclock.Clock{"a": 1}, now)
	del := now
	gone.DeletedAt = &del
	_, err := h.SyncTodos(ctx, "u1", []model.Todo{live, gone})
	require.NoError(t, err)

	todos, err := h.PullSince(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, todos, 2, "clients learn deletions from the pull")
}

func TestBrokerDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(1)
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(model.ChangeEvent{Action: model.ChangeUpsert, Todo: model.Todo{UserID: "u1"}})
	}
	// Only the buffered event survives; the rest were dropped, not blocked.
	assert.Len(t, ch, 1)
}
