// Package synchub is the authoritative side of vector-clock session and
// todo synchronization: session lifecycle, batched todo sync with conflict
// detection, pull-since, and best-effort change streaming.
package synchub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/storage"
	"github.com/chittyos/chittyrouter/internal/vclock"
)

// hubReplica is the hub's own component in every clock it writes. Ticking it
// on store guarantees the stored clock strictly dominates what it replaces.
const hubReplica = "hub"

// Store is the durable sync state. Implemented by storage.DB.
type Store interface {
	SaveSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id model.ChittyID) (*model.Session, error)
	GetTodo(ctx context.Context, userID string, id model.ChittyID) (*model.Todo, error)
	UpsertTodo(ctx context.Context, t *model.Todo) error
	ListTodosSince(ctx context.Context, userID string, since time.Time) ([]model.Todo, error)
	AppendConflict(ctx context.Context, c *model.TodoConflict) error
}

// Hub owns the synchronization protocol. Per-entity serialization is
// enforced with striped locks keyed by entity ID.
type Hub struct {
	store    Store
	minter   chittyid.Minter
	broker   *Broker
	strategy Strategy
	logger   *slog.Logger

	locks [64]sync.Mutex
}

func NewHub(store Store, minter chittyid.Minter, broker *Broker, strategy Strategy, logger *slog.Logger) *Hub {
	if !ValidStrategy(strategy) {
		strategy = StrategyLastWriteWins
	}
	return &Hub{
		store:    store,
		minter:   minter,
		broker:   broker,
		strategy: strategy,
		logger:   logger,
	}
}

func (h *Hub) lock(id model.ChittyID) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return &h.locks[f.Sum32()%uint32(len(h.locks))]
}

// CreateSession mints a CONTEXT identifier and opens a session with the
// initial clock {replicaID: 1}.
func (h *Hub) CreateSession(ctx context.Context, userID, replicaID string, metadata map[string]any) (*model.Session, error) {
	id, err := h.minter.Mint(ctx, model.EntityContext, map[string]any{
		"kind":    "sync-session",
		"user_id": userID,
	})
	if err != nil {
		return nil, fmt.Errorf("synchub: mint session: %w", err)
	}

	now := time.Now().UTC()
	s := &model.Session{
		ID:          id,
		UserID:      userID,
		ReplicaID:   replicaID,
		Clock:       vclock.New().Tick(replicaID),
		State:       metadata,
		Status:      model.SessionActive,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if s.State == nil {
		s.State = map[string]any{}
	}
	if err := h.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("synchub: save session: %w", err)
	}
	h.logger.Info("synchub: session created", "session_id", string(id), "user_id", userID)
	return s, nil
}

// GetSession loads a session by identifier.
func (h *Hub) GetSession(ctx context.Context, id model.ChittyID) (*model.Session, error) {
	return h.store.GetSession(ctx, id)
}

// UpdateSession merges a state delta under vector-clock precedence:
// a remote clock strictly behind the stored one is a stale echo and is
// ignored; otherwise the delta applies field-wise and the merged clock is
// ticked so the stored clock strictly advances.
func (h *Hub) UpdateSession(ctx context.Context, id model.ChittyID, delta map[string]any, remote vclock.Clock) (*model.Session, error) {
	mu := h.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := h.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == model.SessionTerminated {
		return nil, fmt.Errorf("synchub: session %s is terminated", id)
	}

	if vclock.Compare(remote, s.Clock) == vclock.Before {
		return s, nil
	}

	for k, v := range delta {
		s.State[k] = v
	}
	s.Clock = vclock.Merge(s.Clock, remote).Tick(hubReplica)
	s.LastUpdated = time.Now().UTC()
	if err := h.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("synchub: save session: %w", err)
	}
	return s, nil
}

// TerminateSession marks a session terminated. Further updates are refused.
func (h *Hub) TerminateSession(ctx context.Context, id model.ChittyID) error {
	mu := h.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := h.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	s.Status = model.SessionTerminated
	s.Clock = s.Clock.Tick(hubReplica)
	s.LastUpdated = time.Now().UTC()
	return h.store.SaveSession(ctx, s)
}

// SyncResult is the outcome of one todo batch.
type SyncResult struct {
	Accepted  []model.Todo
	Conflicts []model.TodoConflict
}

// SyncTodos applies a batch of client todos. Per todo, the incoming clock is
// compared against the stored one: Before keeps local, After takes incoming,
// Equal is a no-op, Concurrent goes to conflict resolution. Concurrent
// updates with identical user-visible content merge silently.
func (h *Hub) SyncTodos(ctx context.Context, userID string, batch []model.Todo) (*SyncResult, error) {
	res := &SyncResult{}
	for _, incoming := range batch {
		if incoming.ID == "" {
			return nil, errors.New("synchub: todo without identifier in batch")
		}
		incoming.UserID = userID
		if err := h.syncOne(ctx, userID, incoming, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (h *Hub) syncOne(ctx context.Context, userID string, incoming model.Todo, res *SyncResult) error {
	mu := h.lock(incoming.ID)
	mu.Lock()
	defer mu.Unlock()

	local, err := h.store.GetTodo(ctx, userID, incoming.ID)
	if errors.Is(err, storage.ErrNotFound) {
		stored, err := h.storeTodo(ctx, incoming, incoming.Clock)
		if err != nil {
			return err
		}
		res.Accepted = append(res.Accepted, *stored)
		return nil
	}
	if err != nil {
		return fmt.Errorf("synchub: load todo %s: %w", incoming.ID, err)
	}

	switch vclock.Compare(local.Clock, incoming.Clock) {
	case vclock.Before:
		stored, err := h.storeTodo(ctx, incoming, vclock.Merge(local.Clock, incoming.Clock))
		if err != nil {
			return err
		}
		res.Accepted = append(res.Accepted, *stored)
	case vclock.After, vclock.Equal:
		// Local already saw this update (or a later one).
	case vclock.Concurrent:
		if local.ContentEqual(incoming) {
			// Same content from two replicas: merge clocks, no conflict.
			stored, err := h.storeTodo(ctx, *local, vclock.Merge(local.Clock, incoming.Clock))
			if err != nil {
				return err
			}
			res.Accepted = append(res.Accepted, *stored)
			return nil
		}
		return h.resolveConflict(ctx, userID, *local, incoming, res)
	}
	return nil
}

// resolveConflict applies the configured strategy and appends exactly one
// conflict log entry for the pair.
func (h *Hub) resolveConflict(ctx context.Context, userID string, local, incoming model.Todo, res *SyncResult) error {
	conflict := model.TodoConflict{
		TodoID:     local.ID,
		UserID:     userID,
		Local:      local,
		Incoming:   incoming,
		Resolution: string(h.strategy),
		DetectedAt: time.Now().UTC(),
	}

	merged := vclock.Merge(local.Clock, incoming.Clock)

	switch h.strategy {
	case StrategyKeepBoth:
		// The incoming version becomes a new todo; both carry cross
		// references so clients can surface the pair.
		dupID, err := h.mintDuplicate(ctx, incoming)
		if err != nil {
			return err
		}
		duplicate := incoming
		duplicate.ID = dupID
		duplicate.ConflictWith = &local.ID
		kept := local
		kept.ConflictWith = &dupID

		stored, err := h.storeTodo(ctx, kept, merged)
		if err != nil {
			return err
		}
		dupStored, err := h.storeTodo(ctx, duplicate, incoming.Clock)
		if err != nil {
			return err
		}
		res.Accepted = append(res.Accepted, *stored, *dupStored)

	default:
		winner := pickWinner(h.strategy, local, incoming)
		stored, err := h.storeTodo(ctx, winner, merged)
		if err != nil {
			return err
		}
		res.Accepted = append(res.Accepted, *stored)
	}

	if err := h.store.AppendConflict(ctx, &conflict); err != nil {
		return fmt.Errorf("synchub: append conflict: %w", err)
	}
	res.Conflicts = append(res.Conflicts, conflict)
	h.logger.Info("synchub: conflict resolved",
		"todo_id", string(local.ID), "strategy", string(h.strategy))
	return nil
}

func (h *Hub) mintDuplicate(ctx context.Context, incoming model.Todo) (model.ChittyID, error) {
	entityType := incoming.ID.Type()
	if entityType == "" {
		entityType = model.EntityContext
	}
	id, err := h.minter.Mint(ctx, entityType, map[string]any{
		"kind":          "todo-conflict-copy",
		"conflict_with": string(incoming.ID),
	})
	if err != nil {
		return "", fmt.Errorf("synchub: mint conflict copy: %w", err)
	}
	return id, nil
}

// storeTodo persists a todo with the hub's clock tick and monotonic
// updatedAt, then publishes the change event.
func (h *Hub) storeTodo(ctx context.Context, t model.Todo, clock vclock.Clock) (*model.Todo, error) {
	t.Clock = clock.Copy().Tick(hubReplica)
	now := time.Now().UTC()
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if err := h.store.UpsertTodo(ctx, &t); err != nil {
		return nil, fmt.Errorf("synchub: upsert todo %s: %w", t.ID, err)
	}

	action := model.ChangeUpsert
	if !t.Visible() {
		action = model.ChangeDelete
	}
	h.broker.Publish(model.ChangeEvent{Action: action, Todo: t})
	return &t, nil
}

// CreateTodo mints an identifier for a new todo and stores it with the
// hub's initial clock.
func (h *Hub) CreateTodo(ctx context.Context, t model.Todo) (*model.Todo, error) {
	id, err := h.minter.Mint(ctx, model.EntityContext, map[string]any{
		"kind":    "todo",
		"user_id": t.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("synchub: mint todo: %w", err)
	}
	t.ID = id
	if t.Status == "" {
		t.Status = model.TodoPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	mu := h.lock(t.ID)
	mu.Lock()
	defer mu.Unlock()
	return h.storeTodo(ctx, t, vclock.New())
}

// GetTodo loads one todo scoped to its owning user.
func (h *Hub) GetTodo(ctx context.Context, userID string, id model.ChittyID) (*model.Todo, error) {
	return h.store.GetTodo(ctx, userID, id)
}

// DeleteTodo soft-deletes a todo. The row stays so deltas replicate.
func (h *Hub) DeleteTodo(ctx context.Context, userID string, id model.ChittyID) error {
	mu := h.lock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := h.store.GetTodo(ctx, userID, id)
	if err != nil {
		return err
	}
	if t.DeletedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	t.UpdatedAt = now
	_, err = h.storeTodo(ctx, *t, t.Clock)
	return err
}

// PullSince returns the user's todos changed at or after the given time,
// soft-deleted rows included so clients can apply removals.
func (h *Hub) PullSince(ctx context.Context, userID string, since time.Time) ([]model.Todo, error) {
	return h.store.ListTodosSince(ctx, userID, since)
}

// Watch subscribes to the user's change stream.
func (h *Hub) Watch(userID string) (<-chan model.ChangeEvent, func()) {
	return h.broker.Subscribe(userID)
}
