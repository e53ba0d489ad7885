package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/vclock"
)

// SaveSession upserts a sync session. The hub serializes writes per session.
func (db *DB) SaveSession(ctx context.Context, s *model.Session) error {
	clock, err := toJSONB(s.Clock)
	if err != nil {
		return err
	}
	state, err := toJSONB(s.State)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, replica_id, clock, state, status,
		 created_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET clock = EXCLUDED.clock,
		     state = EXCLUDED.state,
		     status = EXCLUDED.status,
		     last_updated = EXCLUDED.last_updated`,
		string(s.ID), s.UserID, s.ReplicaID, clock, state, string(s.Status),
		s.CreatedAt, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("storage: save session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession loads a session by identifier.
func (db *DB) GetSession(ctx context.Context, id model.ChittyID) (*model.Session, error) {
	var (
		s        model.Session
		sid      string
		status   string
		clock    []byte
		state    []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, replica_id, clock, state, status, created_at, last_updated
		 FROM sessions WHERE id = $1`, string(id),
	).Scan(&sid, &s.UserID, &s.ReplicaID, &clock, &state, &status, &s.CreatedAt, &s.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get session %s: %w", id, err)
	}
	s.ID = model.ChittyID(sid)
	s.Status = model.SessionStatus(status)
	s.Clock = vclock.New()
	if err := fromJSONB(clock, &s.Clock); err != nil {
		return nil, err
	}
	s.State = map[string]any{}
	if err := fromJSONB(state, &s.State); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetTodo loads one todo scoped to its owning user.
func (db *DB) GetTodo(ctx context.Context, userID string, id model.ChittyID) (*model.Todo, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, content, status, active_form, platform, session_id,
		 project_id, clock, created_at, updated_at, deleted_at, conflict_with
		 FROM todos WHERE user_id = $1 AND id = $2`, userID, string(id),
	)
	t, err := scanTodo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get todo %s: %w", id, err)
	}
	return t, nil
}

// UpsertTodo writes a todo. Soft deletes come through here too; the row is
// never removed.
func (db *DB) UpsertTodo(ctx context.Context, t *model.Todo) error {
	clock, err := toJSONB(t.Clock)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO todos (id, user_id, content, status, active_form, platform,
		 session_id, project_id, clock, created_at, updated_at, deleted_at, conflict_with)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (user_id, id) DO UPDATE
		 SET content = EXCLUDED.content,
		     status = EXCLUDED.status,
		     active_form = EXCLUDED.active_form,
		     platform = EXCLUDED.platform,
		     session_id = EXCLUDED.session_id,
		     project_id = EXCLUDED.project_id,
		     clock = EXCLUDED.clock,
		     updated_at = EXCLUDED.updated_at,
		     deleted_at = EXCLUDED.deleted_at,
		     conflict_with = EXCLUDED.conflict_with`,
		string(t.ID), t.UserID, t.Content, string(t.Status), t.ActiveForm, t.Platform,
		chittyIDPtr(t.SessionID), t.ProjectID, clock, t.CreatedAt, t.UpdatedAt,
		t.DeletedAt, chittyIDPtr(t.ConflictWith),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert todo %s: %w", t.ID, err)
	}
	return nil
}

// ListTodosSince returns a user's todos updated at or after since, soft
// deletes included so clients can replicate removals.
func (db *DB) ListTodosSince(ctx context.Context, userID string, since time.Time) ([]model.Todo, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, content, status, active_form, platform, session_id,
		 project_id, clock, created_at, updated_at, deleted_at, conflict_with
		 FROM todos WHERE user_id = $1 AND updated_at >= $2
		 ORDER BY updated_at ASC`, userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list todos since: %w", err)
	}
	defer rows.Close()
	return collectTodos(rows)
}

// ListTodos returns a user's visible todos, optionally filtered by status.
func (db *DB) ListTodos(ctx context.Context, userID string, status model.TodoStatus) ([]model.Todo, error) {
	query := `SELECT id, user_id, content, status, active_form, platform, session_id,
	 project_id, clock, created_at, updated_at, deleted_at, conflict_with
	 FROM todos WHERE user_id = $1 AND deleted_at IS NULL`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list todos: %w", err)
	}
	defer rows.Close()
	return collectTodos(rows)
}

// AppendConflict records a detected concurrent update in the conflict log.
func (db *DB) AppendConflict(ctx context.Context, c *model.TodoConflict) error {
	local, err := toJSONB(c.Local)
	if err != nil {
		return err
	}
	incoming, err := toJSONB(c.Incoming)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO todo_conflicts (todo_id, user_id, local, incoming, resolution, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(c.TodoID), c.UserID, local, incoming, c.Resolution, c.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append conflict %s: %w", c.TodoID, err)
	}
	return nil
}

// ListConflicts returns the conflict log for one todo, oldest first.
func (db *DB) ListConflicts(ctx context.Context, userID string, todoID model.ChittyID) ([]model.TodoConflict, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT todo_id, user_id, local, incoming, resolution, detected_at
		 FROM todo_conflicts WHERE user_id = $1 AND todo_id = $2
		 ORDER BY seq ASC`, userID, string(todoID),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []model.TodoConflict
	for rows.Next() {
		var (
			c        model.TodoConflict
			tid      string
			local    []byte
			incoming []byte
		)
		if err := rows.Scan(&tid, &c.UserID, &local, &incoming, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		c.TodoID = model.ChittyID(tid)
		if err := fromJSONB(local, &c.Local); err != nil {
			return nil, err
		}
		if err := fromJSONB(incoming, &c.Incoming); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func scanTodo(row pgx.Row) (*model.Todo, error) {
	var (
		t            model.Todo
		id           string
		status       string
		sessionID    *string
		clock        []byte
		conflictWith *string
	)
	if err := row.Scan(&id, &t.UserID, &t.Content, &status, &t.ActiveForm, &t.Platform,
		&sessionID, &t.ProjectID, &clock, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
		&conflictWith); err != nil {
		return nil, err
	}
	t.ID = model.ChittyID(id)
	t.Status = model.TodoStatus(status)
	if sessionID != nil {
		sid := model.ChittyID(*sessionID)
		t.SessionID = &sid
	}
	if conflictWith != nil {
		cid := model.ChittyID(*conflictWith)
		t.ConflictWith = &cid
	}
	t.Clock = vclock.New()
	if err := fromJSONB(clock, &t.Clock); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTodos(rows pgx.Rows) ([]model.Todo, error) {
	var todos []model.Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan todo: %w", err)
		}
		todos = append(todos, *t)
	}
	return todos, rows.Err()
}
