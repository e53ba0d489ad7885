package model

import (
	"time"

	"github.com/chittyos/chittyrouter/internal/vclock"
)

// SessionStatus is the lifecycle state of a sync session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionTerminated SessionStatus = "TERMINATED"
)

// Session is a vector-clocked synchronization session. Owned by the Sync Hub
// and mutated only through the update protocol.
type Session struct {
	ID          ChittyID       `json:"id"` // CONTEXT identifier
	UserID      string         `json:"user_id"`
	ReplicaID   string         `json:"replica_id"`
	Clock       vclock.Clock   `json:"clock"`
	State       map[string]any `json:"state"`
	Status      SessionStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
}

// TodoStatus is the user-visible status of a todo.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// StatusRank orders todo statuses for the status_priority conflict strategy:
// completed > in_progress > pending.
func StatusRank(s TodoStatus) int {
	switch s {
	case TodoCompleted:
		return 3
	case TodoInProgress:
		return 2
	case TodoPending:
		return 1
	default:
		return 0
	}
}

// Todo is a synchronized todo item. Deletes are soft; a todo is visible
// iff DeletedAt is nil.
type Todo struct {
	ID           ChittyID     `json:"id"`
	UserID       string       `json:"user_id"`
	Content      string       `json:"content"`
	Status       TodoStatus   `json:"status"`
	ActiveForm   string       `json:"active_form,omitempty"`
	Platform     string       `json:"platform,omitempty"`
	SessionID    *ChittyID    `json:"session_id,omitempty"`
	ProjectID    *string      `json:"project_id,omitempty"`
	Clock        vclock.Clock `json:"clock"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	DeletedAt    *time.Time   `json:"deleted_at,omitempty"`
	ConflictWith *ChittyID    `json:"conflict_with,omitempty"`
}

// Visible reports whether the todo should appear in listings.
func (t Todo) Visible() bool { return t.DeletedAt == nil }

// ContentEqual reports whether the user-visible fields of two todos match.
// Two todos with concurrent clocks are in conflict iff this returns false.
func (t Todo) ContentEqual(o Todo) bool {
	return t.Content == o.Content &&
		t.Status == o.Status &&
		t.ActiveForm == o.ActiveForm &&
		(t.DeletedAt == nil) == (o.DeletedAt == nil)
}

// TodoConflict records a detected concurrent update.
type TodoConflict struct {
	TodoID     ChittyID  `json:"todo_id"`
	UserID     string    `json:"user_id"`
	Local      Todo      `json:"local"`
	Incoming   Todo      `json:"incoming"`
	Resolution string    `json:"resolution"` // strategy that resolved it
	DetectedAt time.Time `json:"detected_at"`
}

// ChangeAction is the kind of change pushed on the watch stream.
type ChangeAction string

const (
	ChangeUpsert ChangeAction = "upsert"
	ChangeDelete ChangeAction = "delete"
)

// ChangeEvent is a single server-push change notification. Delivery is
// best-effort; clients re-reconcile on reconnect.
type ChangeEvent struct {
	Action ChangeAction `json:"action"`
	Todo   Todo         `json:"todo"`
}
