package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/storage"
)

// userID resolves the acting user: the authenticated client by default,
// overridable by service-tier callers syncing on a user's behalf.
func (h *handlers) userID(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		if uid := r.URL.Query().Get("user_id"); uid != "" &&
			(claims.Tier == "service" || claims.Tier == "admin") {
			return uid
		}
		return claims.ClientID
	}
	return r.URL.Query().Get("user_id")
}

func (h *handlers) handleListTodos(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Lister == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "todo listing not enabled")
		return
	}
	status := model.TodoStatus(r.URL.Query().Get("status"))
	if status != "" && model.StatusRank(status) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "unknown status")
		return
	}

	// ?since= narrows the listing to recent changes (visible items only;
	// /api/todos/since/{timestamp} is the delta pull that includes deletes).
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := parseTimestamp(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid since timestamp")
			return
		}
		changed, err := h.cfg.Hub.PullSince(r.Context(), h.userID(r), since)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "list todos failed")
			return
		}
		out := make([]model.Todo, 0, len(changed))
		for _, t := range changed {
			if t.Visible() && (status == "" || t.Status == status) {
				out = append(out, t)
			}
		}
		writeJSON(w, r, http.StatusOK, out)
		return
	}

	todos, err := h.cfg.Lister.ListTodos(r.Context(), h.userID(r), status)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "list todos failed")
		return
	}
	writeJSON(w, r, http.StatusOK, todos)
}

func (h *handlers) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	var t model.Todo
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if t.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "content is required")
		return
	}
	t.UserID = h.userID(r)

	created, err := h.cfg.Hub.CreateTodo(r.Context(), t)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, model.ErrKindUpstream, "identifier mint failed")
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (h *handlers) handleGetTodo(w http.ResponseWriter, r *http.Request) {
	id := model.ChittyID(r.PathValue("id"))
	t, err := h.cfg.Hub.GetTodo(r.Context(), h.userID(r), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "todo not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "load todo failed")
		return
	}
	if !t.Visible() {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "todo not found")
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// handleUpdateTodo treats a single-item PUT as a one-element sync batch so
// vector-clock precedence and conflict handling apply uniformly.
func (h *handlers) handleUpdateTodo(w http.ResponseWriter, r *http.Request) {
	var t model.Todo
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	t.ID = model.ChittyID(r.PathValue("id"))

	res, err := h.cfg.Hub.SyncTodos(r.Context(), h.userID(r), []model.Todo{t})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "update failed")
		return
	}
	if len(res.Conflicts) > 0 {
		writeJSON(w, r, http.StatusConflict, model.SyncTodosResponse{
			Accepted: res.Accepted, Conflicts: res.Conflicts,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, res.Accepted)
}

func (h *handlers) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	id := model.ChittyID(r.PathValue("id"))
	if err := h.cfg.Hub.DeleteTodo(r.Context(), h.userID(r), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "todo not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleSyncTodos(w http.ResponseWriter, r *http.Request) {
	var req model.SyncTodosRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = h.userID(r)
	}
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "user_id is required")
		return
	}

	res, err := h.cfg.Hub.SyncTodos(r.Context(), userID, req.Batch)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "sync failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.SyncTodosResponse{
		Accepted:  res.Accepted,
		Conflicts: res.Conflicts,
	})
}

// handleTodosSince serves the delta pull. The timestamp is RFC3339 or Unix
// seconds.
func (h *handlers) handleTodosSince(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("timestamp")
	since, err := parseTimestamp(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid timestamp")
		return
	}

	todos, err := h.cfg.Hub.PullSince(r.Context(), h.userID(r), since)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "pull failed")
		return
	}
	writeJSON(w, r, http.StatusOK, todos)
}

func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
