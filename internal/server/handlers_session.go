package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/storage"
)

func (h *handlers) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req model.SessionInitRequest
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
	replicaID := req.ReplicaID
	if replicaID == "" {
		replicaID = uuid.New().String()
	}

	s, err := h.cfg.Hub.CreateSession(r.Context(), userID, replicaID, req.Metadata)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, model.ErrKindUpstream, "session creation failed")
		return
	}
	writeJSON(w, r, http.StatusCreated, s)
}

func (h *handlers) handleSessionState(w http.ResponseWriter, r *http.Request) {
	var req model.SessionStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "session_id is required")
		return
	}

	s, err := h.cfg.Hub.UpdateSession(r.Context(), req.SessionID, req.Delta, req.Clock)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "session not found")
			return
		}
		writeError(w, r, http.StatusConflict, model.ErrKindConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// handleSessionFacts folds append-only facts into session state through the
// same clock-checked update path as /session/state.
func (h *handlers) handleSessionFacts(w http.ResponseWriter, r *http.Request) {
	var req model.SessionFactsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "session_id is required")
		return
	}
	if len(req.Facts) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "facts are required")
		return
	}

	delta := make(map[string]any, len(req.Facts))
	for _, f := range req.Facts {
		if f.Key == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "fact without key")
			return
		}
		delta[f.Key] = f.Value
	}

	s, err := h.cfg.Hub.UpdateSession(r.Context(), req.SessionID, delta, req.Clock)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "session not found")
			return
		}
		writeError(w, r, http.StatusConflict, model.ErrKindConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

func (h *handlers) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := model.ChittyID(r.URL.Query().Get("session_id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "session_id is required")
		return
	}

	s, err := h.cfg.Hub.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "session not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "load session failed")
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}
