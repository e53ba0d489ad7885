package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chittyos/chittyrouter/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins; bearer auth already gates
	// the route, so origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWatchTodos streams the user's change events over a websocket.
// Delivery is best-effort: a slow consumer gets dropped events and is
// expected to reconcile through /api/todos/since on reconnect.
func (h *handlers) handleWatchTodos(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "user_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	events, cancel := h.cfg.Hub.Watch(userID)
	defer cancel()
	defer conn.Close()

	// Reader goroutine: consumes control frames and detects the peer
	// closing. Its exit tears down the write loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
