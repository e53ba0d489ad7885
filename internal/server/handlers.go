package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/chittyos/chittyrouter/internal/auth"
	"github.com/chittyos/chittyrouter/internal/dispatch"
	"github.com/chittyos/chittyrouter/internal/model"
)

// handlers carries the server dependencies into the route handlers.
type handlers struct {
	cfg     Config
	started time.Time
}

// handleHealth reports overall and per-dependency status. Degraded
// dependencies turn the status to "degraded" but keep the 200: the process
// is alive and routing.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(h.cfg.HealthProbes))
	for name, probe := range h.cfg.HealthProbes {
		if err := probe(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
		} else {
			deps[name] = "ok"
		}
	}

	services := 0
	if h.cfg.Dispatcher != nil {
		services = h.cfg.Dispatcher.ServiceCount()
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Service:  "chittyrouter",
		Status:   status,
		Version:  h.cfg.Version,
		Services: services,
		Deps:     deps,
		Uptime:   int64(time.Since(h.started).Seconds()),
	})
}

// handleDispatch is the route-table catch-all. Requests that matched no
// registered pattern resolve through the three-tier dispatcher; a request
// that has already been dispatched once and still finds no route is a
// terminal miss, never a second resolution.
func (h *handlers) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Dispatcher == nil || r.Header.Get(dispatch.TierHeader) != "" {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "no route")
		return
	}
	if err := h.cfg.Dispatcher.Dispatch(w, r, CorrelationIDFromContext(r.Context())); err != nil {
		h.cfg.Logger.Error("dispatch failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrKindUpstream, "routing failed")
	}
}

// handleRouterStats returns per-(target, tier) dispatch counters.
func (h *handlers) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Dispatcher == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "dispatcher not enabled")
		return
	}
	writeJSON(w, r, http.StatusOK, model.RouterStatsResponse{Targets: h.cfg.Dispatcher.Stats()})
}

// handleAuthToken exchanges a client ID and API key for a bearer token.
// Unknown clients burn a dummy hash so timing does not reveal existence.
func (h *handlers) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "client_id and api_key are required")
		return
	}

	client, ok := h.cfg.Clients[req.ClientID]
	if !ok {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrKindAuth, "invalid credentials")
		return
	}
	match, err := auth.VerifyAPIKey(req.APIKey, client.HashedKey)
	if err != nil || !match {
		writeError(w, r, http.StatusUnauthorized, model.ErrKindAuth, "invalid credentials")
		return
	}

	token, exp, err := h.cfg.JWT.IssueToken(req.ClientID, client.Tier, client.Scopes)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "token issuance failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// handleListDeadLetters exposes the dead-letter archive to admin-tier
// callers. Source defaults to the email pipeline, the busiest producer.
func (h *handlers) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.cfg.DLQ == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "dead-letter archive not enabled")
		return
	}
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Tier != "admin" {
		writeError(w, r, http.StatusForbidden, model.ErrKindAuth, "admin tier required")
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "email"
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid limit")
			return
		}
		limit = n
	}

	letters, err := h.cfg.DLQ.ListDeadLetters(r.Context(), source, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "dead-letter lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, letters)
}

// contextWithTimeout bounds a handler's outbound work without exceeding the
// request's own deadline.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
