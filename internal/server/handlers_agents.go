package server

import (
	"net/http"
	"regexp"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
)

// agentNameRe keeps agent names usable as memory-tier key segments.
var agentNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// handleAgentComplete runs one completion on the named agent. The handler
// itself never fails a completion: provider failures come back in the body
// with success=false, matching the self-healing contract.
func (h *handlers) handleAgentComplete(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Substrate == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "agent substrate not enabled")
		return
	}
	name := r.PathValue("name")
	if !agentNameRe.MatchString(name) {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid agent name")
		return
	}

	var req model.AgentCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "prompt is required")
		return
	}

	// Per-request wall-clock ceiling.
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	a, err := h.cfg.Substrate.Get(ctx, name)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "agent unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, a.Complete(ctx, req))
}

// handleAgentStats returns the agent's learned scores and usage counters.
func (h *handlers) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Substrate == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "agent substrate not enabled")
		return
	}
	name := r.PathValue("name")
	if !agentNameRe.MatchString(name) {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid agent name")
		return
	}

	state, err := h.cfg.Substrate.Stats(r.Context(), name)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "agent unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AgentStatsResponse{
		AgentID:           state.AgentID,
		TotalInteractions: state.Stats.TotalInteractions,
		TotalCost:         state.Stats.TotalCost,
		ProviderUsage:     state.Stats.ProviderUsage,
		ModelScores:       state.ModelScores,
	})
}

// handleAgentHealth reports liveness of one agent.
func (h *handlers) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Substrate == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "agent substrate not enabled")
		return
	}
	name := r.PathValue("name")
	if _, err := h.cfg.Substrate.Get(r.Context(), name); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrKindUpstream, "agent unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy", "agent_id": name})
}
