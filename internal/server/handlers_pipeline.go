package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/pipeline"
	"github.com/chittyos/chittyrouter/internal/storage"
)

// handlePipelineGenerate runs the staged minting flow for one entity kind.
// A failed stage is not a transport error: the execution comes back with
// status "failed" and a 200.
func (h *handlers) handlePipelineGenerate(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Pipeline == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "pipeline not enabled")
		return
	}

	var req model.PipelineGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}

	caller := pipeline.Caller{Tier: "anonymous"}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		caller = pipeline.Caller{
			Subject: claims.ClientID,
			Tier:    claims.Tier,
			Scopes:  claims.Scopes,
		}
	}

	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	ex, err := h.cfg.Pipeline.Generate(ctx, pipeline.Request{
		Kind:          r.PathValue("kind"),
		Payload:       req.Payload,
		Source:        req.Source,
		SessionID:     req.SessionID,
		CorrelationID: CorrelationIDFromContext(r.Context()),
		Caller:        caller,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "pipeline execution failed")
		return
	}
	writeJSON(w, r, http.StatusOK, ex)
}

func (h *handlers) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Pipeline == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "pipeline not enabled")
		return
	}

	ex, err := h.cfg.Pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "pipeline not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrKindInternal, "status lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, ex)
}
