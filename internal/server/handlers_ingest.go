package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
)

// handleIngest accepts any payload into the evidence ledger. The payload is
// base64 when the client can encode it; raw text is taken as-is otherwise.
func (h *handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Ingestor == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "evidence intake not enabled")
		return
	}

	var req model.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if req.Source == "" || req.Payload == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "source and payload are required")
		return
	}
	if req.Priority != "" && !model.ValidPriority(req.Priority) {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "unknown priority")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		payload = []byte(req.Payload)
	}

	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	rec, err := h.cfg.Ingestor.Ingest(ctx, model.EvidenceIntake{
		Source:      req.Source,
		ContentType: req.ContentType,
		Payload:     payload,
		Hints:       req.Hints,
		Priority:    req.Priority,
	})
	if err != nil {
		writeError(w, r, http.StatusBadGateway, model.ErrKindUpstream, "ingestion failed")
		return
	}
	writeJSON(w, r, http.StatusCreated, rec)
}

// handleEmailInbound hands one inbound message to the email pipeline. The
// pipeline never errors outward: the result reports the terminal disposition.
func (h *handlers) handleEmailInbound(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Email == nil {
		writeError(w, r, http.StatusNotFound, model.ErrKindNotFound, "email pipeline not enabled")
		return
	}

	var msg model.EmailMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "invalid request body")
		return
	}
	if msg.From == "" || msg.To == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrKindValidation, "from and to are required")
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	ctx, cancel := contextWithTimeout(r, 60*time.Second)
	defer cancel()

	res := h.cfg.Email.Process(ctx, msg, CorrelationIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, res)
}
