// Package evidence implements universal evidence ingestion and periodic
// reindexing. Ingestion runs unconditionally and never drops input: every
// payload gets an identifier, a ledger row, and a blob, whatever its score.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
)

// mintThreshold is the probability above which an intake is treated as an
// event (EVNT identifier, blockchain queue candidate) rather than plain INFO.
const mintThreshold = 0.7

// Ledger is the durable evidence store. Implemented by storage.DB.
type Ledger interface {
	SaveEvidence(ctx context.Context, rec *model.EvidenceRecord) error
	GetEvidence(ctx context.Context, id model.ChittyID) (*model.EvidenceRecord, error)
	UpdateEvidence(ctx context.Context, rec *model.EvidenceRecord) error
	ListEvidenceSince(ctx context.Context, since time.Time, limit int) ([]model.EvidenceRecord, error)
}

// Enqueuer publishes mint requests onto the blockchain queue.
type Enqueuer interface {
	EnqueueMint(ctx context.Context, req model.MintRequest) error
}

// Embedder produces the dense vector for the semantic index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ingestor is the universal intake path.
type Ingestor struct {
	analyzer Analyzer
	minter   chittyid.Minter
	ledger   Ledger
	episodic memory.EpisodicStore
	semantic memory.SemanticIndex
	embedder Embedder
	queue    Enqueuer
	logger   *slog.Logger
}

func NewIngestor(analyzer Analyzer, minter chittyid.Minter, ledger Ledger,
	episodic memory.EpisodicStore, semantic memory.SemanticIndex,
	embedder Embedder, queue Enqueuer, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		analyzer: analyzer,
		minter:   minter,
		ledger:   ledger,
		episodic: episodic,
		semantic: semantic,
		embedder: embedder,
		queue:    queue,
		logger:   logger,
	}
}

// PayloadHash is the canonical content hash: sha256 over source, content
// type, and payload bytes, NUL-separated. Verifiers recompute this to check
// minting decisions, so the serialization must never change.
func PayloadHash(intake model.EvidenceIntake) string {
	h := sha256.New()
	h.Write([]byte(intake.Source))
	h.Write([]byte{0})
	h.Write([]byte(intake.ContentType))
	h.Write([]byte{0})
	h.Write(intake.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest runs the full intake: score, mint, hash, persist, index, enqueue.
// The returned record is the persisted ledger row.
func (in *Ingestor) Ingest(ctx context.Context, intake model.EvidenceIntake) (*model.EvidenceRecord, error) {
	if intake.Priority == "" {
		intake.Priority = model.PriorityNormal
	}

	analysis, err := in.analyzer.Analyze(ctx, intake.Payload, intake.Hints)
	if err != nil {
		// The analyzer contract is to degrade internally; an error here is a bug.
		return nil, fmt.Errorf("evidence: analyze: %w", err)
	}

	entityType := model.EntityInfo
	if analysis.Probability > mintThreshold {
		entityType = model.EntityEvent
	}

	id, err := in.minter.Mint(ctx, entityType, map[string]any{
		"kind":        "evidence",
		"source":      intake.Source,
		"probability": analysis.Probability,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: mint %s: %w", entityType, err)
	}

	now := time.Now().UTC()
	rec := &model.EvidenceRecord{
		ChittyID:    id,
		Probability: analysis.Probability,
		Priority:    intake.Priority,
		PayloadHash: PayloadHash(intake),
		Entities:    analysis.Entities,
		Source:      intake.Source,
		ContentType: intake.ContentType,
		Hints:       intake.Hints,
		CreatedAt:   now,
	}
	if err := in.ledger.SaveEvidence(ctx, rec); err != nil {
		return nil, fmt.Errorf("evidence: persist %s: %w", id, err)
	}

	blobKey := fmt.Sprintf("evidence/%s/%s", now.Format("2006-01-02"), id)
	if err := in.episodic.Put(ctx, blobKey, intake.Payload); err != nil && err != memory.ErrExists {
		// The ledger row exists; losing the blob is an operational fault worth
		// surfacing, not a reason to refuse the intake.
		in.logger.Error("evidence: blob write failed", "chitty_id", string(id), "error", err)
	}

	in.indexSemantic(ctx, rec, intake.Payload)

	if intake.Priority == model.PriorityCritical || analysis.Probability > mintThreshold {
		req := model.MintRequest{ChittyID: id, Priority: intake.Priority, Timestamp: now}
		if err := in.queue.EnqueueMint(ctx, req); err != nil {
			in.logger.Error("evidence: enqueue mint", "chitty_id", string(id), "error", err)
		}
	}

	in.logger.Info("evidence: ingested",
		"chitty_id", string(id), "type", string(entityType),
		"probability", analysis.Probability, "priority", string(intake.Priority))
	return rec, nil
}

// indexSemantic embeds the payload and upserts the similarity entry.
// Both steps are best-effort; the degraded index returns empty queries.
func (in *Ingestor) indexSemantic(ctx context.Context, rec *model.EvidenceRecord, payload []byte) {
	text := string(payload)
	if len(text) > maxAnalyzePayload {
		text = text[:maxAnalyzePayload]
	}
	vec, err := in.embedder.Embed(ctx, text)
	if err != nil {
		in.logger.Warn("evidence: embed failed", "chitty_id", string(rec.ChittyID), "error", err)
		return
	}
	entry := memory.SemanticEntry{
		ID:     string(rec.ChittyID),
		Kind:   "evidence",
		Vector: vec,
		Metadata: map[string]string{
			"source":       rec.Source,
			"content_type": rec.ContentType,
		},
	}
	if err := in.semantic.Upsert(ctx, entry); err != nil {
		in.logger.Warn("evidence: semantic upsert", "chitty_id", string(rec.ChittyID), "error", err)
	}
}
