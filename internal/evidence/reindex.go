package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
)

// ReindexConfig tunes the periodic reindexing sweep.
type ReindexConfig struct {
	Interval            time.Duration // sweep period
	Window              time.Duration // how far back records are reconsidered
	BatchLimit          int
	SimilarityThreshold float32 // cosine score for elevation-consideration links
}

// Reindexer periodically re-scores recent evidence. A record whose
// probability crosses the mint threshold upward gets a companion EVNT
// identifier and a blockchain queue entry; semantically similar records are
// linked for elevation consideration.
type Reindexer struct {
	analyzer Analyzer
	minter   chittyid.Minter
	ledger   Ledger
	episodic memory.EpisodicStore
	semantic memory.SemanticIndex
	embedder Embedder
	queue    Enqueuer
	cfg      ReindexConfig
	logger   *slog.Logger
}

func NewReindexer(analyzer Analyzer, minter chittyid.Minter, ledger Ledger,
	episodic memory.EpisodicStore, semantic memory.SemanticIndex,
	embedder Embedder, queue Enqueuer, cfg ReindexConfig, logger *slog.Logger) *Reindexer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	return &Reindexer{
		analyzer: analyzer,
		minter:   minter,
		ledger:   ledger,
		episodic: episodic,
		semantic: semantic,
		embedder: embedder,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (r *Reindexer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reindex: sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reindex: sweep complete", "elevated", n)
			}
		}
	}
}

// Sweep re-scores all records inside the window once and returns the number
// of records elevated to EVNT.
func (r *Reindexer) Sweep(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-r.cfg.Window)
	records, err := r.ledger.ListEvidenceSince(ctx, since, r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("reindex: list window: %w", err)
	}

	elevated := 0
	for i := range records {
		rec := &records[i]
		if err := ctx.Err(); err != nil {
			return elevated, err
		}
		didElevate, err := r.reindexOne(ctx, rec)
		if err != nil {
			r.logger.Error("reindex: record failed", "chitty_id", string(rec.ChittyID), "error", err)
			continue
		}
		if didElevate {
			elevated++
		}
	}
	return elevated, nil
}

func (r *Reindexer) reindexOne(ctx context.Context, rec *model.EvidenceRecord) (bool, error) {
	payload, err := r.loadPayload(ctx, rec)
	if err != nil {
		return false, err
	}

	analysis, err := r.analyzer.Analyze(ctx, payload, rec.Hints)
	if err != nil {
		return false, fmt.Errorf("reindex: analyze: %w", err)
	}

	prev := rec.Probability
	rec.Probability = analysis.Probability
	rec.ReindexHistory = append(rec.ReindexHistory, model.ReindexEvent{
		Probability: analysis.Probability,
		At:          time.Now().UTC(),
	})

	crossed := prev <= mintThreshold && analysis.Probability > mintThreshold && rec.CompanionID == nil
	if crossed {
		if err := r.elevate(ctx, rec, payload); err != nil {
			return false, err
		}
	}

	if err := r.ledger.UpdateEvidence(ctx, rec); err != nil {
		return false, fmt.Errorf("reindex: update %s: %w", rec.ChittyID, err)
	}
	return crossed, nil
}

// elevate mints the companion EVNT identifier, enqueues the record at high
// priority, and links semantically similar records for consideration.
func (r *Reindexer) elevate(ctx context.Context, rec *model.EvidenceRecord, payload []byte) error {
	companion, err := r.minter.Mint(ctx, model.EntityEvent, map[string]any{
		"kind":        "evidence-elevation",
		"original_id": string(rec.ChittyID),
		"probability": rec.Probability,
	})
	if err != nil {
		return fmt.Errorf("reindex: mint companion for %s: %w", rec.ChittyID, err)
	}
	rec.CompanionID = &companion

	req := model.MintRequest{
		ChittyID:  rec.ChittyID,
		Priority:  model.PriorityHigh,
		Timestamp: time.Now().UTC(),
	}
	if err := r.queue.EnqueueMint(ctx, req); err != nil {
		r.logger.Error("reindex: enqueue elevated record", "chitty_id", string(rec.ChittyID), "error", err)
	}

	r.linkSimilar(ctx, rec, payload)

	r.logger.Info("reindex: elevated",
		"chitty_id", string(rec.ChittyID), "companion_id", string(companion),
		"probability", rec.Probability)
	return nil
}

// linkSimilar queries the semantic index and records identifier-valued links
// to records above the similarity threshold. Links are references, not
// object graphs; readers resolve them lazily.
func (r *Reindexer) linkSimilar(ctx context.Context, rec *model.EvidenceRecord, payload []byte) {
	text := string(payload)
	if len(text) > maxAnalyzePayload {
		text = text[:maxAnalyzePayload]
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return
	}
	entries, err := r.semantic.Query(ctx, vec, 10, map[string]string{"kind": "evidence"})
	if err != nil {
		return
	}

	existing := make(map[model.ChittyID]bool, len(rec.RelatedIDs))
	for _, id := range rec.RelatedIDs {
		existing[id] = true
	}
	for _, e := range entries {
		id := model.ChittyID(e.ID)
		if e.Score < r.cfg.SimilarityThreshold || id == rec.ChittyID || existing[id] {
			continue
		}
		rec.RelatedIDs = append(rec.RelatedIDs, id)
		existing[id] = true
	}
}

func (r *Reindexer) loadPayload(ctx context.Context, rec *model.EvidenceRecord) ([]byte, error) {
	key := fmt.Sprintf("evidence/%s/%s", rec.CreatedAt.UTC().Format("2006-01-02"), rec.ChittyID)
	payload, err := r.episodic.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reindex: load blob %s: %w", key, err)
	}
	return payload, nil
}
