package evidence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
)

type memLedger struct {
	mu      sync.Mutex
	records map[model.ChittyID]*model.EvidenceRecord
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[model.ChittyID]*model.EvidenceRecord)}
}

func (l *memLedger) SaveEvidence(_ context.Context, rec *model.EvidenceRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	l.records[rec.ChittyID] = &cp
	return nil
}

func (l *memLedger) GetEvidence(_ context.Context, id model.ChittyID) (*model.EvidenceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("evidence: not found: %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (l *memLedger) UpdateEvidence(_ context.Context, rec *model.EvidenceRecord) error {
	return l.SaveEvidence(context.Background(), rec)
}

func (l *memLedger) ListEvidenceSince(_ context.Context, since time.Time, limit int) ([]model.EvidenceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.EvidenceRecord
	for _, rec := range l.records {
		if rec.CreatedAt.After(since) && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type memQueue struct {
	mu   sync.Mutex
	reqs []model.MintRequest
}

func (q *memQueue) EnqueueMint(_ context.Context, req model.MintRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

type fixedAnalyzer struct {
	mu sync.Mutex
	p  float64
}

func (a *fixedAnalyzer) set(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.p = p
}

func (a *fixedAnalyzer) Analyze(context.Context, []byte, map[string]string) (Analysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Analysis{
		Probability: a.p,
		Entities:    model.ExtractedEntities{People: []string{"Jane Roe"}},
	}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type seqMinter struct {
	mu   sync.Mutex
	next int
}

func (m *seqMinter) Mint(_ context.Context, et model.EntityType, _ map[string]any) (model.ChittyID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return model.ChittyID(fmt.Sprintf("CHITTY-%s-%d-00", et, m.next)), nil
}

func (m *seqMinter) Validate(context.Context, model.ChittyID) error { return nil }

type fixture struct {
	ingestor  *Ingestor
	reindexer *Reindexer
	analyzer  *fixedAnalyzer
	ledger    *memLedger
	queue     *memQueue
}

func newEvidenceFixture(t *testing.T) *fixture {
	t.Helper()
	episodic, err := memory.NewSQLiteEpisodic(t.TempDir() + "/episodes.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = episodic.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		analyzer: &fixedAnalyzer{},
		ledger:   newMemLedger(),
		queue:    &memQueue{},
	}
	minter := &seqMinter{}
	f.ingestor = NewIngestor(f.analyzer, minter, f.ledger, episodic,
		memory.NoopIndex{}, stubEmbedder{}, f.queue, logger)
	f.reindexer = NewReindexer(f.analyzer, minter, f.ledger, episodic,
		memory.NoopIndex{}, stubEmbedder{}, f.queue,
		ReindexConfig{Window: 24 * time.Hour, SimilarityThreshold: 0.85}, logger)
	return f
}

func TestIngestLowProbabilityMintsInfo(t *testing.T) {
	f := newEvidenceFixture(t)
	f.analyzer.set(0.55)

	rec, err := f.ingestor.Ingest(context.Background(), model.EvidenceIntake{
		Source: "upload", ContentType: "text/plain", Payload: []byte("a meeting note"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EntityInfo, rec.ChittyID.Type())
	assert.InDelta(t, 0.55, rec.Probability, 1e-9)
	assert.NotEmpty(t, rec.PayloadHash)
	assert.Empty(t, f.queue.reqs, "below-threshold normal-priority intake is not enqueued")
}

func TestIngestHighProbabilityMintsEventAndEnqueues(t *testing.T) {
	f := newEvidenceFixture(t)
	f.analyzer.set(0.9)

	rec, err := f.ingestor.Ingest(context.Background(), model.EvidenceIntake{
		Source: "email", ContentType: "text/plain", Payload: []byte("signed property deed"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EntityEvent, rec.ChittyID.Type())
	require.Len(t, f.queue.reqs, 1)
	assert.Equal(t, rec.ChittyID, f.queue.reqs[0].ChittyID)
}

func TestIngestCriticalPriorityAlwaysEnqueues(t *testing.T) {
	f := newEvidenceFixture(t)
	f.analyzer.set(0.2)

	rec, err := f.ingestor.Ingest(context.Background(), model.EvidenceIntake{
		Source: "intake", ContentType: "text/plain",
		Payload: []byte("low-score but critical"), Priority: model.PriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EntityInfo, rec.ChittyID.Type(), "priority does not change the identifier type")
	require.Len(t, f.queue.reqs, 1)
	assert.Equal(t, model.PriorityCritical, f.queue.reqs[0].Priority)
}

func TestReindexElevationMintsCompanion(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	f.analyzer.set(0.55)
	rec, err := f.ingestor.Ingest(ctx, model.EvidenceIntake{
		Source: "upload", ContentType: "text/plain",
		Payload: []byte("note that later proves material"),
	})
	require.NoError(t, err)
	require.Equal(t, model.EntityInfo, rec.ChittyID.Type())
	require.Empty(t, f.queue.reqs)

	// A later sweep recomputes the probability above the threshold.
	f.analyzer.set(0.82)
	elevated, err := f.reindexer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, elevated)

	updated, err := f.ledger.GetEvidence(ctx, rec.ChittyID)
	require.NoError(t, err)
	require.NotNil(t, updated.CompanionID, "companion EVNT must be linked")
	assert.Equal(t, model.EntityEvent, updated.CompanionID.Type())
	assert.InDelta(t, 0.82, updated.Probability, 1e-9)
	require.NotEmpty(t, updated.ReindexHistory)

	require.Len(t, f.queue.reqs, 1)
	assert.Equal(t, rec.ChittyID, f.queue.reqs[0].ChittyID)
	assert.Equal(t, model.PriorityHigh, f.queue.reqs[0].Priority)
}

func TestReindexDoesNotReElevate(t *testing.T) {
	f := newEvidenceFixture(t)
	ctx := context.Background()

	f.analyzer.set(0.55)
	_, err := f.ingestor.Ingest(ctx, model.EvidenceIntake{
		Source: "upload", ContentType: "text/plain", Payload: []byte("note"),
	})
	require.NoError(t, err)

	f.analyzer.set(0.82)
	elevated, err := f.reindexer.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, elevated)

	// Further sweeps above threshold keep appending history but mint nothing.
	elevated, err = f.reindexer.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, elevated)
	require.Len(t, f.queue.reqs, 1, "no duplicate enqueue")
}

func TestPayloadHashIsCanonical(t *testing.T) {
	a := model.EvidenceIntake{Source: "s", ContentType: "text/plain", Payload: []byte("same bytes")}
	b := model.EvidenceIntake{Source: "s", ContentType: "text/plain", Payload: []byte("same bytes")}
	assert.Equal(t, PayloadHash(a), PayloadHash(b))

	// Field boundaries matter: moving bytes between fields changes the hash.
	c := model.EvidenceIntake{Source: "st", ContentType: "ext/plain", Payload: []byte("same bytes")}
	assert.NotEqual(t, PayloadHash(a), PayloadHash(c))
}

func TestHeuristicAnalysisScoresLegalText(t *testing.T) {
	legal := heuristicAnalysis([]byte("Certified affidavit and court subpoena for the plaintiff John Smith regarding the property deed"), nil)
	casual := heuristicAnalysis([]byte("lunch at noon tomorrow?"), nil)
	assert.Greater(t, legal.Probability, casual.Probability)
	assert.Contains(t, legal.Entities.People, "John Smith")
}

func TestParseAnalysisClampsRange(t *testing.T) {
	a, err := parseAnalysis(`{"probability": 1.7, "entities": {"people": ["A B"]}}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Probability)

	a, err = parseAnalysis(`text before {"probability": -0.3} text after`)
	require.NoError(t, err)
	assert.Zero(t, a.Probability)

	_, err = parseAnalysis("not json")
	require.Error(t, err)
}
