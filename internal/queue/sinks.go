package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
)

// Sink anchors a decided record. The soft sink stores only the canonical
// hash off-chain; the hard sink writes the full content on-chain.
type Sink interface {
	Anchor(ctx context.Context, rec *model.EvidenceRecord, decision *model.MintingDecision) error
}

// HTTPSoftSink posts hash anchors to the off-chain anchor service.
type HTTPSoftSink struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSoftSink(endpoint string, timeout time.Duration) *HTTPSoftSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSoftSink{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSoftSink) Anchor(ctx context.Context, rec *model.EvidenceRecord, decision *model.MintingDecision) error {
	return postJSON(ctx, s.client, s.endpoint, map[string]any{
		"chitty_id":    rec.ChittyID,
		"payload_hash": rec.PayloadHash,
		"beacon_round": decision.BeaconRound,
	})
}

// HTTPHardSink loads the full payload blob and submits it to the on-chain
// writer. Hard mints are rare and expensive; the blob read is on the hot
// path only for them.
type HTTPHardSink struct {
	endpoint string
	episodic memory.EpisodicStore
	client   *http.Client
}

func NewHTTPHardSink(endpoint string, episodic memory.EpisodicStore, timeout time.Duration) *HTTPHardSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPHardSink{endpoint: endpoint, episodic: episodic, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPHardSink) Anchor(ctx context.Context, rec *model.EvidenceRecord, decision *model.MintingDecision) error {
	key := fmt.Sprintf("evidence/%s/%s", rec.CreatedAt.UTC().Format("2006-01-02"), rec.ChittyID)
	payload, err := s.episodic.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("queue: load payload for hard mint %s: %w", rec.ChittyID, err)
	}
	return postJSON(ctx, s.client, s.endpoint, map[string]any{
		"chitty_id":    rec.ChittyID,
		"payload_hash": rec.PayloadHash,
		"payload":      payload,
		"rationale":    decision.Rationale,
	})
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal sink request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: sink call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("queue: sink status %d", resp.StatusCode)
	}
	return nil
}
