// Package minting decides between soft (off-chain hash anchor) and hard
// (on-chain full content) minting for evidence records. Decisions are
// deterministic given the record's canonical hash and a public randomness
// beacon round, so any verifier can recompute them bit-for-bit.
package minting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Beacon is one round of public randomness.
type Beacon struct {
	Round uint64 `json:"round"`
	Value string `json:"randomness"` // hex
}

// BeaconSource fetches public randomness rounds.
type BeaconSource interface {
	Latest(ctx context.Context) (Beacon, error)
	Round(ctx context.Context, round uint64) (Beacon, error)
}

// DrandClient fetches rounds from a drand HTTP endpoint.
type DrandClient struct {
	baseURL string
	client  *http.Client
}

func NewDrandClient(baseURL string, timeout time.Duration) *DrandClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DrandClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *DrandClient) Latest(ctx context.Context) (Beacon, error) {
	return d.fetch(ctx, d.baseURL+"/public/latest")
}

func (d *DrandClient) Round(ctx context.Context, round uint64) (Beacon, error) {
	return d.fetch(ctx, fmt.Sprintf("%s/public/%d", d.baseURL, round))
}

func (d *DrandClient) fetch(ctx context.Context, url string) (Beacon, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Beacon{}, fmt.Errorf("minting: beacon request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Beacon{}, fmt.Errorf("minting: beacon fetch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Beacon{}, fmt.Errorf("minting: read beacon: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Beacon{}, fmt.Errorf("minting: beacon status %d", resp.StatusCode)
	}

	var b Beacon
	if err := json.Unmarshal(raw, &b); err != nil {
		return Beacon{}, fmt.Errorf("minting: decode beacon: %w", err)
	}
	if b.Value == "" {
		return Beacon{}, fmt.Errorf("minting: beacon round %d has empty randomness", b.Round)
	}
	return b, nil
}
