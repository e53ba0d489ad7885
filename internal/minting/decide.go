package minting

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chittyos/chittyrouter/internal/model"
)

// Config is the minting policy.
type Config struct {
	SecurityThreshold float64  // s above this always mints hard
	HardRandomPercent float64  // percentage of sub-threshold records hardened at random; 0 disables the draw
	AlwaysHardTypes   []string // document types that bypass scoring
}

// Decider applies the soft/hard policy.
type Decider struct {
	cfg        Config
	beacon     BeaconSource
	alwaysHard map[string]bool
	logger     *slog.Logger
}

func NewDecider(cfg Config, beacon BeaconSource, logger *slog.Logger) *Decider {
	if cfg.SecurityThreshold <= 0 {
		cfg.SecurityThreshold = 0.8
	}
	// Zero is a valid cutoff (random hardening off); only negatives clamp.
	// The 1% production default lives in config.Load.
	if cfg.HardRandomPercent < 0 {
		cfg.HardRandomPercent = 0
	}
	hard := make(map[string]bool, len(cfg.AlwaysHardTypes))
	for _, t := range cfg.AlwaysHardTypes {
		hard[t] = true
	}
	return &Decider{cfg: cfg, beacon: beacon, alwaysHard: hard, logger: logger}
}

// Security score weights. The score is a weighted sum over declared document
// properties; it never inspects payload content, only caller declarations
// and the ledger row.
const (
	weightDocType     = 0.40
	weightClass       = 0.20
	weightValue       = 0.15
	weightLegalWeight = 0.25
	highValueFloorUSD = 50_000
)

var docTypeBoost = map[string]float64{
	"criminal-evidence": 1.0,
	"court-order":       0.9,
	"property-deed":     0.85,
	"contract":          0.5,
	"financial-record":  0.4,
}

var classBoost = map[string]float64{
	"privileged":   1.0,
	"confidential": 0.7,
	"internal":     0.3,
}

// SecurityScore computes s ∈ [0,1] for a record from its declared hints.
func SecurityScore(rec *model.EvidenceRecord) float64 {
	s := 0.0
	if boost, ok := docTypeBoost[rec.Hints["type"]]; ok {
		s += weightDocType * boost
	}
	if boost, ok := classBoost[rec.Hints["classification"]]; ok {
		s += weightClass * boost
	}
	if v, err := strconv.ParseFloat(rec.Hints["value_usd"], 64); err == nil && v > highValueFloorUSD {
		s += weightValue
	}
	if w, err := strconv.ParseFloat(rec.Hints["legal_weight"], 64); err == nil && w > 0 {
		if w > 1 {
			w = 1
		}
		s += weightLegalWeight * w
	}
	if s > 1 {
		s = 1
	}
	return s
}

// Uniform maps (beaconValue, contentHash) to a deterministic real in
// [0, 100). Both inputs are treated as opaque strings; the concatenation is
// NUL-separated so field boundaries are unambiguous.
func Uniform(beaconValue, contentHash string) float64 {
	h := sha256.New()
	h.Write([]byte(beaconValue))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	sum := h.Sum(nil)
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(1<<63) / 2 * 100
}

// Decide produces the minting decision for a record. Records scoring above
// the threshold, or of an always-hard document type, harden without touching
// the beacon (verifiable=false: there is no randomness to audit). Everything
// else draws from the latest beacon round and hardens with probability
// HardRandomPercent/100 (verifiable=true). A zero cutoff skips the draw
// entirely: sub-threshold records mint soft and the beacon is never
// consulted, which is how a disabled beacon keeps decisions on the
// deterministic threshold path.
func (d *Decider) Decide(ctx context.Context, rec *model.EvidenceRecord) (*model.MintingDecision, error) {
	s := SecurityScore(rec)
	now := time.Now().UTC()

	if s > d.cfg.SecurityThreshold || d.alwaysHard[rec.Hints["type"]] {
		return &model.MintingDecision{
			ChittyID:      rec.ChittyID,
			Strategy:      model.MintHard,
			SecurityScore: s,
			Verifiable:    false,
			Rationale:     fmt.Sprintf("policy: s=%.4f threshold=%.2f type=%q", s, d.cfg.SecurityThreshold, rec.Hints["type"]),
			DecidedAt:     now,
		}, nil
	}

	if d.cfg.HardRandomPercent <= 0 {
		return &model.MintingDecision{
			ChittyID:      rec.ChittyID,
			Strategy:      model.MintSoft,
			SecurityScore: s,
			Verifiable:    false,
			Rationale:     fmt.Sprintf("policy: s=%.4f threshold=%.2f random hardening off", s, d.cfg.SecurityThreshold),
			DecidedAt:     now,
		}, nil
	}

	beacon, err := d.beacon.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("minting: fetch beacon: %w", err)
	}

	r := Uniform(beacon.Value, rec.PayloadHash)
	strategy := model.MintSoft
	if r < d.cfg.HardRandomPercent {
		strategy = model.MintHard
	}

	return &model.MintingDecision{
		ChittyID:      rec.ChittyID,
		Strategy:      strategy,
		SecurityScore: s,
		BeaconRound:   beacon.Round,
		BeaconValue:   beacon.Value,
		Verifiable:    true,
		Rationale:     fmt.Sprintf("beacon: s=%.4f round=%d r=%.6f cutoff=%.2f", s, beacon.Round, r, d.cfg.HardRandomPercent),
		DecidedAt:     now,
	}, nil
}

// Verify recomputes a beacon-based decision from the record's canonical hash
// and the recorded round, and reports whether the stored strategy matches.
// Policy-forced decisions (Verifiable=false) cannot be verified this way.
func (d *Decider) Verify(ctx context.Context, rec *model.EvidenceRecord, decision *model.MintingDecision) (bool, error) {
	if !decision.Verifiable {
		return false, fmt.Errorf("minting: decision for %s is policy-forced, not beacon-drawn", decision.ChittyID)
	}
	beacon, err := d.beacon.Round(ctx, decision.BeaconRound)
	if err != nil {
		return false, fmt.Errorf("minting: fetch round %d: %w", decision.BeaconRound, err)
	}

	r := Uniform(beacon.Value, rec.PayloadHash)
	expected := model.MintSoft
	if r < d.cfg.HardRandomPercent {
		expected = model.MintHard
	}
	return expected == decision.Strategy, nil
}

// BillingFor builds the billing event for a decision at the reference costs.
func BillingFor(decision *model.MintingDecision) model.BillingEvent {
	cost := model.SoftMintCost
	if decision.Strategy == model.MintHard {
		cost = model.HardMintCost
	}
	return model.BillingEvent{
		ChittyID:  decision.ChittyID,
		Strategy:  decision.Strategy,
		Cost:      cost,
		Timestamp: decision.DecidedAt,
		Metadata: map[string]string{
			"verifiable": strconv.FormatBool(decision.Verifiable),
			"rationale":  decision.Rationale,
		},
	}
}
