package model

import "time"

// ExtractedEntities are the named entities pulled from an evidence payload.
type ExtractedEntities struct {
	People     []string `json:"people,omitempty"`
	Places     []string `json:"places,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// ReindexEvent records one probability recomputation for an evidence record.
type ReindexEvent struct {
	Probability float64   `json:"probability"`
	At          time.Time `json:"at"`
}

// EvidenceIntake is the input to universal ingestion. Every intake is
// preserved regardless of its probability score.
type EvidenceIntake struct {
	Source      string            `json:"source"`
	ContentType string            `json:"content_type"`
	Payload     []byte            `json:"payload"`
	Hints       map[string]string `json:"hints,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
}

// EvidenceRecord is a persisted evidence ledger entry.
// Invariant: Probability > 0.7 implies an EVNT identifier, else INFO.
type EvidenceRecord struct {
	ChittyID       ChittyID          `json:"chitty_id"`
	Probability    float64           `json:"probability"`
	Priority       Priority          `json:"priority"`
	PayloadHash    string            `json:"payload_hash"`
	Entities       ExtractedEntities `json:"entities"`
	Source         string            `json:"source"`
	ContentType    string            `json:"content_type"`
	Hints          map[string]string `json:"hints,omitempty"`
	CompanionID    *ChittyID         `json:"companion_id,omitempty"` // EVNT minted on reindex elevation
	RelatedIDs     []ChittyID        `json:"related_ids,omitempty"`  // similarity links, resolved lazily
	CreatedAt      time.Time         `json:"created_at"`
	ReindexHistory []ReindexEvent    `json:"reindex_history,omitempty"`
}

// MintStrategy selects between the off-chain hash anchor and the on-chain
// full-content store.
type MintStrategy string

const (
	MintSoft MintStrategy = "soft"
	MintHard MintStrategy = "hard"
)

// Reference costs per mint, in USD. Emitted with every billing event.
const (
	SoftMintCost = 0.01
	HardMintCost = 40.0
)

// MintingDecision is the immutable audit record of a soft/hard decision.
// Determinism invariant: (ChittyID, BeaconRound) → (Strategy, SecurityScore).
type MintingDecision struct {
	ChittyID      ChittyID     `json:"chitty_id"`
	Strategy      MintStrategy `json:"strategy"`
	SecurityScore float64      `json:"security_score"`
	BeaconRound   uint64       `json:"beacon_round"`
	BeaconValue   string       `json:"beacon_value,omitempty"`
	Verifiable    bool         `json:"verifiable"`
	Rationale     string       `json:"rationale"`
	DecidedAt     time.Time    `json:"decided_at"`
}

// BillingEvent is emitted to the billing stream for every minting decision.
// The accounting invariant requires soft/hard event counts to match the
// decision log.
type BillingEvent struct {
	ChittyID  ChittyID          `json:"chitty_id"`
	Strategy  MintStrategy      `json:"strategy"`
	Cost      float64           `json:"cost"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MintRequest is the blockchain queue message produced by ingestion.
type MintRequest struct {
	ChittyID  ChittyID  `json:"chitty_id"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetter is a message that exhausted its retries, captured with the
// original envelope and the last error.
type DeadLetter struct {
	Source     string    `json:"source"` // "email" or "mint-consumer"
	Envelope   []byte    `json:"envelope"`
	LastError  string    `json:"last_error"`
	Attempts   int       `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
}
