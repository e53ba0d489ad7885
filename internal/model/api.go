package model

import (
	"time"

	"github.com/chittyos/chittyrouter/internal/vclock"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope. Kind is one of the
// ErrKind constants; CorrelationID threads through logs and downstream calls.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error kinds. Internal retries are confined to provider calls and queue
// consumers; everywhere else errors surface with one of these kinds.
const (
	ErrKindValidation  = "VALIDATION_ERROR"
	ErrKindAuth        = "AUTH_ERROR"
	ErrKindRateLimited = "RATE_LIMITED"
	ErrKindTimeout     = "TIMEOUT"
	ErrKindProvider    = "PROVIDER_FAILURE"
	ErrKindConflict    = "CONFLICT_DETECTED"
	ErrKindNotFound    = "NOT_FOUND"
	ErrKindUpstream    = "UPSTREAM_UNAVAILABLE"
	ErrKindInternal    = "INTERNAL_INVARIANT_VIOLATED"
)

// AgentCompleteRequest is the body for POST /agents/{name}/complete.
type AgentCompleteRequest struct {
	Prompt    string         `json:"prompt"`
	TaskType  string         `json:"task_type"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// AgentCompleteResponse is the success body for POST /agents/{name}/complete.
type AgentCompleteResponse struct {
	Success           bool    `json:"success"`
	Provider          string  `json:"provider,omitempty"`
	Cost              float64 `json:"cost"`
	AgentID           string  `json:"agent_id"`
	MemoryContextUsed bool    `json:"memory_context_used"`
	Text              string  `json:"text,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// AgentStatsResponse is the body for GET /agents/{name}/stats.
type AgentStatsResponse struct {
	AgentID           string            `json:"agent_id"`
	TotalInteractions int64             `json:"total_interactions"`
	TotalCost         float64           `json:"total_cost"`
	ProviderUsage     map[string]uint64 `json:"provider_usage"`
	ModelScores       ModelScores       `json:"model_scores"`
}

// SyncTodosRequest is the body for POST /api/todos/sync.
type SyncTodosRequest struct {
	UserID string       `json:"user_id"`
	Batch  []Todo       `json:"batch"`
	Clock  vclock.Clock `json:"clock,omitempty"`
}

// SyncTodosResponse is the result of a bulk todo sync.
type SyncTodosResponse struct {
	Accepted  []Todo         `json:"accepted"`
	Conflicts []TodoConflict `json:"conflicts"`
}

// SessionInitRequest is the body for POST /session/init. ReplicaID names the
// client replica for vector-clock purposes; one is assigned when omitted.
type SessionInitRequest struct {
	UserID    string         `json:"user_id"`
	ReplicaID string         `json:"replica_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionStateRequest is the body for POST /session/state.
type SessionStateRequest struct {
	SessionID ChittyID       `json:"session_id"`
	Delta     map[string]any `json:"delta"`
	Clock     vclock.Clock   `json:"clock"`
}

// SessionFactsRequest is the body for POST /session/atomic-facts.
type SessionFactsRequest struct {
	SessionID ChittyID     `json:"session_id"`
	Facts     []AtomicFact `json:"facts"`
	Clock     vclock.Clock `json:"clock"`
}

// AtomicFact is a single append-only fact attached to a session.
type AtomicFact struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// IngestRequest is the body for POST /ingest.
type IngestRequest struct {
	Source      string            `json:"source"`
	ContentType string            `json:"content_type"`
	Payload     string            `json:"payload"` // base64 or raw text per content type
	Hints       map[string]string `json:"hints,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
}

// PipelineGenerateRequest is the body for POST /pipeline/{kind}/generate.
type PipelineGenerateRequest struct {
	Payload   map[string]any `json:"payload"`
	SessionID string         `json:"session_id,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Service  string            `json:"service"`
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services int               `json:"services"`
	Deps     map[string]string `json:"deps,omitempty"`
	Uptime   int64             `json:"uptime_seconds"`
}

// RouterStatsResponse is the body for GET /router/stats.
type RouterStatsResponse struct {
	Targets map[string]map[string]uint64 `json:"targets"` // target → resolution tier → count
}

// AuthTokenRequest is the body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the body for a successful POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
