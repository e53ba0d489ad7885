package model

import "time"

// ModelScores is the learning table: task type → provider → cumulative score.
type ModelScores map[string]map[string]float64

// Get returns the score for (taskType, provider), zero if unseen.
func (m ModelScores) Get(taskType, provider string) float64 {
	if byProvider, ok := m[taskType]; ok {
		return byProvider[provider]
	}
	return 0
}

// Add adjusts the score for (taskType, provider) by delta, clamping at zero.
func (m ModelScores) Add(taskType, provider string, delta float64) {
	byProvider, ok := m[taskType]
	if !ok {
		byProvider = make(map[string]float64)
		m[taskType] = byProvider
	}
	next := byProvider[provider] + delta
	if next < 0 {
		next = 0
	}
	byProvider[provider] = next
}

// AggregateStats are the durable per-agent counters (Tier 4).
type AggregateStats struct {
	TotalInteractions int64             `json:"total_interactions"`
	TotalCost         float64           `json:"total_cost"`
	ProviderUsage     map[string]uint64 `json:"provider_usage"`
}

// AgentState is the durable state of a persistent agent. Each agent
// exclusively owns its four memory tiers; memory is never shared. Agents
// are process-owned named singletons, so the agent ID is its stable name.
type AgentState struct {
	AgentID     string         `json:"agent_id"`
	Name        string         `json:"name"`
	ModelScores ModelScores    `json:"model_scores"`
	Stats       AggregateStats `json:"aggregate_stats"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// InteractionLog is appended on every agent completion and drives learning.
// IDs are local UUIDs: interactions are high-volume internal records, not
// durable entities named by the identity authority.
type InteractionLog struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	TaskType     string    `json:"task_type"`
	Prompt       string    `json:"prompt"`
	Provider     string    `json:"provider"`
	Response     string    `json:"response"`
	Success      bool      `json:"success"`
	QualityScore float64   `json:"quality_score"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	SessionID    string    `json:"session_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
