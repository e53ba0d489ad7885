package model

import "time"

// PipelineStage names the five mandatory stages of identifier generation.
type PipelineStage string

const (
	StageRouter        PipelineStage = "router"
	StageIntake        PipelineStage = "intake"
	StageTrust         PipelineStage = "trust"
	StageAuthorization PipelineStage = "authorization"
	StageGeneration    PipelineStage = "generation"
)

// PipelineStages is the fixed stage order. A stage may only start after all
// predecessors are COMPLETED.
var PipelineStages = []PipelineStage{
	StageRouter, StageIntake, StageTrust, StageAuthorization, StageGeneration,
}

// StageStatus is the state of a single pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageCompleted StageStatus = "COMPLETED"
	StageFailed    StageStatus = "FAILED"
)

// StageResult records one stage's outcome with timings.
type StageResult struct {
	Stage       PipelineStage `json:"stage"`
	Status      StageStatus   `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// PipelineExecution is the persisted record of one identifier-generation run.
// A failed pipeline never produces an identifier.
type PipelineExecution struct {
	PipelineID    string        `json:"pipeline_id"`
	Kind          string        `json:"kind"` // requested entity kind, e.g. "evidence"
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id,omitempty"`
	Status        string        `json:"status"` // "running", "completed", "failed"
	Stages        []StageResult `json:"stages"`
	ChittyID      *ChittyID     `json:"chitty_id,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
