// Package pipeline runs the five-stage identifier generation flow:
// router, intake, trust, authorization, generation. Every run is persisted
// stage by stage so status queries can report progress and timings, and a
// failed run never yields an identifier.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/model"
)

// ExecStore persists pipeline executions. Implemented by storage.DB.
type ExecStore interface {
	SavePipelineExecution(ctx context.Context, ex *model.PipelineExecution) error
	GetPipelineExecution(ctx context.Context, pipelineID string) (*model.PipelineExecution, error)
}

// Caller describes the authenticated principal driving a generation request.
type Caller struct {
	Subject string
	Tier    string // anonymous | api | service | admin
	Scopes  []string
}

// Request is one identifier-generation run.
type Request struct {
	Kind          string
	Payload       map[string]any
	Source        string
	SessionID     string
	CorrelationID string
	Caller        Caller
}

// kindEntities maps the request kind to the entity type minted for it.
var kindEntities = map[string]model.EntityType{
	"evidence": model.EntityEvent,
	"event":    model.EntityEvent,
	"info":     model.EntityInfo,
	"person":   model.EntityPerson,
	"place":    model.EntityPlace,
	"property": model.EntityProperty,
	"context":  model.EntityContext,
	"session":  model.EntityContext,
	"fact":     model.EntityFact,
	"actor":    model.EntityActor,
	"auth":     model.EntityAuth,
}

// tierScores is the base trust contribution of each caller tier.
var tierScores = map[string]float64{
	"admin":     1.0,
	"service":   0.8,
	"api":       0.5,
	"anonymous": 0.0,
}

// payloadSchema is the structural shape every generation payload must meet.
// Kind-specific requirements live on top of this base.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1
}`

// evidencePayloadSchema additionally binds evidence-kind payloads to the
// ledger's canonical fields.
const evidencePayloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "content_type"],
  "properties": {
    "source": {"type": "string", "minLength": 1},
    "content_type": {"type": "string", "minLength": 1},
    "payload_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

// Config tunes the trust and authorization stages.
type Config struct {
	// TrustThreshold is the minimum trust score to pass stage 3.
	TrustThreshold float64
	// TrustedSources get a score bonus at the trust stage.
	TrustedSources []string
}

// DefaultConfig matches the production policy: API-tier callers from a
// trusted source pass, anonymous callers never do.
func DefaultConfig() Config {
	return Config{
		TrustThreshold: 0.5,
		TrustedSources: []string{"internal", "email-pipeline", "evidence-pipeline"},
	}
}

// Engine executes pipelines. Runs are independent of each other; the store
// serializes persistence per pipelineId.
type Engine struct {
	store  ExecStore
	minter chittyid.Minter
	cfg    Config
	logger *slog.Logger

	baseSchema     *jsonschema.Schema
	evidenceSchema *jsonschema.Schema
}

func NewEngine(store ExecStore, minter chittyid.Minter, cfg Config, logger *slog.Logger) (*Engine, error) {
	base, err := compileSchema("payload.json", payloadSchema)
	if err != nil {
		return nil, err
	}
	evidence, err := compileSchema("evidence-payload.json", evidencePayloadSchema)
	if err != nil {
		return nil, err
	}
	if cfg.TrustThreshold <= 0 {
		cfg.TrustThreshold = DefaultConfig().TrustThreshold
	}
	return &Engine{
		store:          store,
		minter:         minter,
		cfg:            cfg,
		logger:         logger,
		baseSchema:     base,
		evidenceSchema: evidence,
	}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("pipeline: add schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile schema %s: %w", name, err)
	}
	return s, nil
}

// Generate runs the five stages in order and persists progress after every
// stage transition. The returned execution is terminal: status "completed"
// with a minted identifier, or "failed" with the failing stage's reason.
func (e *Engine) Generate(ctx context.Context, req Request) (*model.PipelineExecution, error) {
	ex := &model.PipelineExecution{
		PipelineID:    uuid.NewString(),
		Kind:          strings.ToLower(strings.TrimSpace(req.Kind)),
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		Status:        "running",
		StartedAt:     time.Now().UTC(),
	}
	for _, stage := range model.PipelineStages {
		ex.Stages = append(ex.Stages, model.StageResult{Stage: stage, Status: model.StagePending})
	}
	if err := e.store.SavePipelineExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("pipeline: persist execution: %w", err)
	}

	steps := []struct {
		stage model.PipelineStage
		run   func(ctx context.Context, ex *model.PipelineExecution, req *Request) error
	}{
		{model.StageRouter, e.router},
		{model.StageIntake, e.intake},
		{model.StageTrust, e.trust},
		{model.StageAuthorization, e.authorize},
		{model.StageGeneration, e.generate},
	}

	for i, step := range steps {
		start := time.Now().UTC()
		ex.Stages[i].StartedAt = &start
		err := step.run(ctx, ex, &req)
		end := time.Now().UTC()
		ex.Stages[i].CompletedAt = &end

		if err != nil {
			ex.Stages[i].Status = model.StageFailed
			ex.Stages[i].Reason = err.Error()
			ex.Status = "failed"
			ex.CompletedAt = &end
			if serr := e.store.SavePipelineExecution(ctx, ex); serr != nil {
				e.logger.Error("pipeline: persist failed execution", "pipeline_id", ex.PipelineID, "error", serr)
			}
			e.logger.Warn("pipeline: stage failed",
				"pipeline_id", ex.PipelineID,
				"stage", string(step.stage),
				"reason", err.Error())
			return ex, nil
		}

		ex.Stages[i].Status = model.StageCompleted
		if serr := e.store.SavePipelineExecution(ctx, ex); serr != nil {
			return nil, fmt.Errorf("pipeline: persist execution: %w", serr)
		}
	}

	done := time.Now().UTC()
	ex.Status = "completed"
	ex.CompletedAt = &done
	if err := e.store.SavePipelineExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("pipeline: persist execution: %w", err)
	}
	e.logger.Info("pipeline: identifier generated",
		"pipeline_id", ex.PipelineID, "kind", ex.Kind, "chitty_id", string(*ex.ChittyID))
	return ex, nil
}

// Status returns the persisted execution for a pipeline ID.
func (e *Engine) Status(ctx context.Context, pipelineID string) (*model.PipelineExecution, error) {
	return e.store.GetPipelineExecution(ctx, pipelineID)
}

// router classifies the request kind and stamps session and correlation IDs.
func (e *Engine) router(_ context.Context, ex *model.PipelineExecution, req *Request) error {
	if ex.Kind == "" {
		return fmt.Errorf("empty kind")
	}
	if _, ok := kindEntities[ex.Kind]; !ok {
		return fmt.Errorf("unknown kind %q", ex.Kind)
	}
	if ex.CorrelationID == "" {
		ex.CorrelationID = uuid.NewString()
	}
	return nil
}

// intake validates the payload's structural shape against the base schema
// and, for evidence, the ledger field schema.
func (e *Engine) intake(_ context.Context, ex *model.PipelineExecution, req *Request) error {
	doc, err := normalizePayload(req.Payload)
	if err != nil {
		return err
	}
	if err := e.baseSchema.Validate(doc); err != nil {
		return fmt.Errorf("payload shape: %v", err)
	}
	if ex.Kind == "evidence" {
		if err := e.evidenceSchema.Validate(doc); err != nil {
			return fmt.Errorf("evidence payload: %v", err)
		}
	}
	return nil
}

// normalizePayload round-trips the payload through JSON so schema validation
// sees the wire representation, not Go-native types.
func normalizePayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, fmt.Errorf("missing payload")
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("payload not serializable: %v", err)
	}
	var doc any
	if err := json.NewDecoder(&buf).Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload not serializable: %v", err)
	}
	return doc, nil
}

// trust scores the caller against policy: tier base score plus a bonus for
// trusted sources, rejected below the configured threshold.
func (e *Engine) trust(_ context.Context, _ *model.PipelineExecution, req *Request) error {
	score := tierScores[strings.ToLower(req.Caller.Tier)]
	for _, src := range e.cfg.TrustedSources {
		if req.Source == src {
			score += 0.2
			break
		}
	}
	if score > 1 {
		score = 1
	}
	if score < e.cfg.TrustThreshold {
		return fmt.Errorf("trust score %.2f below threshold %.2f (tier=%s source=%s)",
			score, e.cfg.TrustThreshold, req.Caller.Tier, req.Source)
	}
	return nil
}

// authorize checks the caller's scopes against the requested kind. Admin-tier
// callers and the wildcard scope pass everything.
func (e *Engine) authorize(_ context.Context, ex *model.PipelineExecution, req *Request) error {
	if strings.ToLower(req.Caller.Tier) == "admin" {
		return nil
	}
	want := "mint:" + ex.Kind
	for _, s := range req.Caller.Scopes {
		if s == "mint:*" || s == want {
			return nil
		}
	}
	return fmt.Errorf("caller %q lacks scope %q", req.Caller.Subject, want)
}

// generate mints the identifier through the identity authority.
func (e *Engine) generate(ctx context.Context, ex *model.PipelineExecution, req *Request) error {
	id, err := e.minter.Mint(ctx, kindEntities[ex.Kind], map[string]any{
		"kind":           ex.Kind,
		"source":         req.Source,
		"correlation_id": ex.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("identity authority: %v", err)
	}
	ex.ChittyID = &id
	return nil
}
