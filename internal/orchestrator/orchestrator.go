// Package orchestrator runs the strict ordered evidence integration
// pipeline: schema validation, identifier mint, event record creation,
// integrity verification, compliance check, canonical storage, case linkage.
// Each step fails closed; the orchestrator owns ordering and error
// aggregation, not business rules.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chittyos/chittyrouter/internal/chittyid"
	"github.com/chittyos/chittyrouter/internal/model"
)

// StepResult is one completed (or failed) step.
type StepResult struct {
	Name       string        `json:"name"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	At         time.Time     `json:"at"`
}

// Result aggregates the run. OK is true only when every step passed.
type Result struct {
	OK         bool         `json:"ok"`
	FailedStep string       `json:"failed_step,omitempty"`
	Steps      []StepResult `json:"steps"`
}

// Step is one pipeline stage.
type Step interface {
	Name() string
	Run(ctx context.Context, rec *model.EvidenceRecord) error
}

// EventStore is the local event-sourced record of integration activity.
type EventStore interface {
	AppendIntegrationEvent(ctx context.Context, chittyID model.ChittyID, event string, detail map[string]string) error
}

// Orchestrator sequences the steps.
type Orchestrator struct {
	steps       []Step
	stepTimeout time.Duration
	logger      *slog.Logger
}

// New assembles the standard seven-step pipeline. Collaborator endpoints map
// step names to external service URLs; empty entries get a pass-through step
// so a partial deployment still runs in order.
func New(minter chittyid.Minter, events EventStore, collaborators map[string]string,
	stepTimeout time.Duration, logger *slog.Logger) (*Orchestrator, error) {
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Second
	}

	schema, err := compileEvidenceSchema()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: stepTimeout}
	external := func(name string) Step {
		endpoint := collaborators[name]
		if endpoint == "" {
			return passStep{name: name}
		}
		return &httpStep{name: name, endpoint: endpoint, client: httpClient}
	}

	return &Orchestrator{
		steps: []Step{
			&schemaStep{schema: schema},
			&identityStep{minter: minter},
			&eventStep{events: events},
			external("integrity"),
			external("compliance"),
			external("storage"),
			external("case-linkage"),
		},
		stepTimeout: stepTimeout,
		logger:      logger,
	}, nil
}

// Run executes the steps in order, stopping at the first failure.
func (o *Orchestrator) Run(ctx context.Context, rec *model.EvidenceRecord) Result {
	res := Result{OK: true}
	for _, step := range o.steps {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		err := step.Run(stepCtx, rec)
		cancel()

		sr := StepResult{
			Name:       step.Name(),
			OK:         err == nil,
			DurationMs: time.Since(start).Milliseconds(),
			At:         start.UTC(),
		}
		if err != nil {
			sr.Error = err.Error()
			res.Steps = append(res.Steps, sr)
			res.OK = false
			res.FailedStep = step.Name()
			o.logger.Warn("orchestrator: step rejected",
				"step", step.Name(), "chitty_id", string(rec.ChittyID), "error", err)
			return res
		}
		res.Steps = append(res.Steps, sr)
	}
	return res
}

// evidenceSchema is the structural contract an evidence record must satisfy
// before any external collaborator sees it.
const evidenceSchema = `{
  "type": "object",
  "required": ["payload_hash", "source", "content_type"],
  "properties": {
    "chitty_id": {"type": "string"},
    "payload_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "source": {"type": "string", "minLength": 1},
    "content_type": {"type": "string", "minLength": 1},
    "probability": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

func compileEvidenceSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("evidence.json", strings.NewReader(evidenceSchema)); err != nil {
		return nil, fmt.Errorf("orchestrator: add schema: %w", err)
	}
	schema, err := c.Compile("evidence.json")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile schema: %w", err)
	}
	return schema, nil
}

type schemaStep struct {
	schema *jsonschema.Schema
}

func (schemaStep) Name() string { return "schema-validation" }

func (s *schemaStep) Run(_ context.Context, rec *model.EvidenceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal record: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("orchestrator: reload record: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("orchestrator: schema: %w", err)
	}
	return nil
}

// identityStep confirms the record's identifier with the authority, or mints
// one when the record arrives without it.
type identityStep struct {
	minter chittyid.Minter
}

func (identityStep) Name() string { return "identifier" }

func (s *identityStep) Run(ctx context.Context, rec *model.EvidenceRecord) error {
	if rec.ChittyID != "" {
		return s.minter.Validate(ctx, rec.ChittyID)
	}
	id, err := s.minter.Mint(ctx, model.EntityEvent, map[string]any{
		"kind":   "evidence",
		"source": rec.Source,
	})
	if err != nil {
		return err
	}
	rec.ChittyID = id
	return nil
}

type eventStep struct {
	events EventStore
}

func (eventStep) Name() string { return "event-record" }

func (s *eventStep) Run(ctx context.Context, rec *model.EvidenceRecord) error {
	return s.events.AppendIntegrationEvent(ctx, rec.ChittyID, "integration_started", map[string]string{
		"source":       rec.Source,
		"payload_hash": rec.PayloadHash,
	})
}

// httpStep posts the record to an external collaborator. Any non-2xx answer
// is a reject.
type httpStep struct {
	name     string
	endpoint string
	client   *http.Client
}

func (s *httpStep) Name() string { return s.name }

func (s *httpStep) Run(ctx context.Context, rec *model.EvidenceRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("orchestrator: %s: marshal: %w", s.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("orchestrator: %s: request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator: %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator: %s rejected with status %d", s.name, resp.StatusCode)
	}
	return nil
}

// passStep stands in for an unconfigured external collaborator.
type passStep struct{ name string }

func (p passStep) Name() string                                        { return p.name }
func (passStep) Run(context.Context, *model.EvidenceRecord) error      { return nil }
