// Package agent implements the persistent agent substrate: durable agents
// that accumulate provider performance scores per task type and carry a
// four-tier memory (working, semantic, episodic, aggregate) across restarts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittyrouter/internal/gateway"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/storage"
)

// StateStore is the aggregate tier (Tier 4): durable agent state and the
// append-only interaction ledger. Implemented by storage.DB.
type StateStore interface {
	LoadAgentState(ctx context.Context, agentID string) (*model.AgentState, error)
	SaveAgentState(ctx context.Context, state *model.AgentState) error
	AppendInteraction(ctx context.Context, log *model.InteractionLog) error
}

// Substrate owns the agent singletons. Each agent ID maps to exactly one
// in-process Agent; concurrent lookups share the instance so score updates
// serialize through its lock rather than racing through the store.
type Substrate struct {
	mu     sync.Mutex
	agents map[string]*Agent

	gw       *gateway.Client
	working  memory.WorkingStore
	semantic memory.SemanticIndex
	episodic memory.EpisodicStore
	store    StateStore
	cfg      Config
	logger   *slog.Logger
}

// Config tunes substrate behavior.
type Config struct {
	WorkingTTL      time.Duration // session context retention in the working tier
	ContextTurns    int           // last-K interactions pulled into the prompt
	SemanticTopK    int           // similar past interactions pulled per request
	DefaultProvider string        // used before any scores exist
}

// NewSubstrate wires the substrate over the gateway and the memory tiers.
func NewSubstrate(gw *gateway.Client, working memory.WorkingStore, semantic memory.SemanticIndex,
	episodic memory.EpisodicStore, store StateStore, cfg Config, logger *slog.Logger) *Substrate {
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 5
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 3
	}
	if cfg.WorkingTTL <= 0 {
		cfg.WorkingTTL = time.Hour
	}
	return &Substrate{
		agents:   make(map[string]*Agent),
		gw:       gw,
		working:  working,
		semantic: semantic,
		episodic: episodic,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the singleton agent for agentID, loading persisted state on
// first access and creating a fresh agent when none exists yet.
func (s *Substrate) Get(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.agents[agentID]; ok {
		return a, nil
	}

	state, err := s.store.LoadAgentState(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("agent: load state %q: %w", agentID, err)
		}
		now := time.Now().UTC()
		state = &model.AgentState{
			AgentID:     agentID,
			Name:        agentID,
			ModelScores: model.ModelScores{},
			Stats:       model.AggregateStats{ProviderUsage: map[string]uint64{}},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.SaveAgentState(ctx, state); err != nil {
			return nil, fmt.Errorf("agent: create state %q: %w", agentID, err)
		}
		s.logger.Info("agent: created", "agent_id", agentID)
	}
	if state.ModelScores == nil {
		state.ModelScores = model.ModelScores{}
	}
	if state.Stats.ProviderUsage == nil {
		state.Stats.ProviderUsage = map[string]uint64{}
	}

	a := &Agent{
		state:     state,
		substrate: s,
	}
	s.agents[agentID] = a
	return a, nil
}

// Stats returns a snapshot of an agent's learned scores and usage counters.
func (s *Substrate) Stats(ctx context.Context, agentID string) (*model.AgentState, error) {
	a, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return a.Snapshot(), nil
}

func newInteractionID() string { return uuid.NewString() }
