package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chittyos/chittyrouter/internal/gateway"
	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/model"
)

// Scoring constants for the learning loop. A provider that answers well
// climbs; every failed attempt in a request costs a point (floored at zero);
// a provider that only won because the preferred one failed gets partial
// credit so the ranking can recover without thrashing.
const (
	failurePenalty  = 1.0
	fallbackCredit  = 0.8
	minQualityScore = 0.1
	maxQualityScore = 1.0
)

// Agent is one persistent agent. All interaction flows go through Complete,
// which serializes state mutation under mu.
type Agent struct {
	mu        sync.Mutex
	state     *model.AgentState
	substrate *Substrate
}

// Snapshot returns a deep copy of the agent state for read-only callers.
func (a *Agent) Snapshot() *model.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := *a.state
	cp.ModelScores = model.ModelScores{}
	for task, provs := range a.state.ModelScores {
		cp.ModelScores[task] = make(map[string]float64, len(provs))
		for p, s := range provs {
			cp.ModelScores[task][p] = s
		}
	}
	cp.Stats.ProviderUsage = make(map[string]uint64, len(a.state.Stats.ProviderUsage))
	for p, n := range a.state.Stats.ProviderUsage {
		cp.Stats.ProviderUsage[p] = n
	}
	return &cp
}

// workingTurn is one prompt/response pair kept in the working tier.
type workingTurn struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Complete runs one interaction: pick the best-scoring provider for the task
// type, assemble memory context, call the gateway, learn from the outcome,
// and persist across all four tiers. A total provider failure is reported in
// the response, never as an error.
func (a *Agent) Complete(ctx context.Context, req model.AgentCompleteRequest) model.AgentCompleteResponse {
	s := a.substrate
	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}

	preferred := a.chooseProvider(taskType)
	prompt, contextUsed := a.assemblePrompt(ctx, req)

	res := s.gw.Complete(ctx, prompt, gateway.Options{
		PreferredProvider: preferred,
	})

	a.mu.Lock()
	now := time.Now().UTC()

	// Every provider that failed along the way loses a point.
	for _, att := range res.Attempts {
		cur := a.state.ModelScores.Get(taskType, att.Provider)
		a.state.ModelScores.Add(taskType, att.Provider, -min(failurePenalty, cur))
	}

	if res.Success {
		quality := scoreQuality(res.Text)
		credit := quality
		if res.Provider != preferred && len(res.Attempts) > 0 {
			credit = fallbackCredit
		}
		a.state.ModelScores.Add(taskType, res.Provider, credit)
		a.state.Stats.TotalInteractions++
		a.state.Stats.TotalCost += res.Cost
		a.state.Stats.ProviderUsage[res.Provider]++
	}
	a.state.UpdatedAt = now
	stateCopy := a.snapshotLocked()
	a.mu.Unlock()

	log := model.InteractionLog{
		ID:           newInteractionID(),
		AgentID:      stateCopy.AgentID,
		TaskType:     taskType,
		Prompt:       req.Prompt,
		Provider:     res.Provider,
		Response:     res.Text,
		Success:      res.Success,
		QualityScore: scoreQuality(res.Text),
		Cost:         res.Cost,
		LatencyMs:    res.LatencyMs,
		SessionID:    req.SessionID,
		OccurredAt:   now,
	}
	a.persist(ctx, stateCopy, log, req)

	resp := model.AgentCompleteResponse{
		Success:           res.Success,
		Provider:          res.Provider,
		Cost:              res.Cost,
		AgentID:           stateCopy.AgentID,
		MemoryContextUsed: contextUsed,
		Text:              res.Text,
	}
	if !res.Success {
		resp.Error = res.LastError
	}
	return resp
}

func (a *Agent) snapshotLocked() *model.AgentState {
	cp := *a.state
	cp.ModelScores = model.ModelScores{}
	for task, provs := range a.state.ModelScores {
		cp.ModelScores[task] = make(map[string]float64, len(provs))
		for p, s := range provs {
			cp.ModelScores[task][p] = s
		}
	}
	cp.Stats.ProviderUsage = make(map[string]uint64, len(a.state.Stats.ProviderUsage))
	for p, n := range a.state.Stats.ProviderUsage {
		cp.Stats.ProviderUsage[p] = n
	}
	return &cp
}

// chooseProvider picks the highest-scoring provider for the task type,
// breaking ties toward the cheaper provider. With no history the configured
// default (or the head of the fallback chain) is used.
func (a *Agent) chooseProvider(taskType string) string {
	a.mu.Lock()
	scores := a.state.ModelScores[taskType]
	a.mu.Unlock()

	candidates := a.substrate.gw.Providers()
	if len(candidates) == 0 {
		return a.substrate.cfg.DefaultProvider
	}

	if len(scores) == 0 {
		if a.substrate.cfg.DefaultProvider != "" {
			return a.substrate.cfg.DefaultProvider
		}
		return candidates[0]
	}

	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := scores[sorted[i]], scores[sorted[j]]
		if si != sj {
			return si > sj
		}
		return a.substrate.gw.ExpectedCost(sorted[i]) < a.substrate.gw.ExpectedCost(sorted[j])
	})
	return sorted[0]
}

// assemblePrompt prepends working-tier session turns and semantically similar
// past interactions to the user prompt. Memory failures degrade to a bare
// prompt; they never fail the request.
func (a *Agent) assemblePrompt(ctx context.Context, req model.AgentCompleteRequest) (string, bool) {
	s := a.substrate
	var sections []string

	if req.SessionID != "" {
		raw, err := s.working.Get(ctx, a.turnsKey(req.SessionID))
		if err == nil {
			var turns []workingTurn
			if json.Unmarshal([]byte(raw), &turns) == nil && len(turns) > 0 {
				var b strings.Builder
				b.WriteString("Recent conversation:\n")
				for _, t := range turns {
					fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Prompt, t.Response)
				}
				sections = append(sections, b.String())
			}
		}
	}

	if vec, err := s.gw.Embed(ctx, req.Prompt); err == nil {
		entries, err := s.semantic.Query(ctx, vec, s.cfg.SemanticTopK, map[string]string{
			"agent_id": a.state.AgentID,
			"kind":     "interaction",
		})
		if err == nil && len(entries) > 0 {
			var b strings.Builder
			b.WriteString("Relevant past interactions:\n")
			for _, e := range entries {
				if t := e.Metadata["text"]; t != "" {
					b.WriteString("- " + t + "\n")
				}
			}
			sections = append(sections, b.String())
		}
	}

	for k, v := range req.Context {
		sections = append(sections, fmt.Sprintf("%s: %s", k, v))
	}

	if len(sections) == 0 {
		return req.Prompt, false
	}
	return strings.Join(sections, "\n") + "\n\n" + req.Prompt, true
}

// persist writes the outcome across the tiers: aggregate state and the
// interaction ledger in Postgres, a write-once episodic blob, a semantic
// index entry, and the rolling session turns in the working tier.
func (a *Agent) persist(ctx context.Context, state *model.AgentState, log model.InteractionLog, req model.AgentCompleteRequest) {
	s := a.substrate

	if err := s.store.SaveAgentState(ctx, state); err != nil {
		s.logger.Error("agent: save state", "agent_id", state.AgentID, "error", err)
	}
	if err := s.store.AppendInteraction(ctx, &log); err != nil {
		s.logger.Error("agent: append interaction", "agent_id", state.AgentID, "error", err)
	}

	blob, err := json.Marshal(log)
	if err == nil {
		key := fmt.Sprintf("episodes/%s/%s/%s.json",
			state.AgentID, log.OccurredAt.Format("2006-01-02"), log.ID)
		if err := s.episodic.Put(ctx, key, blob); err != nil && err != memory.ErrExists {
			s.logger.Error("agent: episodic put", "key", key, "error", err)
		}
	}

	if log.Success {
		if vec, err := s.gw.Embed(ctx, log.Prompt+"\n"+log.Response); err == nil {
			entry := memory.SemanticEntry{
				ID:      log.ID,
				AgentID: state.AgentID,
				Kind:    "interaction",
				Vector:  vec,
				Metadata: map[string]string{
					"text":      truncate(log.Prompt, 200) + " => " + truncate(log.Response, 200),
					"task_type": log.TaskType,
				},
			}
			if err := s.semantic.Upsert(ctx, entry); err != nil {
				s.logger.Warn("agent: semantic upsert", "error", err)
			}
		}
	}

	if req.SessionID != "" && log.Success {
		a.appendTurn(ctx, req.SessionID, workingTurn{Prompt: req.Prompt, Response: log.Response})
	}
}

func (a *Agent) appendTurn(ctx context.Context, sessionID string, turn workingTurn) {
	s := a.substrate
	key := a.turnsKey(sessionID)

	var turns []workingTurn
	if raw, err := s.working.Get(ctx, key); err == nil {
		_ = json.Unmarshal([]byte(raw), &turns)
	}
	turns = append(turns, turn)
	if len(turns) > s.cfg.ContextTurns {
		turns = turns[len(turns)-s.cfg.ContextTurns:]
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return
	}
	if err := s.working.Put(ctx, key, string(raw), s.cfg.WorkingTTL); err != nil {
		s.logger.Warn("agent: working put", "key", key, "error", err)
	}
}

func (a *Agent) turnsKey(sessionID string) string {
	return "agent:" + a.state.AgentID + ":session:" + sessionID + ":turns"
}

// scoreQuality is a cheap response heuristic: empty responses score the
// floor, substantial ones approach the ceiling.
func scoreQuality(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return minQualityScore
	}
	score := 0.5
	if len(trimmed) >= 50 {
		score += 0.2
	}
	if len(trimmed) >= 200 {
		score += 0.2
	}
	if strings.ContainsAny(trimmed, ".!?") {
		score += 0.1
	}
	if score > maxQualityScore {
		score = maxQualityScore
	}
	return score
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
