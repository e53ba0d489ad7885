package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/chittyos/chittyrouter/internal/gateway"
	"github.com/chittyos/chittyrouter/internal/model"
)

// Analysis is the AI assessment of one payload: how likely it is to be
// case-relevant evidence, and which entities it mentions.
type Analysis struct {
	Probability float64                 `json:"probability"`
	Entities    model.ExtractedEntities `json:"entities"`
}

// Analyzer scores payloads. Implementations must always return a usable
// Analysis: ingestion never drops input because scoring degraded.
type Analyzer interface {
	Analyze(ctx context.Context, payload []byte, hints map[string]string) (Analysis, error)
}

// AIAnalyzer scores through the gateway, falling back to keyword heuristics
// when every provider fails.
type AIAnalyzer struct {
	gw *gateway.Client
}

func NewAIAnalyzer(gw *gateway.Client) *AIAnalyzer { return &AIAnalyzer{gw: gw} }

const analyzePrompt = `Assess this document for legal evidentiary relevance.
Respond with only a JSON object:
{"probability": number in [0,1] that this is case-relevant evidence,
 "entities": {"people": [...], "places": [...], "properties": [...]}}

Hints: %s

Document:
%s`

const maxAnalyzePayload = 4000

func (a *AIAnalyzer) Analyze(ctx context.Context, payload []byte, hints map[string]string) (Analysis, error) {
	doc := string(payload)
	if len(doc) > maxAnalyzePayload {
		doc = doc[:maxAnalyzePayload]
	}
	hintJSON, _ := json.Marshal(hints)

	res := a.gw.Complete(ctx, fmt.Sprintf(analyzePrompt, hintJSON, doc), gateway.Options{
		Temperature: 0, // scoring should be as repeatable as the provider allows
	})
	if !res.Success {
		return heuristicAnalysis(payload, hints), nil
	}

	analysis, err := parseAnalysis(res.Text)
	if err != nil {
		return heuristicAnalysis(payload, hints), nil
	}
	return analysis, nil
}

func parseAnalysis(text string) (Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Analysis{}, fmt.Errorf("evidence: no JSON object in analysis response")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return Analysis{}, fmt.Errorf("evidence: decode analysis: %w", err)
	}
	if a.Probability < 0 {
		a.Probability = 0
	}
	if a.Probability > 1 {
		a.Probability = 1
	}
	return a, nil
}

// evidentiary keyword weights for the degraded scoring path.
var evidenceSignals = map[string]float64{
	"contract":    0.15,
	"agreement":   0.12,
	"deed":        0.2,
	"court":       0.2,
	"subpoena":    0.25,
	"affidavit":   0.25,
	"testimony":   0.2,
	"invoice":     0.1,
	"payment":     0.08,
	"transfer":    0.08,
	"property":    0.1,
	"lease":       0.12,
	"settlement":  0.18,
	"damages":     0.15,
	"plaintiff":   0.2,
	"defendant":   0.2,
	"exhibit":     0.22,
	"notarized":   0.18,
	"certified":   0.1,
	"evidence":    0.15,
}

var properNounRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`)

// heuristicAnalysis is the no-AI fallback: keyword-weighted probability and
// capitalized-phrase entity extraction. Crude, but ingestion must never block
// on provider availability.
func heuristicAnalysis(payload []byte, hints map[string]string) Analysis {
	text := strings.ToLower(string(payload))
	p := 0.0
	for kw, w := range evidenceSignals {
		if strings.Contains(text, kw) {
			p += w
		}
	}
	if hints["type"] != "" {
		p += 0.1
	}
	if p > 1 {
		p = 1
	}

	names := properNounRe.FindAllString(string(payload), 10)
	return Analysis{
		Probability: p,
		Entities:    model.ExtractedEntities{People: dedupe(names)},
	}
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	var out []string
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
