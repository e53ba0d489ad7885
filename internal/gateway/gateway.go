// Package gateway is the unified outbound client for upstream AI providers.
//
// It layers response caching, an ordered fallback chain, per-provider
// concurrency caps, and a data-driven cost model over N provider backends.
// Complete never panics or returns an error across the client boundary:
// total failure is reported in the Result with Success=false.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrProviderBusy is returned by a provider slot acquire when the
// per-provider concurrency cap is saturated. Excess requests fail fast
// rather than queueing unboundedly.
var ErrProviderBusy = errors.New("gateway: provider concurrency cap reached")

// ErrEmbeddingUnsupported is returned by providers without an embedding API.
var ErrEmbeddingUnsupported = errors.New("gateway: embeddings not supported by provider")

// Options control a single completion request.
type Options struct {
	Model             string
	PreferredProvider string
	MaxTokens         int
	Temperature       float64
	NoCache           bool
	Timeout           time.Duration // per-provider deadline; 0 uses the client default
}

// Attempt records one provider try within a request.
type Attempt struct {
	Provider string `json:"provider"`
	Err      string `json:"error,omitempty"`
}

// Result is the outcome of a completion request.
type Result struct {
	Success      bool      `json:"success"`
	Text         string    `json:"text,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Cost         float64   `json:"cost"`
	Cached       bool      `json:"cached"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Attempts     []Attempt `json:"attempts,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Provider is a single upstream AI backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model, prompt string, opts Options) (text string, inTokens, outTokens int, err error)
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Config holds gateway construction parameters.
type Config struct {
	FallbackChain  []string          // provider keys in order
	DefaultModels  map[string]string // provider → default model
	EmbedProvider  string
	EmbedModel     string
	Timeout        time.Duration
	MaxConcurrent  int
	CacheTTL       time.Duration
	Prices         PriceTable
}

// Client is the gateway. Safe for concurrent use.
type Client struct {
	providers map[string]Provider
	chain     []string
	defaults  map[string]string
	prices    PriceTable
	cache     Cache
	cacheTTL  time.Duration
	timeout   time.Duration
	slots     map[string]chan struct{}
	embedProv string
	embedModel string
	logger    *slog.Logger
}

// New builds a gateway over the given providers. Providers named in the
// fallback chain but not registered are skipped at request time.
func New(cfg Config, providers []Provider, cache Cache, logger *slog.Logger) *Client {
	byName := make(map[string]Provider, len(providers))
	slots := make(map[string]chan struct{}, len(providers))
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 8
	}
	for _, p := range providers {
		byName[p.Name()] = p
		slots[p.Name()] = make(chan struct{}, maxConc)
	}
	if cfg.Prices == nil {
		cfg.Prices = DefaultPrices()
	}
	if cache == nil {
		cache = NewLocalCache()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		providers:  byName,
		chain:      cfg.FallbackChain,
		defaults:   cfg.DefaultModels,
		prices:     cfg.Prices,
		cache:      cache,
		cacheTTL:   cfg.CacheTTL,
		timeout:    timeout,
		slots:      slots,
		embedProv:  cfg.EmbedProvider,
		embedModel: cfg.EmbedModel,
		logger:     logger,
	}
}

// Providers returns the registered provider names in fallback order.
func (c *Client) Providers() []string {
	out := make([]string, 0, len(c.chain))
	for _, name := range c.chain {
		if _, ok := c.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// ExpectedCost returns a reference per-call cost for a provider's default
// model, used by callers to break score ties toward the cheaper provider.
func (c *Client) ExpectedCost(provider string) float64 {
	model := c.defaults[provider]
	p, ok := c.prices.Lookup(provider, model)
	if !ok {
		return 1 // unknown pricing sorts last
	}
	// Reference request: 1k input + 1k output tokens.
	return p.FlatPerCall + 1000*p.InputPerToken + 1000*p.OutputPerToken
}

// cacheKey hashes (model, normalized prompt, options subset).
func cacheKey(model, prompt string, opts Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%.2f",
		model, strings.TrimSpace(prompt), opts.MaxTokens, opts.Temperature)
	return "gw:" + hex.EncodeToString(h.Sum(nil))
}

type cachedResult struct {
	Text     string  `json:"text"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Cost     float64 `json:"cost"`
}

// orderedProviders builds the attempt order: preferred first (if set and
// registered), then the global fallback chain, without duplicates.
func (c *Client) orderedProviders(preferred string) []string {
	var order []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := c.providers[name]; !ok {
			return
		}
		seen[name] = true
		order = append(order, name)
	}
	add(preferred)
	for _, name := range c.chain {
		add(name)
	}
	return order
}

// Complete runs a completion against the fallback chain.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) Result {
	start := time.Now()

	order := c.orderedProviders(opts.PreferredProvider)
	if len(order) == 0 {
		return Result{Success: false, LastError: "gateway: no providers configured",
			LatencyMs: time.Since(start).Milliseconds()}
	}

	model := opts.Model
	if model == "" {
		model = c.defaults[order[0]]
	}

	key := cacheKey(model, prompt, opts)
	if !opts.NoCache {
		if raw, ok := c.cache.Get(ctx, key); ok {
			var cr cachedResult
			if err := json.Unmarshal([]byte(raw), &cr); err == nil {
				return Result{
					Success: true, Text: cr.Text, Provider: cr.Provider,
					Model: cr.Model, Cost: cr.Cost, Cached: true,
					LatencyMs: time.Since(start).Milliseconds(),
				}
			}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	var attempts []Attempt
	for _, name := range order {
		provider := c.providers[name]
		provModel := opts.Model
		if provModel == "" {
			provModel = c.defaults[name]
		}

		text, inTok, outTok, err := c.tryProvider(ctx, provider, provModel, prompt, opts, timeout)
		if err != nil {
			attempts = append(attempts, Attempt{Provider: name, Err: err.Error()})
			c.logger.Warn("gateway: provider failed", "provider", name, "error", err)
			continue
		}

		cost := c.prices.Cost(name, provModel, inTok, outTok)
		res := Result{
			Success: true, Text: text, Provider: name, Model: provModel,
			Cost: cost, LatencyMs: time.Since(start).Milliseconds(),
			InputTokens: inTok, OutputTokens: outTok, Attempts: attempts,
		}
		if !opts.NoCache {
			if raw, err := json.Marshal(cachedResult{Text: text, Provider: name, Model: provModel, Cost: cost}); err == nil {
				c.cache.Set(ctx, key, string(raw), c.cacheTTL)
			}
		}
		return res
	}

	last := ""
	if len(attempts) > 0 {
		last = attempts[len(attempts)-1].Err
	}
	return Result{
		Success: false, Attempts: attempts, LastError: last,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// tryProvider runs one provider attempt under its concurrency cap and deadline.
func (c *Client) tryProvider(ctx context.Context, p Provider, model, prompt string, opts Options, timeout time.Duration) (string, int, int, error) {
	slot := c.slots[p.Name()]
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	default:
		return "", 0, 0, ErrProviderBusy
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Complete(callCtx, model, prompt, opts)
}

// Embed generates an embedding through the configured embedding provider,
// falling back through the chain for providers that support embeddings.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	order := c.orderedProviders(c.embedProv)
	var lastErr error
	for _, name := range order {
		vec, err := c.providers[name].Embed(ctx, c.embedModel, text)
		if errors.Is(err, ErrEmbeddingUnsupported) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		return vec, nil
	}
	if lastErr == nil {
		lastErr = ErrEmbeddingUnsupported
	}
	return nil, fmt.Errorf("gateway: embed: %w", lastErr)
}
