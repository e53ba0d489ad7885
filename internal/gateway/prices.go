package gateway

// Price is the per-token cost model for one (provider, model) pair.
// All values are USD.
type Price struct {
	InputPerToken  float64
	OutputPerToken float64
	FlatPerCall    float64
}

// PriceTable maps provider → model → price. Cost attribution is data-driven:
// repricing a model is a table edit, not a code change.
type PriceTable map[string]map[string]Price

// Lookup returns the price for a (provider, model) pair, falling back to the
// provider's "" default entry when the exact model is unlisted.
func (t PriceTable) Lookup(provider, model string) (Price, bool) {
	models, ok := t[provider]
	if !ok {
		return Price{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}
	p, ok := models[""]
	return p, ok
}

// Cost computes the cost of one call. Unknown pairs cost zero so that an
// unpriced provider never blocks routing; the gap shows up in billing review.
func (t PriceTable) Cost(provider, model string, inTokens, outTokens int) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	return p.FlatPerCall + float64(inTokens)*p.InputPerToken + float64(outTokens)*p.OutputPerToken
}

// DefaultPrices is the built-in table. The "" model row is the provider-wide
// fallback rate.
func DefaultPrices() PriceTable {
	return PriceTable{
		"workersai": {
			"": {InputPerToken: 0.000000125, OutputPerToken: 0.000000125},
		},
		"openai": {
			"gpt-4o":      {InputPerToken: 0.0000025, OutputPerToken: 0.00001},
			"gpt-4o-mini": {InputPerToken: 0.00000015, OutputPerToken: 0.0000006},
			"":            {InputPerToken: 0.0000025, OutputPerToken: 0.00001},
		},
		"anthropic": {
			"claude-sonnet-4":  {InputPerToken: 0.000003, OutputPerToken: 0.000015},
			"claude-haiku-3-5": {InputPerToken: 0.0000008, OutputPerToken: 0.000004},
			"":                 {InputPerToken: 0.000003, OutputPerToken: 0.000015},
		},
		"mistral": {
			"mistral-large-latest": {InputPerToken: 0.000002, OutputPerToken: 0.000006},
			"":                     {InputPerToken: 0.000002, OutputPerToken: 0.000006},
		},
		"huggingface": {
			"": {InputPerToken: 0.0000005, OutputPerToken: 0.0000005},
		},
		"google": {
			"gemini-2.0-flash": {InputPerToken: 0.0000001, OutputPerToken: 0.0000004},
			"":                 {InputPerToken: 0.0000001, OutputPerToken: 0.0000004},
		},
	}
}
