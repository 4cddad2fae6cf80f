// Package pricing provides per-model cost estimation for worker sessions.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Cache reads bill at a tenth of the input rate, cache writes at a premium.
const (
	cacheReadMultiplier     = 0.10
	cacheCreationMultiplier = 1.25
)

// Known model pricing as of Oct 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	"claude-opus-4":     {15.00, 75.00},
	"claude-opus-4-1":   {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-3-5-haiku":  {0.80, 4.00},
}

// Usage is the token breakdown reported by one worker session.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// Lookup finds pricing for a model. Dated snapshot ids such as
// "claude-sonnet-4-20250514" resolve to their family entry.
func Lookup(model string) (ModelPricing, bool) {
	if p, ok := knownModels[model]; ok {
		return p, true
	}
	best := ""
	for name := range knownModels {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}

// EstimateCost returns the estimated USD cost for the given usage.
// Returns 0.0 for unknown models.
func EstimateCost(model string, u Usage) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	in := float64(u.InputTokens) +
		float64(u.CacheReadTokens)*cacheReadMultiplier +
		float64(u.CacheCreationTokens)*cacheCreationMultiplier
	return (in/1_000_000)*p.InputPer1M + (float64(u.OutputTokens)/1_000_000)*p.OutputPer1M
}
