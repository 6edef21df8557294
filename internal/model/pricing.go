package model

import "strings"

// modelRate is USD per million tokens.
type modelRate struct {
	Input  float64
	Output float64
}

// Rates for common chat models, keyed by prefix so dated snapshots
// (gpt-4o-2024-08-06) resolve to their family rate. Unknown models cost 0.
var modelRates = map[string]modelRate{
	"gpt-4o-mini": {Input: 0.15, Output: 0.60},
	"gpt-4o":      {Input: 2.50, Output: 10.00},
	"gpt-4.1":     {Input: 2.00, Output: 8.00},
	"o3-mini":     {Input: 1.10, Output: 4.40},
	"o3":          {Input: 2.00, Output: 8.00},
}

// EstimateCost returns the approximate USD cost of a completion. Longer
// prefixes win so "gpt-4o-mini" is not swallowed by "gpt-4o".
func EstimateCost(model string, usage Usage) float64 {
	var best string
	for prefix := range modelRates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	rate := modelRates[best]
	return float64(usage.PromptTokens)/1e6*rate.Input + float64(usage.CompletionTokens)/1e6*rate.Output
}
