// Package cost is the Cost & Usage Accountant: a pure pricing function. It
// holds no totals; session-level totals are derived by the engine, which
// sums the CostUSD of the session's RunMetrics.
package cost

import "math"

// Price is the per-1k-token rate for one model.
type Price struct {
	InPer1K  float64
	OutPer1K float64
}

// defaultPrice is the fallback used for a model_id the price table doesn't
// recognize. No warning metric is emitted when this path is taken.
var defaultPrice = Price{InPer1K: 0.005, OutPer1K: 0.015}

// prices is a deliberately small, documented table covering the model ids
// the four default provider adapters issue by default. Session settings can
// override the model per agent; unknown model ids fall back to defaultPrice.
var prices = map[string]Price{
	"claude-sonnet-4-5-20250929": {InPer1K: 0.003, OutPer1K: 0.015},
	"claude-opus-4":              {InPer1K: 0.015, OutPer1K: 0.075},
	"gpt-4o":                     {InPer1K: 0.0025, OutPer1K: 0.01},
	"gpt-4o-mini":                {InPer1K: 0.00015, OutPer1K: 0.0006},
	"gemini-2.0-flash-exp":       {InPer1K: 0.0, OutPer1K: 0.0},
	"gemini-1.5-pro":             {InPer1K: 0.00125, OutPer1K: 0.005},
	"deepseek-chat":              {InPer1K: 0.00027, OutPer1K: 0.0011},
	"qwen-max":                   {InPer1K: 0.0016, OutPer1K: 0.0064},
}

// PriceFor returns the rate for modelID and whether it was found in the
// table. Calculate ignores the bool, so an unknown model is priced at
// defaultPrice without any signal to the caller.
func PriceFor(modelID string) (Price, bool) {
	p, ok := prices[modelID]
	if !ok {
		return defaultPrice, false
	}
	return p, true
}

// Calculate computes the cost of one call, rounded to 6 decimal places.
func Calculate(modelID string, tokensIn, tokensOut int) float64 {
	p, _ := PriceFor(modelID)
	raw := float64(tokensIn)/1000*p.InPer1K + float64(tokensOut)/1000*p.OutPer1K
	return round6(raw)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
