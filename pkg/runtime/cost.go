package runtime

import "strings"

// Rough per-million-token prices, USD. Accounting only; billing truth
// lives with the provider.
type modelRate struct {
	inputPerM  float64
	outputPerM float64
}

var modelRates = []struct {
	prefix string
	rate   modelRate
}{
	{"claude-3-5-haiku", modelRate{0.80, 4.00}},
	{"claude-3-5-sonnet", modelRate{3.00, 15.00}},
	{"claude-sonnet", modelRate{3.00, 15.00}},
	{"claude-opus", modelRate{15.00, 75.00}},
	{"gpt-4o-mini", modelRate{0.15, 0.60}},
	{"gpt-4o", modelRate{2.50, 10.00}},
}

var defaultRate = modelRate{3.00, 15.00}

func estimateCost(model string, usage Usage) float64 {
	rate := defaultRate
	for _, entry := range modelRates {
		if strings.HasPrefix(model, entry.prefix) {
			rate = entry.rate
			break
		}
	}
	return float64(usage.InputTokens)/1e6*rate.inputPerM +
		float64(usage.OutputTokens)/1e6*rate.outputPerM
}
