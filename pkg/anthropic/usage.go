package anthropic

import (
	"strings"

	"go.uber.org/zap"
)

// TokenUsage tracks token consumption of one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

type price struct {
	input, output float64 // $ per million tokens
}

// familyPricing is matched against the model id, so dated releases of a
// family share one entry.
var familyPricing = []struct {
	family string
	price  price
}{
	{"haiku", price{0.80, 4.00}},
	{"sonnet", price{3.00, 15.00}},
	{"opus", price{15.00, 75.00}},
}

func priceFor(model string) (price, bool) {
	m := strings.ToLower(model)
	for _, p := range familyPricing {
		if strings.Contains(m, p.family) {
			return p.price, true
		}
	}
	return price{}, false
}

// EstimateCost returns the approximate cost in USD, or 0 for unknown
// models. Cache writes bill at 1.25x input and cache reads at 0.1x.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := priceFor(model)
	if !ok {
		return 0
	}
	const mtok = 1e6
	return float64(u.InputTokens)/mtok*p.input +
		float64(u.OutputTokens)/mtok*p.output +
		float64(u.CacheCreationInputTokens)/mtok*p.input*1.25 +
		float64(u.CacheReadInputTokens)/mtok*p.input*0.1
}

// CacheHit reports whether any input was served from the prompt cache.
func (u TokenUsage) CacheHit() bool {
	return u.CacheReadInputTokens > 0
}

// LogCost logs token usage and estimated cost for one pipeline phase.
func (u TokenUsage) LogCost(model, phase string) {
	zap.L().Info("anthropic usage",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Bool("cache_hit", u.CacheHit()),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
