package cost

import "github.com/tokengate/tokengate/internal/domain"

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Pricing is keyed by "provider/model". Unknown combinations estimate to
// zero rather than failing the request.
var defaultPricing = map[string]ModelPricing{
	"openai/gpt-4":                         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"openai/gpt-4-turbo":                   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"openai/gpt-4o":                        {InputPer1K: 0.005, OutputPer1K: 0.015},
	"openai/gpt-4o-mini":                   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"openai/gpt-3.5-turbo":                 {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"openai/text-embedding-3-small":        {InputPer1K: 0.00002, OutputPer1K: 0},
	"anthropic/claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic/claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"anthropic/claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"anthropic/claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"bedrock/claude-3-5-sonnet-20241022":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"bedrock/claude-3-haiku-20240307":      {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"bedrock/amazon.titan-embed-text-v2:0": {InputPer1K: 0.00002, OutputPer1K: 0},
}

type Calculator struct {
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &Calculator{pricing: pricing}
}

// Estimate returns the USD cost for a provider/model usage pair, zero when
// the combination is unpriced.
func (c *Calculator) Estimate(provider, model string, usage domain.Usage) float64 {
	pricing, ok := c.pricing[provider+"/"+model]
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(provider, model string, pricing ModelPricing) {
	c.pricing[provider+"/"+model] = pricing
}
