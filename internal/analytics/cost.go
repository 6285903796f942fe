package analytics

import "github.com/latticeai/gateway/internal/catalog"

// Calculator prices a request against the catalog entry of the model that
// actually served it. Models missing from the catalog fall back to the
// deployment-configured default rates.
type Calculator struct {
	reg           *catalog.Registry
	defaultInput  float64 // USD per 1e6 input tokens
	defaultOutput float64 // USD per 1e6 output tokens
}

// NewCalculator builds a Calculator over reg with the given fallback rates.
func NewCalculator(reg *catalog.Registry, defaultInput, defaultOutput float64) *Calculator {
	return &Calculator{reg: reg, defaultInput: defaultInput, defaultOutput: defaultOutput}
}

// Cost returns (inputTokens*inputPrice + outputTokens*outputPrice) / 1e6
// for the actual model.
func (c *Calculator) Cost(actualModel string, inputTokens, outputTokens int) float64 {
	in, out := c.defaultInput, c.defaultOutput
	if info, ok := c.reg.Get(actualModel); ok {
		in, out = info.InputPrice, info.OutputPrice
	}
	return (float64(inputTokens)*in + float64(outputTokens)*out) / 1e6
}
