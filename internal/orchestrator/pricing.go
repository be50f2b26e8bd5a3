package orchestrator

import (
	"strings"

	"github.com/parley-ai/parley/pkg/models"
)

// modelPricing is USD per million tokens, matched by model name prefix.
// Unknown models cost zero; billing treats them as self-hosted.
var modelPricing = []struct {
	prefix string
	input  float64
	output float64
}{
	{"claude-opus", 15.0, 75.0},
	{"claude-sonnet", 3.0, 15.0},
	{"claude-haiku", 0.80, 4.0},
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.0},
	{"o1", 15.0, 60.0},
	{"o3", 2.0, 8.0},
}

func estimateCost(model string, usage models.TokenUsage) float64 {
	for _, p := range modelPricing {
		if strings.HasPrefix(model, p.prefix) {
			return float64(usage.Input)/1e6*p.input + float64(usage.Output)/1e6*p.output
		}
	}
	return 0
}
