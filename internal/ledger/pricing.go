package ledger

import (
	"math"

	"github.com/nulzo/token-ledger-api/internal/store/model"
)

// RawUsage is what the inference collaborator reports for one operation.
// LLM operations carry token counts; image operations carry count/size.
type RawUsage struct {
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	ImageCount   int64  `json:"image_count"`
	ImageSize    string `json:"image_size"`
}

// Total returns the raw token count used for multiplier pricing. Falls back
// to input+output when the collaborator did not report a total.
func (u RawUsage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Price is the resolved billable cost of one operation.
type Price struct {
	BillableTokens int64
	ChargeType     string
	// Rate is the multiplier applied, or the fixed cost, depending on ChargeType.
	Rate float64
}

// fixedCostOps are priced per call instead of per token.
var fixedCostOps = map[string]bool{
	model.OpImageGeneration:       true,
	model.OpImagePromptGeneration: true,
}

// ResolvePrice converts raw usage into billable tokens using the given
// settings snapshot. Pure: no I/O, deterministic for the same snapshot, safe
// for concurrent use. Settings are read once per charge and passed in, never
// re-read mid-calculation.
func ResolvePrice(operation, provider, modelID string, usage RawUsage, s *model.SystemSettings) Price {
	if fixedCostOps[operation] {
		cost := s.DefaultImageCost
		if costs := s.ImageCosts(); costs != nil {
			if c, ok := costs[provider+"/"+modelID]; ok {
				cost = c
			}
		}
		return Price{
			BillableTokens: cost,
			ChargeType:     model.ChargeFixed,
			Rate:           float64(cost),
		}
	}

	billable := int64(math.Ceil(float64(usage.Total()) * s.TokenMultiplier))
	if billable < 0 {
		billable = 0
	}
	return Price{
		BillableTokens: billable,
		ChargeType:     model.ChargeMultiplier,
		Rate:           s.TokenMultiplier,
	}
}
