package ledger

import (
	"testing"

	"github.com/nulzo/token-ledger-api/internal/store/model"
	"github.com/stretchr/testify/assert"
)

func testSettings() *model.SystemSettings {
	return &model.SystemSettings{
		TokenMultiplier:  1.5,
		DefaultImageCost: 5000,
		ImageCostsJSON:   `{"openai/dall-e-3":6000,"openai/dall-e-2":3000}`,
	}
}

func TestResolvePrice_Multiplier(t *testing.T) {
	s := testSettings()

	price := ResolvePrice(model.OpContentGeneration, model.ProviderOpenAI, "gpt-4", RawUsage{TotalTokens: 1000}, s)
	assert.Equal(t, int64(1500), price.BillableTokens)
	assert.Equal(t, model.ChargeMultiplier, price.ChargeType)
	assert.Equal(t, 1.5, price.Rate)
}

func TestResolvePrice_MultiplierRoundsUp(t *testing.T) {
	s := testSettings()

	// 101 * 1.5 = 151.5 → 152
	price := ResolvePrice(model.OpChatResponse, model.ProviderAnthropic, "claude-3", RawUsage{TotalTokens: 101}, s)
	assert.Equal(t, int64(152), price.BillableTokens)
}

func TestResolvePrice_TotalFallsBackToInputPlusOutput(t *testing.T) {
	s := testSettings()

	price := ResolvePrice(model.OpContentRefinement, model.ProviderGoogle, "gemini-pro",
		RawUsage{InputTokens: 400, OutputTokens: 600}, s)
	assert.Equal(t, int64(1500), price.BillableTokens)
}

func TestResolvePrice_FixedImageCost(t *testing.T) {
	s := testSettings()

	// raw token counts are irrelevant on the fixed path
	price := ResolvePrice(model.OpImageGeneration, model.ProviderOpenAI, "dall-e-3",
		RawUsage{TotalTokens: 999999, ImageCount: 1, ImageSize: "1024x1024"}, s)
	assert.Equal(t, int64(6000), price.BillableTokens)
	assert.Equal(t, model.ChargeFixed, price.ChargeType)
	assert.Equal(t, float64(6000), price.Rate)
}

func TestResolvePrice_FixedFallsBackToDefault(t *testing.T) {
	s := testSettings()

	price := ResolvePrice(model.OpImageGeneration, model.ProviderGoogle, "imagen-unknown", RawUsage{ImageCount: 1}, s)
	assert.Equal(t, int64(5000), price.BillableTokens)
	assert.Equal(t, model.ChargeFixed, price.ChargeType)
}

func TestResolvePrice_ImagePromptGenerationIsFixed(t *testing.T) {
	s := testSettings()

	price := ResolvePrice(model.OpImagePromptGeneration, model.ProviderOpenAI, "dall-e-2", RawUsage{}, s)
	assert.Equal(t, int64(3000), price.BillableTokens)
	assert.Equal(t, model.ChargeFixed, price.ChargeType)
}

func TestResolvePrice_ZeroUsage(t *testing.T) {
	s := testSettings()

	price := ResolvePrice(model.OpChatResponse, model.ProviderOpenAI, "gpt-4", RawUsage{}, s)
	assert.Equal(t, int64(0), price.BillableTokens)
}

func TestResolvePrice_DeterministicPerSnapshot(t *testing.T) {
	s := testSettings()
	usage := RawUsage{TotalTokens: 777}

	first := ResolvePrice(model.OpContentGeneration, model.ProviderOpenAI, "gpt-4", usage, s)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, ResolvePrice(model.OpContentGeneration, model.ProviderOpenAI, "gpt-4", usage, s))
	}
}
