package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aihub/rag-core/internal/config"
)

func defaultConfidenceConfig() config.ConfidenceConfig {
	return config.ConfidenceConfig{
		Soft:      0.75,
		Hard:      0.68,
		HardTop:   0.70,
		MinChunks: 2,
	}
}

func TestConfidenceNoChunks(t *testing.T) {
	gate := NewConfidenceGate(defaultConfidenceConfig())

	result := gate.Compute(ConfidenceInput{ChunksSelected: 0})

	assert.Equal(t, ConfidenceLow, result.Level)
	assert.Equal(t, 0.0, result.Score)
	assert.True(t, result.ShouldUseFallback())
	assert.False(t, result.ShouldCallProvider())
}

func TestConfidenceBelowHardThreshold(t *testing.T) {
	gate := NewConfidenceGate(defaultConfidenceConfig())

	result := gate.Compute(ConfidenceInput{
		ChunksSelected:    3,
		AverageSimilarity: 0.65,
	})

	assert.Equal(t, ConfidenceLow, result.Level)
	assert.True(t, result.ShouldUseFallback())
}

func TestConfidenceTopSimilarityBelowHardTop(t *testing.T) {
	gate := NewConfidenceGate(defaultConfidenceConfig())

	result := gate.Compute(ConfidenceInput{
		ChunksSelected:    3,
		AverageSimilarity: 0.72,
		TopSimilarity:     0.69,
		HasTopSimilarity:  true,
	})

	assert.Equal(t, ConfidenceLow, result.Level)
}

func TestConfidenceHigh(t *testing.T) {
	gate := NewConfidenceGate(defaultConfidenceConfig())

	result := gate.Compute(ConfidenceInput{
		ChunksSelected:    3,
		AverageSimilarity: 0.80,
		TopSimilarity:     0.88,
		HasTopSimilarity:  true,
	})

	assert.Equal(t, ConfidenceHigh, result.Level)
	assert.True(t, result.ShouldCallProvider())
	assert.False(t, result.ShouldRequestClarification())
}

func TestConfidenceMediumWhenFewChunks(t *testing.T) {
	gate := NewConfidenceGate(defaultConfidenceConfig())

	// 相似度足够但块数不足，不给high
	result := gate.Compute(ConfidenceInput{
		ChunksSelected:    1,
		AverageSimilarity: 0.80,
		TopSimilarity:     0.80,
		HasTopSimilarity:  true,
	})

	assert.Equal(t, ConfidenceMedium, result.Level)
	assert.True(t, result.ShouldCallProvider())
	assert.True(t, result.ShouldRequestClarification())
}

func TestConfidenceMonotonicity(t *testing.T) {
	gate := NewConfidenceGate(defaultConfidenceConfig())

	levels := []ConfidenceLevel{}
	for _, avg := range []float64{0.60, 0.70, 0.80} {
		result := gate.Compute(ConfidenceInput{
			ChunksSelected:    3,
			AverageSimilarity: avg,
			TopSimilarity:     avg + 0.05,
			HasTopSimilarity:  true,
		})
		levels = append(levels, result.Level)
	}

	assert.Equal(t, []ConfidenceLevel{ConfidenceLow, ConfidenceMedium, ConfidenceHigh}, levels)
}
