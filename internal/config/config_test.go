package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	require.NoError(t, LoadConfig())
	cfg := GetAppConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 20, cfg.Retrieval.TopN)
	assert.Equal(t, 6, cfg.Retrieval.TopK)
	assert.Equal(t, 0.68, cfg.Confidence.Hard)
	assert.Equal(t, 0.75, cfg.Confidence.Soft)
	assert.Equal(t, 70.0, cfg.Cost.WarnPct)
	assert.Equal(t, []int{1000, 5000, 30000}, cfg.Jobs.RetryBackoffMs)
}

func TestSanitizeConfidenceOrdering(t *testing.T) {
	cfg := &Config{
		Confidence: ConfidenceConfig{Hard: 0.9, Soft: 0.7, HardTop: 0.7, MinChunks: 2},
		Cost:       CostConfig{WarnPct: 70, ThrottlePct: 90, BlockPct: 100},
		Jobs:       JobsConfig{RetryBackoffMs: []int{1000}},
		Retrieval:  RetrievalConfig{TopN: 20, TopK: 6},
	}

	sanitize(cfg)

	// hard >= soft 时回退默认值
	assert.Equal(t, 0.68, cfg.Confidence.Hard)
	assert.Equal(t, 0.75, cfg.Confidence.Soft)
}

func TestSanitizeCostOrdering(t *testing.T) {
	cfg := &Config{
		Confidence: ConfidenceConfig{Hard: 0.68, Soft: 0.75, MinChunks: 2},
		Cost:       CostConfig{WarnPct: 95, ThrottlePct: 90, BlockPct: 100},
		Jobs:       JobsConfig{RetryBackoffMs: []int{1000}},
		Retrieval:  RetrievalConfig{TopN: 20, TopK: 6},
	}

	sanitize(cfg)

	assert.Equal(t, 70.0, cfg.Cost.WarnPct)
	assert.Equal(t, 90.0, cfg.Cost.ThrottlePct)
	assert.Equal(t, 100.0, cfg.Cost.BlockPct)
}

func TestSanitizeEmptyBackoff(t *testing.T) {
	cfg := &Config{
		Confidence: ConfidenceConfig{Hard: 0.68, Soft: 0.75, MinChunks: 2},
		Cost:       CostConfig{WarnPct: 70, ThrottlePct: 90, BlockPct: 100},
		Retrieval:  RetrievalConfig{TopN: 20, TopK: 6},
	}

	sanitize(cfg)

	assert.Equal(t, []int{1000, 5000, 30000}, cfg.Jobs.RetryBackoffMs)
}

func TestSanitizeClampsTopK(t *testing.T) {
	cfg := &Config{
		Confidence: ConfidenceConfig{Hard: 0.68, Soft: 0.75, MinChunks: 2},
		Cost:       CostConfig{WarnPct: 70, ThrottlePct: 90, BlockPct: 100},
		Jobs:       JobsConfig{RetryBackoffMs: []int{1000}},
		Retrieval:  RetrievalConfig{TopN: 5, TopK: 10},
	}

	sanitize(cfg)

	assert.Equal(t, 5, cfg.Retrieval.TopK)
}
