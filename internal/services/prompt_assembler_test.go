package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-core/internal/knowledge"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	// 40个ASCII字符约10个token
	assert.Equal(t, 11, EstimateTokens(strings.Repeat("a", 40)))
	// CJK按2/3字符估算
	assert.Greater(t, EstimateTokens("这是一个测试问题"), 4)
}

func scoredChunk(id uint, title, content string) knowledge.ScoredCandidate {
	return knowledge.ScoredCandidate{
		Candidate: knowledge.Candidate{
			RecordID:   id,
			SourceType: "page",
			SourceID:   "about",
			Title:      title,
			Content:    content,
		},
		RerankScore: 1.0,
	}
}

func TestAssembleDeterministic(t *testing.T) {
	assembler := NewPromptAssembler(3000)
	chunks := []knowledge.ScoredCandidate{
		scoredChunk(1, "About us", "We build websites."),
		scoredChunk(2, "Team", "Our team is distributed."),
	}

	first := assembler.Assemble("who are you", chunks)
	second := assembler.Assemble("who are you", chunks)

	require.Len(t, first.Messages, 2)
	assert.Equal(t, "system", first.Messages[0].Role)
	assert.Equal(t, "user", first.Messages[1].Role)
	assert.Equal(t, "who are you", first.Messages[1].Content)
	assert.Equal(t, first.Messages[0].Content, second.Messages[0].Content)

	// 块按选中顺序编号
	assert.Contains(t, first.Messages[0].Content, "[1] About us")
	assert.Contains(t, first.Messages[0].Content, "[2] Team")
	assert.Equal(t, 2, first.ChunksIncluded)
}

func TestAssembleTruncatesOverBudget(t *testing.T) {
	// 很小的预算只装得下第一个块
	assembler := NewPromptAssembler(30)
	chunks := []knowledge.ScoredCandidate{
		scoredChunk(1, "First", strings.Repeat("short content. ", 5)),
		scoredChunk(2, "Second", strings.Repeat("this chunk will not fit in the budget. ", 20)),
	}

	result := assembler.Assemble("question", chunks)

	assert.Equal(t, 1, result.ChunksIncluded)
	assert.Equal(t, 1, result.ChunksTruncated)
	assert.Contains(t, result.Messages[0].Content, "First")
	assert.NotContains(t, result.Messages[0].Content, "Second")
}

func TestAssembleEmptyChunks(t *testing.T) {
	assembler := NewPromptAssembler(3000)

	result := assembler.Assemble("question", nil)

	assert.Equal(t, 0, result.ChunksIncluded)
	assert.Contains(t, result.Messages[0].Content, "(no reference material)")
}
