package services

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aihub/rag-core/internal/knowledge"
)

const systemPromptTemplate = `You are a helpful assistant answering questions about this website's content.
Answer ONLY from the reference material below. If the material does not contain the answer, say you don't know.
Do not invent facts, URLs, prices, or names that are not in the material.

Reference material:
%s`

// EstimateTokens 估算文本token数。
// ASCII按4字符一个token，CJK按1.5字符一个token
func EstimateTokens(text string) int {
	ascii := 0
	cjk := 0
	for _, r := range text {
		if r < 128 {
			ascii++
		} else if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			ascii += 2
		}
	}
	return ascii/4 + cjk*2/3 + 1
}

// AssembledPrompt 组装结果
type AssembledPrompt struct {
	Messages        []ChatMessage
	ContextTokens   int
	ChunksIncluded  int
	ChunksTruncated int
}

// PromptAssembler 确定性的提示词组装器。
// 相同的块集合与问题必然产生相同的消息序列
type PromptAssembler struct {
	contextTokenBudget int
}

// NewPromptAssembler 创建组装器
func NewPromptAssembler(contextTokenBudget int) *PromptAssembler {
	if contextTokenBudget <= 0 {
		contextTokenBudget = 3000
	}
	return &PromptAssembler{contextTokenBudget: contextTokenBudget}
}

// Assemble 按选中顺序拼接上下文块，超出token预算的块被截断丢弃
func (a *PromptAssembler) Assemble(question string, chunks []knowledge.ScoredCandidate) *AssembledPrompt {
	var contextBuilder strings.Builder
	tokens := 0
	included := 0
	truncated := 0

	for i, chunk := range chunks {
		block := a.formatChunk(i+1, chunk)
		blockTokens := EstimateTokens(block)
		if tokens+blockTokens > a.contextTokenBudget && included > 0 {
			truncated = len(chunks) - included
			break
		}
		contextBuilder.WriteString(block)
		tokens += blockTokens
		included++
	}

	if included == 0 {
		contextBuilder.WriteString("(no reference material)")
	}

	messages := []ChatMessage{
		{
			Role:    "system",
			Content: fmt.Sprintf(systemPromptTemplate, contextBuilder.String()),
		},
		{
			Role:    "user",
			Content: question,
		},
	}

	return &AssembledPrompt{
		Messages:        messages,
		ContextTokens:   tokens,
		ChunksIncluded:  included,
		ChunksTruncated: truncated,
	}
}

func (a *PromptAssembler) formatChunk(index int, chunk knowledge.ScoredCandidate) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n[%d]", index))
	if chunk.Title != "" {
		sb.WriteString(" ")
		sb.WriteString(chunk.Title)
	}
	sb.WriteString(fmt.Sprintf(" (%s)\n", chunk.SourceType))
	sb.WriteString(chunk.Content)
	sb.WriteString("\n")
	return sb.String()
}
