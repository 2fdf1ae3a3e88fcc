package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/aihub/rag-core/internal/errors"
)

// EmbeddingResult 向量化结果，附带用量信息供计费与审计
type EmbeddingResult struct {
	Vector     []float32
	Dimensions int
	TokensUsed int
	CostUSD    float64
}

// Embedder 定义文本向量化接口
type Embedder interface {
	Embed(ctx context.Context, text string) (*EmbeddingResult, error)
	Dimensions() int
	Ready() bool
}

// NoopEmbedder 默认占位实现
type NoopEmbedder struct{}

func (n *NoopEmbedder) Embed(ctx context.Context, text string) (*EmbeddingResult, error) {
	return nil, apperrors.NewProviderError("embedding", errors.New("provider not configured"))
}

func (n *NoopEmbedder) Dimensions() int {
	return 0
}

func (n *NoopEmbedder) Ready() bool {
	return false
}

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// 每百万token的嵌入价格（美元）
var embeddingPricePerMTok = map[string]float64{
	"text-embedding-3-large": 0.13,
	"text-embedding-3-small": 0.02,
	"text-embedding-ada-002": 0.10,
}

// OpenAIEmbedder 使用OpenAI Embedding API
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    sync.Mutex
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器
func NewOpenAIEmbedder(apiKey, baseURL, model string) Embedder {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return &NoopEmbedder{}
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	dims, ok := embeddingDimensions[model]
	if !ok {
		dims = 1536
	}

	return &OpenAIEmbedder{
		client:     client,
		model:      model,
		dimensions: dims,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (*EmbeddingResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewInvalidInputError("text", "must not be empty")
	}
	if e.client == nil {
		return nil, apperrors.NewProviderError("openai", errors.New("client not initialized"))
	}

	e.limiter.Lock()
	defer e.limiter.Unlock()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, apperrors.NewProviderError("openai", err)
	}
	if len(resp.Data) == 0 {
		return nil, apperrors.NewProviderError("openai", errors.New("embedding response empty"))
	}

	embedding := resp.Data[0].Embedding
	vector := make([]float32, len(embedding))
	copy(vector, embedding)

	tokens := resp.Usage.TotalTokens
	price := embeddingPricePerMTok[e.model]

	return &EmbeddingResult{
		Vector:     vector,
		Dimensions: len(vector),
		TokensUsed: tokens,
		CostUSD:    float64(tokens) / 1_000_000 * price,
	}, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Ready() bool {
	return e.client != nil
}
