package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aihub/rag-core/internal/config"
	apperrors "github.com/aihub/rag-core/internal/errors"
)

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// CompletionOptions 生成参数
type CompletionOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// CompletionUsage token用量
type CompletionUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CompletionResult 生成结果
type CompletionResult struct {
	Content      string          `json:"content"`
	Usage        CompletionUsage `json:"usage"`
	CostUSD      float64         `json:"cost_usd"`
	FinishReason string          `json:"finish_reason"`
}

// ChatProvider 生成模型能力接口
type ChatProvider interface {
	GenerateCompletion(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error)
	// GenerateCompletionStream 流式生成，每个增量回调onDelta，返回完整结果
	GenerateCompletionStream(ctx context.Context, messages []ChatMessage, opts CompletionOptions, onDelta func(delta string) error) (*CompletionResult, error)
	Ready() bool
}

// 每百万token价格（美元），输入/输出分开计
var chatPricing = map[string][2]float64{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-3.5-turbo": {0.50, 1.50},
}

func completionCost(model string, usage CompletionUsage) float64 {
	pricing, ok := chatPricing[model]
	if !ok {
		pricing = chatPricing["gpt-4o-mini"]
	}
	return float64(usage.InputTokens)/1_000_000*pricing[0] +
		float64(usage.OutputTokens)/1_000_000*pricing[1]
}

// OpenAIChatProvider 基于OpenAI的对话生成实现，带熔断保护
type OpenAIChatProvider struct {
	client  *openai.Client
	cfg     config.AIConfig
	breaker *CircuitBreaker
}

// NewOpenAIChatProvider 创建对话生成器
func NewOpenAIChatProvider(cfg config.AIConfig) *OpenAIChatProvider {
	apiKey := strings.TrimSpace(cfg.OpenAIAPIKey)
	if apiKey == "" {
		return &OpenAIChatProvider{cfg: cfg}
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIChatProvider{
		client:  openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		breaker: NewCircuitBreaker("openai-chat", 5, 3, time.Minute),
	}
}

func (p *OpenAIChatProvider) Ready() bool {
	return p.client != nil
}

func (p *OpenAIChatProvider) buildRequest(messages []ChatMessage, opts CompletionOptions) openai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    chatMessages,
		MaxTokens:   maxTokens,
		Temperature: float32(opts.Temperature),
	}
}

func (p *OpenAIChatProvider) timeout(opts CompletionOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if p.cfg.TimeoutSeconds > 0 {
		return time.Duration(p.cfg.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

func (p *OpenAIChatProvider) GenerateCompletion(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error) {
	if p.client == nil {
		return nil, apperrors.NewProviderError("openai", errors.New("client not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout(opts))
	defer cancel()

	req := p.buildRequest(messages, opts)

	var resp openai.ChatCompletionResponse
	err := p.breaker.Call(func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, apperrors.NewProviderError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.NewProviderError("openai", errors.New("empty completion response"))
	}

	usage := CompletionUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	choice := resp.Choices[0]

	return &CompletionResult{
		Content:      choice.Message.Content,
		Usage:        usage,
		CostUSD:      completionCost(req.Model, usage),
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (p *OpenAIChatProvider) GenerateCompletionStream(ctx context.Context, messages []ChatMessage, opts CompletionOptions, onDelta func(delta string) error) (*CompletionResult, error) {
	if p.client == nil {
		return nil, apperrors.NewProviderError("openai", errors.New("client not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout(opts))
	defer cancel()

	req := p.buildRequest(messages, opts)
	req.Stream = true

	var result *CompletionResult
	err := p.breaker.Call(func() error {
		stream, callErr := p.client.CreateChatCompletionStream(ctx, req)
		if callErr != nil {
			return callErr
		}
		defer stream.Close()

		var content strings.Builder
		finishReason := ""
		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				return recvErr
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				content.WriteString(delta)
				if onDelta != nil {
					if err := onDelta(delta); err != nil {
						return err
					}
				}
			}
			if chunk.Choices[0].FinishReason != "" {
				finishReason = string(chunk.Choices[0].FinishReason)
			}
		}

		// 流式响应不带用量，按文本长度估算
		usage := CompletionUsage{
			InputTokens:  EstimateTokens(joinMessages(messages)),
			OutputTokens: EstimateTokens(content.String()),
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens

		result = &CompletionResult{
			Content:      content.String(),
			Usage:        usage,
			CostUSD:      completionCost(req.Model, usage),
			FinishReason: finishReason,
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewProviderError("openai", err)
	}
	return result, nil
}

func joinMessages(messages []ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}
