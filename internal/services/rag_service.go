package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aihub/rag-core/internal/audit"
	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/cost"
	"github.com/aihub/rag-core/internal/knowledge"
	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/metrics"
	"github.com/aihub/rag-core/internal/tenant"
)

// 兜底与封锁的固定话术，确定性输出便于审计
const (
	fallbackMessage = "抱歉，我在当前站点内容中没有找到足够的相关信息来回答这个问题。请换个问法，或补充更多细节。"
	blockedMessage  = "当前站点的AI使用额度已用完，暂时无法回答新问题。请联系管理员调整预算后再试。"
)

// QueryRequest 一次RAG查询请求
type QueryRequest struct {
	OrganizationID string
	SiteID         string
	UserID         string
	Question       string
	SourceTypes    []string
	Priority       knowledge.Priority
	// OnDelta 非nil时走流式生成
	OnDelta func(delta string) error
}

// QueryMetadata 响应元数据
type QueryMetadata struct {
	ConfidenceLevel        string   `json:"confidence_level"`
	ConfidenceScore        float64  `json:"confidence_score"`
	CostState              string   `json:"cost_state"`
	Degradations           []string `json:"degradations,omitempty"`
	ChunksUsed             int      `json:"chunks_used"`
	FallbackUsed           bool     `json:"fallback_used"`
	Blocked                bool     `json:"blocked"`
	ClarificationSuggested bool     `json:"clarification_suggested"`
	Model                  string   `json:"model,omitempty"`
	DurationMs             int64    `json:"duration_ms"`
}

// QueryResponse 一次RAG查询响应
type QueryResponse struct {
	RequestID string          `json:"request_id"`
	Answer    string          `json:"answer"`
	Usage     CompletionUsage `json:"usage"`
	Metadata  QueryMetadata   `json:"metadata"`
}

// RAGService 多租户RAG查询服务。
// 流水线：租户校验 → 成本状态 → 检索 → 重排序 → 置信度 → 降级 → 生成 → 审计
type RAGService struct {
	guard     *tenant.Guard
	retriever *knowledge.Retriever
	reranker  *knowledge.Reranker
	costSvc   *cost.Service
	assembler *PromptAssembler
	chat      ChatProvider
	recorder  *audit.Recorder
	cfg       *config.Config
}

// NewRAGService 创建RAG查询服务
func NewRAGService(
	guard *tenant.Guard,
	retriever *knowledge.Retriever,
	reranker *knowledge.Reranker,
	costSvc *cost.Service,
	assembler *PromptAssembler,
	chat ChatProvider,
	recorder *audit.Recorder,
	cfg *config.Config,
) *RAGService {
	return &RAGService{
		guard:     guard,
		retriever: retriever,
		reranker:  reranker,
		costSvc:   costSvc,
		assembler: assembler,
		chat:      chat,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// Query 执行一次RAG查询
func (s *RAGService) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()

	tc, err := s.guard.Validate(ctx, req.OrganizationID, req.SiteID, req.UserID)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// 封锁检查必须发生在任何检索/生成成本之前
	costInfo, err := s.costSvc.GetTenantCostInfo(ctx, tc)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CostStates.WithLabelValues(string(costInfo.State)).Inc()

	if costInfo.State == cost.StateBlocked {
		return s.respondBlocked(ctx, requestID, tc, req, costInfo, start), nil
	}

	basePolicy := cost.GenerationPolicy{
		Model:          s.cfg.AI.DefaultModel,
		MaxTokens:      s.cfg.AI.MaxTokens,
		Temperature:    s.cfg.AI.Temperature,
		TopK:           s.cfg.Retrieval.TopK,
		TopN:           s.cfg.Retrieval.TopN,
		EfSearch:       s.retriever.EfForPriority(req.Priority),
		HardConfidence: s.cfg.Confidence.Hard,
	}
	adjustment := s.costSvc.ApplyDegradation(costInfo.State, basePolicy)
	policy := adjustment.Policy

	retrieval, err := s.retriever.Retrieve(ctx, tc, req.Question, knowledge.RetrieveOptions{
		TopN:             policy.TopN,
		SourceTypes:      req.SourceTypes,
		Priority:         req.Priority,
		EfSearchOverride: policy.EfSearch,
	})
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	selection := s.reranker.RerankAndSelect(retrieval.Candidates, knowledge.RerankOptions{
		TopN:                policy.TopN,
		TopK:                policy.TopK,
		MaxPerSource:        s.cfg.Retrieval.MaxPerSource,
		DiversityThreshold:  s.cfg.Retrieval.DiversityThreshold,
		SimilarityThreshold: s.cfg.Retrieval.SimilarityThreshold,
		Question:            req.Question,
	})
	metrics.ChunksSelected.Observe(float64(selection.Metrics.ChunksSelected))

	// 降级可能抬高hard阈值，置信度用调整后的阈值判定
	gateCfg := s.cfg.Confidence
	if policy.HardConfidence > 0 {
		gateCfg.Hard = policy.HardConfidence
	}
	gate := knowledge.NewConfidenceGate(gateCfg)
	confidence := gate.Compute(knowledge.ConfidenceInput{
		ChunksSelected:    selection.Metrics.ChunksSelected,
		AverageSimilarity: selection.Metrics.AvgSimilarityAfter,
		TopSimilarity:     selection.Metrics.TopSimilarity,
		HasTopSimilarity:  selection.Metrics.ChunksSelected > 0,
	})
	metrics.ConfidenceLevels.WithLabelValues(string(confidence.Level)).Inc()

	if confidence.ShouldUseFallback() {
		return s.respondFallback(ctx, requestID, tc, req, costInfo, confidence, selection, retrieval, adjustment, start), nil
	}

	prompt := s.assembler.Assemble(req.Question, selection.Selected)
	opts := CompletionOptions{
		Model:       policy.Model,
		MaxTokens:   policy.MaxTokens,
		Temperature: policy.Temperature,
	}

	var completion *CompletionResult
	if req.OnDelta != nil {
		completion, err = s.chat.GenerateCompletionStream(ctx, prompt.Messages, opts, req.OnDelta)
	} else {
		completion, err = s.chat.GenerateCompletion(ctx, prompt.Messages, opts)
	}
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	duration := time.Since(start)
	metrics.QueriesTotal.WithLabelValues("answered").Inc()
	metrics.QueryDuration.Observe(duration.Seconds())

	totalCost := completion.CostUSD + retrieval.EmbedCostUSD
	s.recorder.Record(&audit.Interaction{
		RequestID:       requestID,
		Tenant:          tc,
		Prompt:          req.Question,
		Model:           opts.Model,
		InputTokens:     completion.Usage.InputTokens,
		OutputTokens:    completion.Usage.OutputTokens,
		TotalTokens:     completion.Usage.TotalTokens,
		CostUSD:         totalCost,
		ConfidenceLevel: string(confidence.Level),
		ConfidenceScore: confidence.Score,
		CostState:       string(costInfo.State),
		Degradations:    adjustment.Degradations,
		ChunksUsed:      selection.Metrics.ChunksSelected,
		Duration:        duration,
	})
	s.costSvc.Invalidate(ctx, tc)

	logger.WithTenant(tc.OrganizationID, tc.SiteID).Info("rag query answered",
		zap.String("request_id", requestID),
		zap.String("confidence", string(confidence.Level)),
		zap.String("cost_state", string(costInfo.State)),
		zap.Int("chunks", selection.Metrics.ChunksSelected),
		zap.Float64("cost_usd", totalCost),
		zap.Duration("duration", duration))

	return &QueryResponse{
		RequestID: requestID,
		Answer:    completion.Content,
		Usage:     completion.Usage,
		Metadata: QueryMetadata{
			ConfidenceLevel:        string(confidence.Level),
			ConfidenceScore:        confidence.Score,
			CostState:              string(costInfo.State),
			Degradations:           adjustment.Degradations,
			ChunksUsed:             selection.Metrics.ChunksSelected,
			ClarificationSuggested: confidence.ShouldRequestClarification(),
			Model:                  opts.Model,
			DurationMs:             duration.Milliseconds(),
		},
	}, nil
}

// respondBlocked 预算耗尽：不调用任何提供方，返回确定性话术并留零成本审计
func (s *RAGService) respondBlocked(ctx context.Context, requestID string, tc tenant.Context, req QueryRequest, costInfo *cost.CostInfo, start time.Time) *QueryResponse {
	duration := time.Since(start)
	metrics.QueriesTotal.WithLabelValues("blocked").Inc()
	metrics.QueryDuration.Observe(duration.Seconds())

	s.recorder.Record(&audit.Interaction{
		RequestID:       requestID,
		Tenant:          tc,
		Prompt:          req.Question,
		CostState:       string(costInfo.State),
		ConfidenceLevel: string(knowledge.ConfidenceLow),
		Blocked:         true,
		Duration:        duration,
	})

	logger.WithTenant(tc.OrganizationID, tc.SiteID).Warn("rag query blocked by budget",
		zap.String("request_id", requestID),
		zap.Float64("budget_pct", costInfo.MaxPct))

	return &QueryResponse{
		RequestID: requestID,
		Answer:    blockedMessage,
		Metadata: QueryMetadata{
			ConfidenceLevel: string(knowledge.ConfidenceLow),
			CostState:       string(costInfo.State),
			Blocked:         true,
			DurationMs:      duration.Milliseconds(),
		},
	}
}

// respondFallback 置信度不足：不调用生成模型，返回兜底话术
func (s *RAGService) respondFallback(ctx context.Context, requestID string, tc tenant.Context, req QueryRequest, costInfo *cost.CostInfo, confidence *knowledge.ConfidenceResult, selection *knowledge.RerankSelection, retrieval *knowledge.RetrievalResult, adjustment cost.PolicyAdjustment, start time.Time) *QueryResponse {
	duration := time.Since(start)
	metrics.QueriesTotal.WithLabelValues("fallback").Inc()
	metrics.QueryDuration.Observe(duration.Seconds())

	s.recorder.Record(&audit.Interaction{
		RequestID:       requestID,
		Tenant:          tc,
		Prompt:          req.Question,
		CostUSD:         retrieval.EmbedCostUSD,
		ConfidenceLevel: string(confidence.Level),
		ConfidenceScore: confidence.Score,
		CostState:       string(costInfo.State),
		Degradations:    adjustment.Degradations,
		ChunksUsed:      selection.Metrics.ChunksSelected,
		FallbackUsed:    true,
		Duration:        duration,
	})
	// 兜底路径也产生了嵌入花费，同样要让花费缓存失效
	s.costSvc.Invalidate(ctx, tc)

	logger.WithTenant(tc.OrganizationID, tc.SiteID).Info("rag query fell back on low confidence",
		zap.String("request_id", requestID),
		zap.Strings("reasons", confidence.Reasons),
		zap.Int("chunks", selection.Metrics.ChunksSelected))

	return &QueryResponse{
		RequestID: requestID,
		Answer:    fallbackMessage,
		Metadata: QueryMetadata{
			ConfidenceLevel: string(confidence.Level),
			ConfidenceScore: confidence.Score,
			CostState:       string(costInfo.State),
			Degradations:    adjustment.Degradations,
			ChunksUsed:      selection.Metrics.ChunksSelected,
			FallbackUsed:    true,
			DurationMs:      duration.Milliseconds(),
		},
	}
}
