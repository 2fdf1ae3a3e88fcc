package knowledge

import (
	"context"

	"go.uber.org/zap"

	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/tenant"
)

// Priority 检索优先级，决定ef_search档位
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityDebug  Priority = "debug"
)

// RetrieveOptions 单次检索的可调参数
type RetrieveOptions struct {
	TopN                int
	SimilarityThreshold float64
	SourceTypes         []string
	Priority            Priority
	// EfSearchOverride 显式指定ef，优先于Priority档位；0表示不覆盖
	EfSearchOverride int
}

// RetrievalResult 检索结果及用量
type RetrievalResult struct {
	Candidates      []Candidate
	EmbedTokensUsed int
	EmbedCostUSD    float64
	EfSearchApplied int
}

// Retriever 租户范围内的向量检索器
type Retriever struct {
	store    VectorStore
	embedder Embedder
	cfg      config.RetrievalConfig
}

// NewRetriever 创建检索器
func NewRetriever(store VectorStore, embedder Embedder, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
	}
}

// EfForPriority 按优先级档位返回ef_search值
func (r *Retriever) EfForPriority(p Priority) int {
	switch p {
	case PriorityLow:
		return r.cfg.EfSearchLow
	case PriorityHigh:
		return r.cfg.EfSearchHigh
	case PriorityDebug:
		return r.cfg.EfSearchDebug
	default:
		return r.cfg.EfSearchMedium
	}
}

// Retrieve 向量化问题并在租户范围内做近邻检索
func (r *Retriever) Retrieve(ctx context.Context, tc tenant.Context, question string, opts RetrieveOptions) (*RetrievalResult, error) {
	embedResult, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	topN := opts.TopN
	if topN <= 0 {
		topN = r.cfg.TopN
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = r.cfg.SimilarityThreshold
	}
	ef := opts.EfSearchOverride
	if ef <= 0 {
		ef = r.EfForPriority(opts.Priority)
	}

	candidates, err := r.store.Search(ctx, VectorSearchRequest{
		Tenant:              tc,
		QueryEmbedding:      embedResult.Vector,
		Limit:               topN,
		SimilarityThreshold: threshold,
		SourceTypes:         opts.SourceTypes,
		EfSearch:            ef,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("向量检索完成",
		zap.String("organization_id", tc.OrganizationID),
		zap.String("site_id", tc.SiteID),
		zap.Int("candidates", len(candidates)),
		zap.Int("ef_search", ef))

	return &RetrievalResult{
		Candidates:      candidates,
		EmbedTokensUsed: embedResult.TokensUsed,
		EmbedCostUSD:    embedResult.CostUSD,
		EfSearchApplied: ef,
	}, nil
}
