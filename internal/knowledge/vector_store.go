package knowledge

import (
	"context"
	"time"

	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// VectorSearchRequest 向量检索请求
// 租户上下文必填：存储实现必须在每次检索中施加租户与激活过滤
type VectorSearchRequest struct {
	Tenant              tenant.Context
	QueryEmbedding      []float32
	Limit               int
	SimilarityThreshold float64 // 相似度阈值，仅返回 >= Threshold 的结果
	SourceTypes         []string
	EfSearch            int // ANN检索质量参数，0表示不调优
}

// Candidate 检索候选（单次检索调用内的临时视图）
type Candidate struct {
	RecordID    uint
	SourceType  string
	SourceID    string
	Title       string
	Slug        string
	Content     string
	PublishedAt *time.Time
	Similarity  float64
}

// VectorStore 向量存储抽象。
// 存储实现必须保证停用的记录不再出现在检索结果中
type VectorStore interface {
	Upsert(ctx context.Context, record *models.EmbeddingRecord) error
	DeactivateSource(ctx context.Context, tc tenant.Context, sourceType, sourceID string) error
	// DeactivateSuperseded 停用同一来源下除exceptID外的记录（版本替换）
	DeactivateSuperseded(ctx context.Context, tc tenant.Context, sourceType, sourceID string, exceptID uint) error
	Search(ctx context.Context, req VectorSearchRequest) ([]Candidate, error)
	Ready() bool
}
