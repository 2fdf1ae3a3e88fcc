package repository

import (
	"context"
	"time"

	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// EmbeddingRepository 向量记录仓库（Postgres为记录的系统来源）
type EmbeddingRepository interface {
	// FindActiveByHash 查找相同内容哈希+模型的激活记录，用于任务幂等
	FindActiveByHash(ctx context.Context, tc tenant.Context, sourceType, sourceID, contentHash, model string) (*models.EmbeddingRecord, error)
	Insert(ctx context.Context, record *models.EmbeddingRecord) error
	// NextVersion 同一来源的下一个版本号
	NextVersion(ctx context.Context, tc tenant.Context, sourceType, sourceID string) (int, error)
}

// AuditRepository 审计记录仓库
type AuditRepository interface {
	Insert(ctx context.Context, record *models.AuditRecord) error
	// SpendBetween 聚合窗口内的花费（美元）
	SpendBetween(ctx context.Context, tc tenant.Context, from, to time.Time) (float64, error)
}

// BudgetRepository 租户预算仓库
type BudgetRepository interface {
	// GetBudget 无预算配置时返回nil, nil
	GetBudget(ctx context.Context, tc tenant.Context) (*models.TenantBudget, error)
	SetBudget(ctx context.Context, budget *models.TenantBudget) error
}
