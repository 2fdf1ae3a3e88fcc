package knowledge

import (
	"context"
	"time"

	"github.com/aihub/rag-core/internal/tenant"
)

// SourceContent 来源内容的只读视图，用于补齐块元数据与重建索引
type SourceContent struct {
	Title       string
	Slug        string
	Content     string
	PublishedAt *time.Time
}

// ContentRepository 内容仓库能力接口，由外层适配器实现。
// 来源已不存在时返回 nil, nil
type ContentRepository interface {
	FetchContent(ctx context.Context, tc tenant.Context, sourceType, sourceID string) (*SourceContent, error)
}
