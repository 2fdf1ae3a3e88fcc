package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// embeddingRepository 向量记录仓库实现
type embeddingRepository struct {
	db *gorm.DB
}

// NewEmbeddingRepository 创建向量记录仓库
func NewEmbeddingRepository(db *gorm.DB) EmbeddingRepository {
	return &embeddingRepository{db: db}
}

func (r *embeddingRepository) FindActiveByHash(ctx context.Context, tc tenant.Context, sourceType, sourceID, contentHash, model string) (*models.EmbeddingRecord, error) {
	if !tc.Valid() {
		return nil, errors.New("tenant context required")
	}

	var record models.EmbeddingRecord
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND site_id = ?", tc.OrganizationID, tc.SiteID).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Where("content_hash = ? AND model = ? AND is_active = ?", contentHash, model, true).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *embeddingRepository) Insert(ctx context.Context, record *models.EmbeddingRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *embeddingRepository) NextVersion(ctx context.Context, tc tenant.Context, sourceType, sourceID string) (int, error) {
	if !tc.Valid() {
		return 0, errors.New("tenant context required")
	}

	var maxVersion int
	err := r.db.WithContext(ctx).
		Model(&models.EmbeddingRecord{}).
		Where("organization_id = ? AND site_id = ?", tc.OrganizationID, tc.SiteID).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}
