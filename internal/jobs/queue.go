package jobs

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	apperrors "github.com/aihub/rag-core/internal/errors"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// Queue 任务入队
type Queue struct {
	db          *gorm.DB
	maxAttempts int
}

// NewQueue 创建任务队列
func NewQueue(db *gorm.DB, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{db: db, maxAttempts: maxAttempts}
}

// Enqueue 创建一条pending任务
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInvalidInputError("payload", "must be serializable").WithCause(err)
	}

	job := &models.Job{
		Type:        jobType,
		Status:      models.JobStatusPending,
		Data:        string(data),
		MaxAttempts: q.maxAttempts,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to enqueue job").WithCause(err)
	}
	return job, nil
}

// EnqueueEmbedding 入队一条向量生成任务，负载在入口处校验
func (q *Queue) EnqueueEmbedding(ctx context.Context, tc tenant.Context, payload models.EmbeddingJobPayload) (*models.Job, error) {
	if !tc.Valid() {
		return nil, apperrors.NewTenantValidationError("embedding job requires organization and site identifiers")
	}
	if !models.ValidSourceType(payload.SourceType) {
		return nil, apperrors.NewInvalidInputError("source_type", "unknown source type")
	}
	if payload.SourceID == "" {
		return nil, apperrors.NewMissingRequiredError("source_id")
	}
	if payload.Content == "" {
		return nil, apperrors.NewMissingRequiredError("content")
	}

	payload.OrganizationID = tc.OrganizationID
	payload.SiteID = tc.SiteID
	return q.Enqueue(ctx, models.JobTypeGenerateEmbedding, payload)
}

// EnqueueReindex 入队一条来源重建任务
func (q *Queue) EnqueueReindex(ctx context.Context, tc tenant.Context, payload models.ReindexJobPayload) (*models.Job, error) {
	if !tc.Valid() {
		return nil, apperrors.NewTenantValidationError("reindex job requires organization and site identifiers")
	}
	if !models.ValidSourceType(payload.SourceType) {
		return nil, apperrors.NewInvalidInputError("source_type", "unknown source type")
	}
	if payload.SourceID == "" {
		return nil, apperrors.NewMissingRequiredError("source_id")
	}

	payload.OrganizationID = tc.OrganizationID
	payload.SiteID = tc.SiteID
	return q.Enqueue(ctx, models.JobTypeReindexSource, payload)
}
