package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// PgVectorStore 基于PostgreSQL/pgvector的向量存储
type PgVectorStore struct {
	db *gorm.DB

	efProbe     sync.Once
	efSupported bool
}

// NewPgVectorStore 创建pgvector存储
func NewPgVectorStore(db *gorm.DB) *PgVectorStore {
	return &PgVectorStore{db: db}
}

func (s *PgVectorStore) Upsert(ctx context.Context, record *models.EmbeddingRecord) error {
	if len(record.Embedding) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	// 激活记录的去重由部分唯一索引保证，冲突视为已存在
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
}

func (s *PgVectorStore) DeactivateSource(ctx context.Context, tc tenant.Context, sourceType, sourceID string) error {
	q, err := tenant.NewScopedQuery(tc, models.EmbeddingRecord{}.TableName())
	if err != nil {
		return err
	}
	sql, args, err := q.
		Where("source_type = ?", sourceType).
		Where("source_id = ?", sourceID).
		ActiveOnly().
		UpdateSQL(map[string]interface{}{
			"is_active":   false,
			"update_time": time.Now(),
		})
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(sql, args...).Error
}

// DeactivateSuperseded 停用同一来源下旧版本记录，保留exceptID
func (s *PgVectorStore) DeactivateSuperseded(ctx context.Context, tc tenant.Context, sourceType, sourceID string, exceptID uint) error {
	q, err := tenant.NewScopedQuery(tc, models.EmbeddingRecord{}.TableName())
	if err != nil {
		return err
	}
	sql, args, err := q.
		Where("source_type = ?", sourceType).
		Where("source_id = ?", sourceID).
		Where("record_id <> ?", exceptID).
		ActiveOnly().
		UpdateSQL(map[string]interface{}{
			"is_active":   false,
			"update_time": time.Now(),
		})
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(sql, args...).Error
}

type pgCandidateRow struct {
	RecordID    uint
	SourceType  string
	SourceID    string
	Title       string
	Slug        string
	Content     string
	PublishedAt *time.Time
	Similarity  float64
}

func (s *PgVectorStore) Search(ctx context.Context, req VectorSearchRequest) ([]Candidate, error) {
	if len(req.QueryEmbedding) == 0 {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 20
	}

	sql, args, err := s.buildSearchSQL(req)
	if err != nil {
		return nil, err
	}

	// ef_search仅在单个查询的事务内生效，避免影响并发查询；
	// 任何调优失败都静默回退为未调优查询
	if req.EfSearch > 0 && s.supportsEfSearch() {
		rows, tuneErr := s.searchTuned(ctx, sql, args, req.EfSearch)
		if tuneErr == nil {
			return toCandidates(rows), nil
		}
		logger.Debug("ef_search tuned query failed, falling back",
			zap.Int("ef_search", req.EfSearch), zap.Error(tuneErr))
	}

	var rows []pgCandidateRow
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return toCandidates(rows), nil
}

// buildSearchSQL 通过租户限定构造器生成检索SQL，相似度为 1 - 余弦距离
func (s *PgVectorStore) buildSearchSQL(req VectorSearchRequest) (string, []interface{}, error) {
	q, err := tenant.NewScopedQuery(req.Tenant, models.EmbeddingRecord{}.TableName())
	if err != nil {
		return "", nil, err
	}

	vec, err := models.Vector(req.QueryEmbedding).Value()
	if err != nil {
		return "", nil, err
	}

	q = q.ActiveOnly().Where("embedding IS NOT NULL")
	if len(req.SourceTypes) > 0 {
		q = q.Where("source_type IN ?", req.SourceTypes)
	}
	if req.SimilarityThreshold > 0 {
		q = q.Where("1 - (embedding <=> ?::vector) >= ?", vec, req.SimilarityThreshold)
	}

	sql, whereArgs := q.SelectSQL(
		"record_id, source_type, source_id, title, slug, content, published_at, 1 - (embedding <=> ?::vector) AS similarity",
		"embedding <=> ?::vector ASC, record_id ASC",
		req.Limit,
	)

	// 占位符顺序：SELECT列 → WHERE → ORDER BY
	args := append([]interface{}{vec}, whereArgs...)
	args = append(args, vec)
	return sql, args, nil
}

// searchTuned 在单独事务中应用 SET LOCAL hnsw.ef_search
func (s *PgVectorStore) searchTuned(ctx context.Context, sql string, args []interface{}, efSearch int) ([]pgCandidateRow, error) {
	var rows []pgCandidateRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)).Error; err != nil {
			return err
		}
		return tx.Raw(sql, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// supportsEfSearch 探测索引是否支持ef_search参数，进程内只探测一次
func (s *PgVectorStore) supportsEfSearch() bool {
	s.efProbe.Do(func() {
		var value string
		err := s.db.Raw("SHOW hnsw.ef_search").Scan(&value).Error
		s.efSupported = err == nil
		if !s.efSupported {
			logger.Debug("hnsw.ef_search not supported by this store", zap.Error(err))
		}
	})
	return s.efSupported
}

func (s *PgVectorStore) Ready() bool {
	return s.db != nil
}

func toCandidates(rows []pgCandidateRow) []Candidate {
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Candidate{
			RecordID:    r.RecordID,
			SourceType:  r.SourceType,
			SourceID:    r.SourceID,
			Title:       r.Title,
			Slug:        r.Slug,
			Content:     r.Content,
			PublishedAt: r.PublishedAt,
			Similarity:  r.Similarity,
		})
	}
	return out
}
