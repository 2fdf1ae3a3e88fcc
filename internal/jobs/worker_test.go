package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-core/internal/errors"
	"github.com/aihub/rag-core/internal/knowledge"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

const (
	workerTestOrgID  = "6f9619ff-8b86-4d01-b42d-00cf4fc964ff"
	workerTestSiteID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

// memEmbeddingRepo 内存向量记录仓库
type memEmbeddingRepo struct {
	mu      sync.Mutex
	records []*models.EmbeddingRecord
	nextID  uint
}

func (r *memEmbeddingRepo) FindActiveByHash(ctx context.Context, tc tenant.Context, sourceType, sourceID, contentHash, model string) (*models.EmbeddingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.IsActive && rec.OrganizationID == tc.OrganizationID && rec.SiteID == tc.SiteID &&
			rec.SourceType == sourceType && rec.SourceID == sourceID &&
			rec.ContentHash == contentHash && rec.Model == model {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *memEmbeddingRepo) Insert(ctx context.Context, record *models.EmbeddingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	record.ID = r.nextID
	r.records = append(r.records, record)
	return nil
}

func (r *memEmbeddingRepo) DeactivateSuperseded(ctx context.Context, tc tenant.Context, sourceType, sourceID string, exceptID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID != exceptID && rec.OrganizationID == tc.OrganizationID && rec.SiteID == tc.SiteID &&
			rec.SourceType == sourceType && rec.SourceID == sourceID {
			rec.IsActive = false
		}
	}
	return nil
}

func (r *memEmbeddingRepo) NextVersion(ctx context.Context, tc tenant.Context, sourceType, sourceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxVersion := 0
	for _, rec := range r.records {
		if rec.OrganizationID == tc.OrganizationID && rec.SiteID == tc.SiteID &&
			rec.SourceType == sourceType && rec.SourceID == sourceID && rec.Version > maxVersion {
			maxVersion = rec.Version
		}
	}
	return maxVersion + 1, nil
}

func (r *memEmbeddingRepo) activeCount(sourceType, sourceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, rec := range r.records {
		if rec.IsActive && rec.SourceType == sourceType && rec.SourceID == sourceID {
			count++
		}
	}
	return count
}

// countingStore 行级向量存储桩：写入的行在显式停用前一直保留，
// 模拟外部向量库（如Milvus）没有激活标记、必须物理删除的语义
type countingStore struct {
	mu      sync.Mutex
	upserts int
	rows    map[uint]*models.EmbeddingRecord
	repo    *memEmbeddingRepo
}

func (s *countingStore) Upsert(ctx context.Context, record *models.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.rows == nil {
		s.rows = make(map[uint]*models.EmbeddingRecord)
	}
	s.rows[record.ID] = record
	return nil
}

func (s *countingStore) DeactivateSource(ctx context.Context, tc tenant.Context, sourceType, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.SourceType == sourceType && row.SourceID == sourceID {
			delete(s.rows, id)
		}
	}
	return nil
}

func (s *countingStore) DeactivateSuperseded(ctx context.Context, tc tenant.Context, sourceType, sourceID string, exceptID uint) error {
	s.mu.Lock()
	for id, row := range s.rows {
		if id != exceptID && row.SourceType == sourceType && row.SourceID == sourceID {
			delete(s.rows, id)
		}
	}
	s.mu.Unlock()
	if s.repo != nil {
		return s.repo.DeactivateSuperseded(ctx, tc, sourceType, sourceID, exceptID)
	}
	return nil
}

func (s *countingStore) sourceRows(sourceType, sourceID string) []*models.EmbeddingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EmbeddingRecord
	for _, row := range s.rows {
		if row.SourceType == sourceType && row.SourceID == sourceID {
			out = append(out, row)
		}
	}
	return out
}

func (s *countingStore) Search(ctx context.Context, req knowledge.VectorSearchRequest) ([]knowledge.Candidate, error) {
	return nil, nil
}

func (s *countingStore) Ready() bool { return true }

// staticEmbedder 固定向量嵌入器
type staticEmbedder struct {
	calls int
}

func (e *staticEmbedder) Embed(ctx context.Context, text string) (*knowledge.EmbeddingResult, error) {
	e.calls++
	return &knowledge.EmbeddingResult{
		Vector:     []float32{0.5, 0.5},
		Dimensions: 2,
		TokensUsed: 10,
		CostUSD:    0.0000002,
	}, nil
}

func (e *staticEmbedder) Dimensions() int { return 2 }
func (e *staticEmbedder) Ready() bool     { return true }

func newTestWorker(repo *memEmbeddingRepo, store *countingStore, embedder *staticEmbedder) *Worker {
	store.repo = repo
	guard := tenant.NewGuard(tenant.NewStaticSiteDirectory(map[string]string{
		workerTestSiteID: workerTestOrgID,
	}))
	return NewWorker("worker-test", WorkerDeps{
		Guard:    guard,
		Repo:     repo,
		Store:    store,
		Embedder: embedder,
	}, testJobsConfig())
}

func embeddingJob(t *testing.T, content string) *models.Job {
	t.Helper()
	data, err := json.Marshal(models.EmbeddingJobPayload{
		OrganizationID: workerTestOrgID,
		SiteID:         workerTestSiteID,
		SourceType:     models.SourceTypePage,
		SourceID:       "landing",
		Title:          "Landing",
		Content:        content,
	})
	require.NoError(t, err)
	return &models.Job{
		ID:          1,
		Type:        models.JobTypeGenerateEmbedding,
		Status:      models.JobStatusProcessing,
		Data:        string(data),
		MaxAttempts: 3,
	}
}

func TestProcessEmbeddingCreatesActiveRecord(t *testing.T) {
	repo := &memEmbeddingRepo{}
	store := &countingStore{}
	embedder := &staticEmbedder{}
	w := newTestWorker(repo, store, embedder)

	err := w.processEmbedding(context.Background(), embeddingJob(t, "welcome to our site"))

	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 1, store.upserts)
	assert.Equal(t, 1, repo.activeCount(models.SourceTypePage, "landing"))

	record := repo.records[0]
	assert.True(t, record.IsActive)
	assert.Equal(t, 1, record.Version)
	assert.Equal(t, ContentHash("welcome to our site"), record.ContentHash)
}

func TestProcessEmbeddingIdempotent(t *testing.T) {
	repo := &memEmbeddingRepo{}
	store := &countingStore{}
	embedder := &staticEmbedder{}
	w := newTestWorker(repo, store, embedder)

	// 相同内容处理两次，只产生一条激活记录、一次嵌入调用
	require.NoError(t, w.processEmbedding(context.Background(), embeddingJob(t, "same content")))
	require.NoError(t, w.processEmbedding(context.Background(), embeddingJob(t, "same content")))

	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 1, repo.activeCount(models.SourceTypePage, "landing"))
}

func TestProcessEmbeddingSupersedesOldVersion(t *testing.T) {
	repo := &memEmbeddingRepo{}
	store := &countingStore{}
	embedder := &staticEmbedder{}
	w := newTestWorker(repo, store, embedder)

	require.NoError(t, w.processEmbedding(context.Background(), embeddingJob(t, "version one")))
	require.NoError(t, w.processEmbedding(context.Background(), embeddingJob(t, "version two")))

	// 旧记录停用，新记录成为唯一激活版本
	assert.Equal(t, 1, repo.activeCount(models.SourceTypePage, "landing"))
	assert.Equal(t, 2, len(repo.records))
	assert.False(t, repo.records[0].IsActive)
	assert.True(t, repo.records[1].IsActive)
	assert.Equal(t, 2, repo.records[1].Version)
}

func TestProcessEmbeddingRemovesSupersededFromStore(t *testing.T) {
	repo := &memEmbeddingRepo{}
	store := &countingStore{}
	embedder := &staticEmbedder{}
	w := newTestWorker(repo, store, embedder)

	require.NoError(t, w.processEmbedding(context.Background(), embeddingJob(t, "version one")))
	require.NoError(t, w.processEmbedding(context.Background(), embeddingJob(t, "version two")))

	// 存储里只剩最新版本的行，旧版本不能再被检索到
	rows := store.sourceRows(models.SourceTypePage, "landing")
	require.Len(t, rows, 1)
	assert.Equal(t, repo.records[1].ID, rows[0].ID)
	assert.Equal(t, 1, repo.activeCount(models.SourceTypePage, "landing"))
}

func TestProcessEmbeddingRejectsMalformedPayload(t *testing.T) {
	w := newTestWorker(&memEmbeddingRepo{}, &countingStore{}, &staticEmbedder{})

	job := &models.Job{ID: 2, Type: models.JobTypeGenerateEmbedding, Data: "not json"}
	err := w.processEmbedding(context.Background(), job)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestProcessEmbeddingRejectsForeignSite(t *testing.T) {
	w := newTestWorker(&memEmbeddingRepo{}, &countingStore{}, &staticEmbedder{})

	data, err := json.Marshal(models.EmbeddingJobPayload{
		OrganizationID: "a8098c1a-f86e-4d33-a6da-b53aeb6c7ab1",
		SiteID:         workerTestSiteID,
		SourceType:     models.SourceTypePage,
		SourceID:       "landing",
		Content:        "content",
	})
	require.NoError(t, err)

	job := &models.Job{ID: 3, Type: models.JobTypeGenerateEmbedding, Data: string(data)}
	err = w.processEmbedding(context.Background(), job)

	require.Error(t, err)
	assert.True(t, apperrors.IsTenantValidation(err))
}

func TestContentHashDeterministic(t *testing.T) {
	assert.Equal(t, ContentHash("abc"), ContentHash("abc"))
	assert.NotEqual(t, ContentHash("abc"), ContentHash("abd"))
	assert.Len(t, ContentHash("abc"), 64)
}
