package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-core/internal/audit"
	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/cost"
	"github.com/aihub/rag-core/internal/knowledge"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

const (
	testOrgID  = "6f9619ff-8b86-4d01-b42d-00cf4fc964ff"
	testSiteID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

// fakeVectorStore 固定候选集的内存向量存储
type fakeVectorStore struct {
	candidates []knowledge.Candidate
}

func (f *fakeVectorStore) Upsert(ctx context.Context, record *models.EmbeddingRecord) error {
	return nil
}

func (f *fakeVectorStore) DeactivateSource(ctx context.Context, tc tenant.Context, sourceType, sourceID string) error {
	return nil
}

func (f *fakeVectorStore) DeactivateSuperseded(ctx context.Context, tc tenant.Context, sourceType, sourceID string, exceptID uint) error {
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, req knowledge.VectorSearchRequest) ([]knowledge.Candidate, error) {
	out := make([]knowledge.Candidate, 0, len(f.candidates))
	for _, c := range f.candidates {
		if c.Similarity >= req.SimilarityThreshold {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeVectorStore) Ready() bool { return true }

// fakeEmbedder 返回固定向量
type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (*knowledge.EmbeddingResult, error) {
	return &knowledge.EmbeddingResult{
		Vector:     []float32{0.1, 0.2, 0.3},
		Dimensions: 3,
		TokensUsed: 5,
		CostUSD:    0.0000001,
	}, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Ready() bool     { return true }

// fakeChatProvider 记录是否被调用
type fakeChatProvider struct {
	called bool
	answer string
}

func (f *fakeChatProvider) GenerateCompletion(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error) {
	f.called = true
	return &CompletionResult{
		Content:      f.answer,
		Usage:        CompletionUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		CostUSD:      0.001,
		FinishReason: "stop",
	}, nil
}

func (f *fakeChatProvider) GenerateCompletionStream(ctx context.Context, messages []ChatMessage, opts CompletionOptions, onDelta func(string) error) (*CompletionResult, error) {
	f.called = true
	if onDelta != nil {
		if err := onDelta(f.answer); err != nil {
			return nil, err
		}
	}
	return &CompletionResult{
		Content: f.answer,
		Usage:   CompletionUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		CostUSD: 0.001,
	}, nil
}

func (f *fakeChatProvider) Ready() bool { return true }

// fakeAuditRepo 带通知通道的内存审计仓库
type fakeAuditRepo struct {
	records  chan *models.AuditRecord
	daySpend float64
}

func newFakeAuditRepo() *fakeAuditRepo {
	return &fakeAuditRepo{records: make(chan *models.AuditRecord, 10)}
}

func (f *fakeAuditRepo) Insert(ctx context.Context, record *models.AuditRecord) error {
	f.records <- record
	return nil
}

func (f *fakeAuditRepo) SpendBetween(ctx context.Context, tc tenant.Context, from, to time.Time) (float64, error) {
	return f.daySpend, nil
}

func (f *fakeAuditRepo) waitForRecord(t *testing.T) *models.AuditRecord {
	t.Helper()
	select {
	case record := <-f.records:
		return record
	case <-time.After(2 * time.Second):
		t.Fatal("no audit record written")
		return nil
	}
}

// fakeBudgetRepo 固定预算的内存仓库
type fakeBudgetRepo struct {
	budget *models.TenantBudget
}

func (f *fakeBudgetRepo) GetBudget(ctx context.Context, tc tenant.Context) (*models.TenantBudget, error) {
	return f.budget, nil
}

func (f *fakeBudgetRepo) SetBudget(ctx context.Context, budget *models.TenantBudget) error {
	f.budget = budget
	return nil
}

type testEnv struct {
	service *RAGService
	chat    *fakeChatProvider
	audits  *fakeAuditRepo
	budgets *fakeBudgetRepo
	store   *fakeVectorStore
}

func newTestEnv(t *testing.T, candidates []knowledge.Candidate) *testEnv {
	t.Helper()
	return newTestEnvWithRedis(t, candidates, nil)
}

func newTestEnvWithRedis(t *testing.T, candidates []knowledge.Candidate, redisClient *redis.Client) *testEnv {
	t.Helper()

	cfg := &config.Config{
		AI: config.AIConfig{
			DefaultModel: "gpt-4o",
			CheapModel:   "gpt-4o-mini",
			MaxTokens:    2000,
			Temperature:  0.7,
		},
		Retrieval: config.RetrievalConfig{
			TopN:                20,
			TopK:                6,
			MaxPerSource:        2,
			DiversityThreshold:  0.85,
			SimilarityThreshold: 0.60,
			EfSearchLow:         40,
			EfSearchMedium:      80,
			EfSearchHigh:        160,
			EfSearchDebug:       400,
		},
		Confidence: config.ConfidenceConfig{
			Soft:      0.75,
			Hard:      0.68,
			HardTop:   0.70,
			MinChunks: 2,
		},
		Cost: config.CostConfig{
			WarnPct:     70,
			ThrottlePct: 90,
			BlockPct:    100,
		},
	}

	guard := tenant.NewGuard(tenant.NewStaticSiteDirectory(map[string]string{
		testSiteID: testOrgID,
	}))

	store := &fakeVectorStore{candidates: candidates}
	retriever := knowledge.NewRetriever(store, &fakeEmbedder{}, cfg.Retrieval)

	audits := newFakeAuditRepo()
	budgets := &fakeBudgetRepo{}
	tracker := cost.NewSpendTracker(audits, budgets, redisClient, time.Minute)
	policy := cost.NewPolicy(cfg.Cost, cfg.AI.CheapModel, cfg.Retrieval.EfSearchMedium, cfg.Retrieval.EfSearchLow)
	costSvc := cost.NewService(tracker, policy)

	chat := &fakeChatProvider{answer: "Our pricing starts at $10 per month."}
	recorder := audit.NewRecorder(audits, nil)

	service := NewRAGService(
		guard,
		retriever,
		knowledge.NewReranker(),
		costSvc,
		NewPromptAssembler(3000),
		chat,
		recorder,
		cfg,
	)

	return &testEnv{
		service: service,
		chat:    chat,
		audits:  audits,
		budgets: budgets,
		store:   store,
	}
}

func goodCandidates() []knowledge.Candidate {
	return []knowledge.Candidate{
		{RecordID: 1, SourceType: "page", SourceID: "pricing", Title: "Pricing", Content: "Plans start at ten dollars per month.", Similarity: 0.88},
		{RecordID: 2, SourceType: "page", SourceID: "faq", Title: "FAQ", Content: "Billing happens monthly via credit card.", Similarity: 0.81},
		{RecordID: 3, SourceType: "wp_post", SourceID: "blog-1", Title: "Pricing update", Content: "We updated our pricing tiers this year.", Similarity: 0.79},
	}
}

func TestQueryAnswered(t *testing.T) {
	env := newTestEnv(t, goodCandidates())

	resp, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
	})

	require.NoError(t, err)
	assert.True(t, env.chat.called)
	assert.Equal(t, "Our pricing starts at $10 per month.", resp.Answer)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	assert.Equal(t, "high", resp.Metadata.ConfidenceLevel)
	assert.Equal(t, "NORMAL", resp.Metadata.CostState)
	assert.False(t, resp.Metadata.FallbackUsed)

	record := env.audits.waitForRecord(t)
	assert.Equal(t, testOrgID, record.OrganizationID)
	assert.Equal(t, 150, record.TotalTokens)
	assert.NotEmpty(t, record.PromptHash)
	assert.False(t, record.FallbackUsed)
}

func TestQueryFallbackOnLowConfidence(t *testing.T) {
	// 没有内容超过相似度阈值 → low → 兜底，不调用生成模型
	env := newTestEnv(t, []knowledge.Candidate{
		{RecordID: 1, SourceType: "page", SourceID: "a", Content: "irrelevant", Similarity: 0.30},
	})

	resp, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
	})

	require.NoError(t, err)
	assert.False(t, env.chat.called)
	assert.Equal(t, fallbackMessage, resp.Answer)
	assert.Equal(t, 0, resp.Usage.TotalTokens)
	assert.Equal(t, "low", resp.Metadata.ConfidenceLevel)
	assert.True(t, resp.Metadata.FallbackUsed)

	record := env.audits.waitForRecord(t)
	assert.True(t, record.FallbackUsed)
	assert.Equal(t, 0, record.TotalTokens)
}

// spyRedisHook 拦截Redis命令并记录DEL的键，不建立真实连接
type spyRedisHook struct {
	mu   sync.Mutex
	dels []string
}

func (h *spyRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled in tests")
	}
}

func (h *spyRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "del" && len(cmd.Args()) > 1 {
			h.mu.Lock()
			h.dels = append(h.dels, fmt.Sprint(cmd.Args()[1]))
			h.mu.Unlock()
		}
		return nil
	}
}

func (h *spyRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error { return nil }
}

func (h *spyRedisHook) deletedKeys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dels...)
}

func TestQueryFallbackInvalidatesSpendCache(t *testing.T) {
	hook := &spyRedisHook{}
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	redisClient.AddHook(hook)

	env := newTestEnvWithRedis(t, []knowledge.Candidate{
		{RecordID: 1, SourceType: "page", SourceID: "a", Content: "irrelevant", Similarity: 0.30},
	}, redisClient)

	resp, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
	})

	require.NoError(t, err)
	assert.True(t, resp.Metadata.FallbackUsed)

	// 兜底路径也产生嵌入花费，花费缓存必须随之失效
	keys := hook.deletedKeys()
	require.NotEmpty(t, keys)
	assert.Equal(t, fmt.Sprintf("ragcore:spend:%s:%s", testOrgID, testSiteID), keys[0])
}

func TestQueryBlockedOnExhaustedBudget(t *testing.T) {
	env := newTestEnv(t, goodCandidates())
	dayBudget := 10.0
	env.budgets.budget = &models.TenantBudget{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		BudgetDayUSD:   &dayBudget,
	}
	env.audits.daySpend = 12.0

	resp, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
	})

	require.NoError(t, err)
	assert.False(t, env.chat.called)
	assert.Equal(t, blockedMessage, resp.Answer)
	assert.True(t, resp.Metadata.Blocked)
	assert.Equal(t, "BLOCKED", resp.Metadata.CostState)
	assert.Equal(t, 0, resp.Usage.TotalTokens)

	record := env.audits.waitForRecord(t)
	assert.True(t, record.Blocked)
	assert.Equal(t, "BLOCKED", record.CostState)
	assert.Equal(t, 0.0, record.CostUSD)
}

func TestQueryRejectsMalformedTenant(t *testing.T) {
	env := newTestEnv(t, goodCandidates())

	_, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: "not-a-uuid",
		SiteID:         testSiteID,
		Question:       "anything",
	})

	require.Error(t, err)
	assert.False(t, env.chat.called)
}

func TestQueryRejectsCrossTenantSite(t *testing.T) {
	env := newTestEnv(t, goodCandidates())

	_, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: "a8098c1a-f86e-4d33-a6da-b53aeb6c7ab1",
		SiteID:         testSiteID,
		Question:       "anything",
	})

	require.Error(t, err)
	assert.False(t, env.chat.called)
}

func TestQueryDegradesUnderThrottle(t *testing.T) {
	env := newTestEnv(t, goodCandidates())
	dayBudget := 10.0
	env.budgets.budget = &models.TenantBudget{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		BudgetDayUSD:   &dayBudget,
	}
	env.audits.daySpend = 9.5 // 95% → THROTTLED

	resp, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
	})

	require.NoError(t, err)
	assert.True(t, env.chat.called)
	assert.Equal(t, "THROTTLED", resp.Metadata.CostState)
	assert.NotEmpty(t, resp.Metadata.Degradations)
	assert.Equal(t, "gpt-4o-mini", resp.Metadata.Model)
	assert.LessOrEqual(t, resp.Metadata.ChunksUsed, 2)

	env.audits.waitForRecord(t)
}

func TestQueryStreamDeliversDeltas(t *testing.T) {
	env := newTestEnv(t, goodCandidates())

	var deltas []string
	resp, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
		OnDelta: func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		},
	})

	require.NoError(t, err)
	require.NotEmpty(t, deltas)
	assert.Equal(t, resp.Answer, deltas[0])
}

func TestQueryStreamStopsOnDeltaError(t *testing.T) {
	env := newTestEnv(t, goodCandidates())

	_, err := env.service.Query(context.Background(), QueryRequest{
		OrganizationID: testOrgID,
		SiteID:         testSiteID,
		Question:       "what are your pricing plans",
		OnDelta: func(delta string) error {
			return errors.New("client disconnected")
		},
	})

	require.Error(t, err)
}
