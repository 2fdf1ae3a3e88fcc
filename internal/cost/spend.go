package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/repository"
	"github.com/aihub/rag-core/internal/tenant"
)

// SpendTracker 按审计表聚合租户花费，短TTL的Redis缓存减轻聚合压力
type SpendTracker struct {
	audits  repository.AuditRepository
	budgets repository.BudgetRepository
	redis   *redis.Client
	ttl     time.Duration
	now     func() time.Time
}

// NewSpendTracker 创建花费跟踪器，redisClient可为nil（直接走数据库）
func NewSpendTracker(audits repository.AuditRepository, budgets repository.BudgetRepository, redisClient *redis.Client, cacheTTL time.Duration) *SpendTracker {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &SpendTracker{
		audits:  audits,
		budgets: budgets,
		redis:   redisClient,
		ttl:     cacheTTL,
		now:     time.Now,
	}
}

func spendCacheKey(tc tenant.Context) string {
	return fmt.Sprintf("ragcore:spend:%s:%s", tc.OrganizationID, tc.SiteID)
}

// GetTenantSpend 读取租户当日/当月花费与预算
func (t *SpendTracker) GetTenantSpend(ctx context.Context, tc tenant.Context) (*TenantSpend, error) {
	if cached := t.fromCache(ctx, tc); cached != nil {
		return cached, nil
	}

	now := t.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daySpend, err := t.audits.SpendBetween(ctx, tc, dayStart, now)
	if err != nil {
		return nil, err
	}
	monthSpend, err := t.audits.SpendBetween(ctx, tc, monthStart, now)
	if err != nil {
		return nil, err
	}

	spend := &TenantSpend{
		OrganizationID: tc.OrganizationID,
		SiteID:         tc.SiteID,
		DaySpendUSD:    daySpend,
		MonthSpendUSD:  monthSpend,
	}

	budget, err := t.budgets.GetBudget(ctx, tc)
	if err != nil {
		return nil, err
	}
	if budget != nil {
		spend.BudgetDayUSD = budget.BudgetDayUSD
		spend.BudgetMonthUSD = budget.BudgetMonthUSD
	}

	t.toCache(ctx, tc, spend)
	return spend, nil
}

// Invalidate 记账后清除缓存，让下次读取看到最新花费
func (t *SpendTracker) Invalidate(ctx context.Context, tc tenant.Context) {
	if t.redis == nil {
		return
	}
	if err := t.redis.Del(ctx, spendCacheKey(tc)).Err(); err != nil {
		logger.Debug("spend cache invalidate failed", zap.Error(err))
	}
}

func (t *SpendTracker) fromCache(ctx context.Context, tc tenant.Context) *TenantSpend {
	if t.redis == nil {
		return nil
	}
	raw, err := t.redis.Get(ctx, spendCacheKey(tc)).Result()
	if err != nil {
		return nil
	}
	var spend TenantSpend
	if err := json.Unmarshal([]byte(raw), &spend); err != nil {
		return nil
	}
	return &spend
}

func (t *SpendTracker) toCache(ctx context.Context, tc tenant.Context, spend *TenantSpend) {
	if t.redis == nil {
		return
	}
	raw, err := json.Marshal(spend)
	if err != nil {
		return
	}
	if err := t.redis.Set(ctx, spendCacheKey(tc), raw, t.ttl).Err(); err != nil {
		logger.Debug("spend cache write failed", zap.Error(err))
	}
}

// Service 成本策略对外入口
type Service struct {
	tracker *SpendTracker
	policy  *Policy
}

// NewService 创建成本服务
func NewService(tracker *SpendTracker, policy *Policy) *Service {
	return &Service{tracker: tracker, policy: policy}
}

// GetTenantCostInfo 返回租户当前成本状态与花费
func (s *Service) GetTenantCostInfo(ctx context.Context, tc tenant.Context) (*CostInfo, error) {
	spend, err := s.tracker.GetTenantSpend(ctx, tc)
	if err != nil {
		return nil, err
	}
	state, maxPct := s.policy.StateFor(*spend)
	return &CostInfo{
		State:  state,
		Spend:  *spend,
		MaxPct: maxPct,
	}, nil
}

// ApplyDegradation 按状态调整生成参数
func (s *Service) ApplyDegradation(state TenantCostState, original GenerationPolicy) PolicyAdjustment {
	return s.policy.ApplyDegradation(state, original)
}

// Invalidate 记账后清除该租户的花费缓存
func (s *Service) Invalidate(ctx context.Context, tc tenant.Context) {
	s.tracker.Invalidate(ctx, tc)
}
