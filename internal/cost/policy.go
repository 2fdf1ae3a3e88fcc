package cost

import (
	"fmt"
	"math"

	"github.com/aihub/rag-core/internal/config"
)

// TenantCostState 租户成本状态
type TenantCostState string

const (
	StateNormal    TenantCostState = "NORMAL"
	StateCaution   TenantCostState = "CAUTION"
	StateThrottled TenantCostState = "THROTTLED"
	StateBlocked   TenantCostState = "BLOCKED"
)

// TenantSpend 租户花费快照（按审计记录滚动聚合，非存储实体）
type TenantSpend struct {
	OrganizationID string   `json:"organization_id"`
	SiteID         string   `json:"site_id"`
	DaySpendUSD    float64  `json:"day_spend_usd"`
	MonthSpendUSD  float64  `json:"month_spend_usd"`
	BudgetDayUSD   *float64 `json:"budget_day_usd,omitempty"`
	BudgetMonthUSD *float64 `json:"budget_month_usd,omitempty"`
}

// CostInfo 状态与花费
type CostInfo struct {
	State  TenantCostState `json:"state"`
	Spend  TenantSpend     `json:"spend"`
	MaxPct float64         `json:"max_pct"`
}

// GenerationPolicy 一次生成调用的参数集
type GenerationPolicy struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	TopK           int
	TopN           int
	EfSearch       int
	HardConfidence float64
}

// PolicyAdjustment 降级后的参数集及动作记录
type PolicyAdjustment struct {
	Policy           GenerationPolicy
	Degradations     []string
	SuppressProvider bool
}

// Policy 预算驱动的降级策略。
// 降级严格单调：状态越严重，参数只会进一步收紧
type Policy struct {
	cfg        config.CostConfig
	cheapModel string
	efMedium   int
	efLow      int
}

// NewPolicy 创建成本策略
func NewPolicy(cfg config.CostConfig, cheapModel string, efMedium, efLow int) *Policy {
	return &Policy{
		cfg:        cfg,
		cheapModel: cheapModel,
		efMedium:   efMedium,
		efLow:      efLow,
	}
}

// StateFor 按日/月花费占预算的最大百分比判定状态。
// 未配置预算时恒为NORMAL
func (p *Policy) StateFor(spend TenantSpend) (TenantCostState, float64) {
	maxPct := 0.0
	if spend.BudgetDayUSD != nil && *spend.BudgetDayUSD > 0 {
		pct := spend.DaySpendUSD / *spend.BudgetDayUSD * 100
		if pct > maxPct {
			maxPct = pct
		}
	}
	if spend.BudgetMonthUSD != nil && *spend.BudgetMonthUSD > 0 {
		pct := spend.MonthSpendUSD / *spend.BudgetMonthUSD * 100
		if pct > maxPct {
			maxPct = pct
		}
	}

	switch {
	case maxPct >= p.cfg.BlockPct:
		return StateBlocked, maxPct
	case maxPct >= p.cfg.ThrottlePct:
		return StateThrottled, maxPct
	case maxPct >= p.cfg.WarnPct:
		return StateCaution, maxPct
	default:
		return StateNormal, maxPct
	}
}

// ApplyDegradation 按状态收紧生成参数
func (p *Policy) ApplyDegradation(state TenantCostState, original GenerationPolicy) PolicyAdjustment {
	adjusted := original
	degradations := []string{}

	switch state {
	case StateBlocked:
		// 完全禁止生成调用，不保留任何模型参数
		return PolicyAdjustment{
			Policy: GenerationPolicy{
				TopK: 0,
				TopN: 0,
			},
			Degradations:     []string{"provider call suppressed: budget exhausted"},
			SuppressProvider: true,
		}

	case StateThrottled:
		adjusted.MaxTokens = int(math.Floor(float64(original.MaxTokens) * 0.5))
		degradations = append(degradations, fmt.Sprintf("max_tokens reduced to %d", adjusted.MaxTokens))

		if adjusted.TopN > 10 {
			adjusted.TopN = 10
			degradations = append(degradations, "top_n capped to 10")
		}
		if adjusted.TopK > 2 {
			adjusted.TopK = 2
			degradations = append(degradations, "top_k floored to 2")
		}
		if p.cheapModel != "" && adjusted.Model != p.cheapModel {
			adjusted.Model = p.cheapModel
			degradations = append(degradations, "model forced to cheapest tier")
		}
		if p.efLow > 0 && adjusted.EfSearch > p.efLow {
			adjusted.EfSearch = p.efLow
			degradations = append(degradations, "ef_search capped low")
		}
		adjusted.HardConfidence = original.HardConfidence + 0.04
		degradations = append(degradations, "hard confidence threshold raised")

	case StateCaution:
		adjusted.MaxTokens = int(math.Floor(float64(original.MaxTokens) * 0.7))
		degradations = append(degradations, fmt.Sprintf("max_tokens reduced to %d", adjusted.MaxTokens))

		if adjusted.TopK > 3 {
			adjusted.TopK--
			if adjusted.TopK < 3 {
				adjusted.TopK = 3
			}
			degradations = append(degradations, fmt.Sprintf("top_k reduced to %d", adjusted.TopK))
		}
		if p.cheapModel != "" && adjusted.Model != p.cheapModel {
			adjusted.Model = p.cheapModel
			degradations = append(degradations, "cheaper model preferred")
		}
		if p.efMedium > 0 && adjusted.EfSearch > p.efMedium {
			adjusted.EfSearch = p.efMedium
			degradations = append(degradations, "ef_search capped medium")
		}
	}

	return PolicyAdjustment{
		Policy:       adjusted,
		Degradations: degradations,
	}
}
