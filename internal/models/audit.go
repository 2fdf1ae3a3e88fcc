package models

import (
	"time"
)

// AuditRecord 查询审计表（每次查询/任务结果一条，不可变）
// 存prompt哈希而非原文
type AuditRecord struct {
	ID             uint      `gorm:"primaryKey;column:audit_id" json:"audit_id"`
	RequestID      string    `gorm:"column:request_id;size:36;not null;index" json:"request_id"`
	OrganizationID string    `gorm:"column:organization_id;size:36;not null;index:idx_audit_tenant_time" json:"organization_id"`
	SiteID         string    `gorm:"column:site_id;size:36;not null;index:idx_audit_tenant_time" json:"site_id"`
	UserID         string    `gorm:"column:user_id;size:36" json:"user_id"`
	PromptHash     string    `gorm:"column:prompt_hash;size:64" json:"prompt_hash"`
	Model          string    `gorm:"size:100" json:"model"`
	InputTokens    int       `gorm:"column:input_tokens;default:0;not null" json:"input_tokens"`
	OutputTokens   int       `gorm:"column:output_tokens;default:0;not null" json:"output_tokens"`
	TotalTokens    int       `gorm:"column:total_tokens;default:0;not null" json:"total_tokens"`
	CostUSD        float64   `gorm:"column:cost_usd;default:0;not null" json:"cost_usd"`
	ConfidenceLvl  string    `gorm:"column:confidence_level;size:10" json:"confidence_level"`
	ConfidenceVal  float64   `gorm:"column:confidence_score;default:0" json:"confidence_score"`
	CostState      string    `gorm:"column:cost_state;size:10" json:"cost_state"`
	Degradations   string    `gorm:"column:degradations;type:text" json:"degradations"` // JSON数组，降级动作
	ChunksUsed     int       `gorm:"column:chunks_used;default:0" json:"chunks_used"`
	FallbackUsed   bool      `gorm:"column:fallback_used;default:false;not null" json:"fallback_used"`
	Blocked        bool      `gorm:"default:false;not null" json:"blocked"`
	DurationMs     int64     `gorm:"column:duration_ms;default:0" json:"duration_ms"`
	CreateTime     time.Time `gorm:"column:create_time;not null;autoCreateTime;index:idx_audit_tenant_time" json:"create_time"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}

// TenantBudget 租户预算表（美元，空指针表示未配置）
type TenantBudget struct {
	ID             uint      `gorm:"primaryKey;column:budget_id" json:"budget_id"`
	OrganizationID string    `gorm:"column:organization_id;size:36;not null;uniqueIndex:uniq_budget_tenant" json:"organization_id"`
	SiteID         string    `gorm:"column:site_id;size:36;not null;uniqueIndex:uniq_budget_tenant" json:"site_id"`
	BudgetDayUSD   *float64  `gorm:"column:budget_day_usd" json:"budget_day_usd"`
	BudgetMonthUSD *float64  `gorm:"column:budget_month_usd" json:"budget_month_usd"`
	CreateTime     time.Time `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime     time.Time `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (TenantBudget) TableName() string {
	return "tenant_budgets"
}
