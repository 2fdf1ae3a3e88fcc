package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// auditRepository 审计记录仓库实现
type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建审计记录仓库
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *auditRepository) SpendBetween(ctx context.Context, tc tenant.Context, from, to time.Time) (float64, error) {
	if !tc.Valid() {
		return 0, errors.New("tenant context required")
	}

	var total float64
	err := r.db.WithContext(ctx).
		Model(&models.AuditRecord{}).
		Where("organization_id = ? AND site_id = ?", tc.OrganizationID, tc.SiteID).
		Where("create_time >= ? AND create_time < ?", from, to).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// budgetRepository 租户预算仓库实现
type budgetRepository struct {
	db *gorm.DB
}

// NewBudgetRepository 创建租户预算仓库
func NewBudgetRepository(db *gorm.DB) BudgetRepository {
	return &budgetRepository{db: db}
}

func (r *budgetRepository) GetBudget(ctx context.Context, tc tenant.Context) (*models.TenantBudget, error) {
	if !tc.Valid() {
		return nil, errors.New("tenant context required")
	}

	var budget models.TenantBudget
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND site_id = ?", tc.OrganizationID, tc.SiteID).
		First(&budget).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &budget, nil
}

func (r *budgetRepository) SetBudget(ctx context.Context, budget *models.TenantBudget) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "site_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"budget_day_usd", "budget_month_usd", "update_time"}),
		}).
		Create(budget).Error
}
