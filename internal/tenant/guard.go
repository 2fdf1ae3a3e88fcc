package tenant

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	apperrors "github.com/aihub/rag-core/internal/errors"
)

// SiteDirectory 站点归属目录（最小只读接口，由基础设施实现）
type SiteDirectory interface {
	BelongsTo(ctx context.Context, siteID, organizationID string) (bool, error)
}

// Guard 租户守卫：所有检索/变更前的统一校验入口
type Guard struct {
	directory SiteDirectory
	validate  *validator.Validate
}

type identifiers struct {
	OrganizationID string `validate:"required,uuid4"`
	SiteID         string `validate:"required,uuid4"`
	UserID         string `validate:"omitempty,uuid4"`
}

// NewGuard 创建租户守卫
func NewGuard(directory SiteDirectory) *Guard {
	return &Guard{
		directory: directory,
		validate:  validator.New(),
	}
}

// Validate 校验标识符并确认site归属organization，返回租户上下文
func (g *Guard) Validate(ctx context.Context, organizationID, siteID, userID string) (Context, error) {
	organizationID = strings.TrimSpace(organizationID)
	siteID = strings.TrimSpace(siteID)
	userID = strings.TrimSpace(userID)

	ids := identifiers{
		OrganizationID: organizationID,
		SiteID:         siteID,
		UserID:         userID,
	}
	if err := g.validate.Struct(ids); err != nil {
		return Context{}, apperrors.NewTenantValidationError("malformed tenant identifiers").WithCause(err)
	}

	ok, err := g.directory.BelongsTo(ctx, siteID, organizationID)
	if err != nil {
		return Context{}, apperrors.NewSystemError(apperrors.ErrCodeDatabase, "site directory lookup failed").WithCause(err)
	}
	if !ok {
		return Context{}, apperrors.NewTenantValidationError(
			fmt.Sprintf("site %s does not belong to organization %s", siteID, organizationID))
	}

	return Context{
		OrganizationID: organizationID,
		SiteID:         siteID,
		UserID:         userID,
	}, nil
}

// BelongsTo 站点归属检查
func (g *Guard) BelongsTo(ctx context.Context, siteID, organizationID string) (bool, error) {
	return g.directory.BelongsTo(ctx, siteID, organizationID)
}

// GormSiteDirectory 基于sites表的目录实现
type GormSiteDirectory struct {
	db *gorm.DB
}

// NewGormSiteDirectory 创建数据库站点目录
func NewGormSiteDirectory(db *gorm.DB) *GormSiteDirectory {
	return &GormSiteDirectory{db: db}
}

func (d *GormSiteDirectory) BelongsTo(ctx context.Context, siteID, organizationID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Table("sites").
		Where("site_id = ? AND organization_id = ?", siteID, organizationID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// StaticSiteDirectory 内存站点目录（测试与单机场景）
type StaticSiteDirectory struct {
	sites map[string]string // siteID -> organizationID
}

// NewStaticSiteDirectory 创建内存站点目录
func NewStaticSiteDirectory(sites map[string]string) *StaticSiteDirectory {
	cloned := make(map[string]string, len(sites))
	for k, v := range sites {
		cloned[k] = v
	}
	return &StaticSiteDirectory{sites: cloned}
}

func (d *StaticSiteDirectory) BelongsTo(_ context.Context, siteID, organizationID string) (bool, error) {
	org, ok := d.sites[siteID]
	return ok && org == organizationID, nil
}
