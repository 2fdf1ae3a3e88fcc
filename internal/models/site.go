package models

import (
	"time"
)

// Site 站点归属表（仅做租户校验的最小读模型，CMS本体在外部系统）
type Site struct {
	SiteID         string    `gorm:"primaryKey;column:site_id;size:36" json:"site_id"`
	OrganizationID string    `gorm:"column:organization_id;size:36;not null;index" json:"organization_id"`
	Name           string    `gorm:"size:200" json:"name"`
	CreateTime     time.Time `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
}

func (Site) TableName() string {
	return "sites"
}
