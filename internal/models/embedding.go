package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 内容来源类型
const (
	SourceTypePage      = "page"
	SourceTypeAIContent = "ai_content"
	SourceTypeTemplate  = "template"
	SourceTypeWPPost    = "wp_post"
	SourceTypeWPPage    = "wp_page"
	SourceTypeWPMedia   = "wp_media"
	SourceTypeWPTerm    = "wp_term"
)

// ValidSourceType 检查来源类型是否合法
func ValidSourceType(t string) bool {
	switch t {
	case SourceTypePage, SourceTypeAIContent, SourceTypeTemplate,
		SourceTypeWPPost, SourceTypeWPPage, SourceTypeWPMedia, SourceTypeWPTerm:
		return true
	}
	return false
}

// Vector pgvector列类型，序列化为 '[x,y,z]' 字面量
type Vector []float32

// Value 实现driver.Valuer
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

// Scan 实现sql.Scanner
func (v *Vector) Scan(src interface{}) error {
	var s string
	switch raw := src.(type) {
	case nil:
		*v = nil
		return nil
	case string:
		s = raw
	case []byte:
		s = string(raw)
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		*v = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	*v = out
	return nil
}

// GormDataType gorm列类型
func (Vector) GormDataType() string {
	return "vector(1536)"
}

// EmbeddingRecord 租户内容块的向量记录表
// 同一 (租户, 来源, 内容哈希, 模型) 至多一条激活记录；更新走版本化停用，不做物理删除
type EmbeddingRecord struct {
	ID             uint       `gorm:"primaryKey;column:record_id" json:"record_id"`
	OrganizationID string     `gorm:"column:organization_id;size:36;not null;index:idx_embedding_tenant" json:"organization_id"`
	SiteID         string     `gorm:"column:site_id;size:36;not null;index:idx_embedding_tenant" json:"site_id"`
	SourceType     string     `gorm:"column:source_type;size:20;not null;index" json:"source_type"`
	SourceID       string     `gorm:"column:source_id;size:64;not null;index" json:"source_id"`
	Title          string     `gorm:"size:300" json:"title"`
	Slug           string     `gorm:"size:300" json:"slug"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	Embedding      Vector     `gorm:"column:embedding;type:vector(1536)" json:"-"`
	Model          string     `gorm:"size:100;not null" json:"model"`
	ContentHash    string     `gorm:"column:content_hash;size:64;not null;index" json:"content_hash"`
	Version        int        `gorm:"default:1;not null" json:"version"`
	IsActive       bool       `gorm:"column:is_active;default:true;not null;index" json:"is_active"`
	PublishedAt    *time.Time `gorm:"column:published_at" json:"published_at"`
	CreateTime     time.Time  `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime     time.Time  `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (EmbeddingRecord) TableName() string {
	return "embedding_records"
}
