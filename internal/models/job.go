package models

import (
	"time"
)

// 任务状态
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// 任务类型
const (
	JobTypeGenerateEmbedding = "generate_embedding"
	JobTypeReindexSource     = "reindex_source"
)

// Job 后台任务表（租约字段支持多worker原子领取）
type Job struct {
	ID                  uint       `gorm:"primaryKey;column:job_id" json:"job_id"`
	Type                string     `gorm:"size:50;not null;index" json:"type"`
	Status              string     `gorm:"size:20;not null;default:pending;index:idx_jobs_claim" json:"status"`
	Data                string     `gorm:"type:text;not null" json:"data"` // JSON负载，按Type解码
	Attempts            int        `gorm:"default:0;not null" json:"attempts"`
	MaxAttempts         int        `gorm:"column:max_attempts;default:3;not null" json:"max_attempts"`
	LastError           string     `gorm:"column:last_error;type:text" json:"last_error"`
	LockedBy            string     `gorm:"column:locked_by;size:100;index" json:"locked_by"`
	LockedAt            *time.Time `gorm:"column:locked_at" json:"locked_at"`
	LockExpiresAt       *time.Time `gorm:"column:lock_expires_at;index:idx_jobs_claim" json:"lock_expires_at"`
	LastHeartbeatAt     *time.Time `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at"`
	ProcessingStartedAt *time.Time `gorm:"column:processing_started_at" json:"processing_started_at"`
	RunAfter            *time.Time `gorm:"column:run_after;index" json:"run_after"` // 重试退避的最早执行时间
	CompletedAt         *time.Time `gorm:"column:completed_at" json:"completed_at"`
	CreateTime          time.Time  `gorm:"column:create_time;not null;autoCreateTime;index" json:"create_time"`
	UpdateTime          time.Time  `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (Job) TableName() string {
	return "jobs"
}

// IsTerminal 任务是否处于终态
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// LeaseExpired 租约是否已过期
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusProcessing &&
		(j.LockExpiresAt == nil || j.LockExpiresAt.Before(now))
}

// EmbeddingJobPayload generate_embedding任务的负载
type EmbeddingJobPayload struct {
	OrganizationID string `json:"organization_id"`
	SiteID         string `json:"site_id"`
	SourceType     string `json:"source_type"`
	SourceID       string `json:"source_id"`
	Title          string `json:"title,omitempty"`
	Slug           string `json:"slug,omitempty"`
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`
}

// ReindexJobPayload reindex_source任务的负载
type ReindexJobPayload struct {
	OrganizationID string `json:"organization_id"`
	SiteID         string `json:"site_id"`
	SourceType     string `json:"source_type"`
	SourceID       string `json:"source_id"`
}
