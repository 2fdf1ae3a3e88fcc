package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/rag-core/internal/config"
	apperrors "github.com/aihub/rag-core/internal/errors"
	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/models"
)

// ClaimOptions 一次领取的参数
type ClaimOptions struct {
	BatchSize int
	WorkerID  string
	JobType   string
	LockTTL   time.Duration
}

// Claimer 基于数据库租约的分布式任务领取器。
// 领取是单条原子语句，两个worker竞争同一任务时至多一个成功；
// 心跳与收尾都以 locked_by 守卫，过期被回收后旧worker的操作全部失效
type Claimer struct {
	db  *gorm.DB
	cfg config.JobsConfig
	now func() time.Time
}

// NewClaimer 创建任务领取器
func NewClaimer(db *gorm.DB, cfg config.JobsConfig) *Claimer {
	return &Claimer{db: db, cfg: cfg, now: time.Now}
}

const claimSQL = `
UPDATE jobs SET
	status = ?,
	locked_by = ?,
	locked_at = ?,
	lock_expires_at = ?,
	last_heartbeat_at = ?,
	processing_started_at = COALESCE(processing_started_at, ?),
	update_time = ?
WHERE job_id IN (
	SELECT job_id FROM jobs
	WHERE status = ?
	  AND attempts < max_attempts
	  AND (run_after IS NULL OR run_after <= ?)
	  AND (lock_expires_at IS NULL OR lock_expires_at < ?)
	  %s
	ORDER BY create_time ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

// ClaimPendingJobs 原子领取至多batchSize条待处理任务
func (c *Claimer) ClaimPendingJobs(ctx context.Context, opts ClaimOptions) ([]models.Job, error) {
	if opts.WorkerID == "" {
		return nil, apperrors.NewMissingRequiredError("worker_id")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = c.cfg.BatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Duration(c.cfg.LockTTLMs) * time.Millisecond
	}

	now := c.now()
	expires := now.Add(opts.LockTTL)

	typeCond := ""
	args := []interface{}{
		models.JobStatusProcessing,
		opts.WorkerID, now, expires, now, now, now,
		models.JobStatusPending, now, now,
	}
	if opts.JobType != "" {
		typeCond = "AND type = ?"
		args = append(args, opts.JobType)
	}
	args = append(args, opts.BatchSize)

	var claimed []models.Job
	sql := fmt.Sprintf(claimSQL, typeCond)
	if err := c.db.WithContext(ctx).Raw(sql, args...).Scan(&claimed).Error; err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to claim jobs").WithCause(err)
	}

	if len(claimed) > 0 {
		logger.Debug("claimed jobs",
			zap.String("worker_id", opts.WorkerID),
			zap.Int("count", len(claimed)))
	}
	return claimed, nil
}

// UpdateHeartbeat 续期租约，仅在仍由该worker持有时生效。
// 任务可能已被其他worker回收，此时返回租约冲突，调用方记日志即可
func (c *Claimer) UpdateHeartbeat(ctx context.Context, jobID uint, workerID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Duration(c.cfg.LockTTLMs) * time.Millisecond
	}
	now := c.now()

	result := c.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("job_id = ? AND locked_by = ? AND status = ?", jobID, workerID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"lock_expires_at":   now.Add(ttl),
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabase, "heartbeat update failed").WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewJobLeaseConflictError(jobID, workerID)
	}
	return nil
}

// RecoverStuckJobs 回收租约过期的processing任务：
// 重试次数耗尽的进入死信，否则清锁回到pending等待重试
func (c *Claimer) RecoverStuckJobs(ctx context.Context) (recovered, deadLettered int, err error) {
	now := c.now()

	var stuck []models.Job
	if err := c.db.WithContext(ctx).
		Where("status = ? AND (lock_expires_at IS NULL OR lock_expires_at < ?)", models.JobStatusProcessing, now).
		Find(&stuck).Error; err != nil {
		return 0, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to scan stuck jobs").WithCause(err)
	}

	for _, job := range stuck {
		// 重新检查过期条件，避免与持有者的心跳竞争
		guard := c.db.WithContext(ctx).
			Model(&models.Job{}).
			Where("job_id = ? AND status = ? AND (lock_expires_at IS NULL OR lock_expires_at < ?)",
				job.ID, models.JobStatusProcessing, now)

		if job.Attempts+1 >= job.MaxAttempts {
			result := guard.Updates(map[string]interface{}{
				"status":          models.JobStatusFailed,
				"attempts":        job.Attempts + 1,
				"last_error":      "lease expired with attempts exhausted",
				"locked_by":       "",
				"locked_at":       nil,
				"lock_expires_at": nil,
			})
			if result.Error != nil {
				return recovered, deadLettered, apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to dead-letter job").WithCause(result.Error)
			}
			if result.RowsAffected > 0 {
				deadLettered++
				logger.Error("job dead-lettered after lease expiry",
					zap.Uint("job_id", job.ID),
					zap.String("type", job.Type),
					zap.Int("attempts", job.Attempts+1))
			}
			continue
		}

		result := guard.Updates(map[string]interface{}{
			"status":          models.JobStatusPending,
			"attempts":        job.Attempts + 1,
			"run_after":       now.Add(c.backoffFor(job.Attempts)),
			"locked_by":       "",
			"locked_at":       nil,
			"lock_expires_at": nil,
		})
		if result.Error != nil {
			return recovered, deadLettered, apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to recover job").WithCause(result.Error)
		}
		if result.RowsAffected > 0 {
			recovered++
			logger.Warn("stuck job recovered",
				zap.Uint("job_id", job.ID),
				zap.String("previous_owner", job.LockedBy),
				zap.Int("attempts", job.Attempts+1))
		}
	}
	return recovered, deadLettered, nil
}

// FinalizeJob 标记任务完成，仅持有者可收尾
func (c *Claimer) FinalizeJob(ctx context.Context, jobID uint, workerID string) error {
	now := c.now()
	result := c.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("job_id = ? AND locked_by = ? AND status = ?", jobID, workerID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":          models.JobStatusCompleted,
			"completed_at":    now,
			"locked_by":       "",
			"locked_at":       nil,
			"lock_expires_at": nil,
		})
	if result.Error != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to finalize job").WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewJobLeaseConflictError(jobID, workerID)
	}
	return nil
}

// FailJob 直接死信，用于不可重试的错误（如租户校验失败），仅持有者可操作
func (c *Claimer) FailJob(ctx context.Context, jobID uint, workerID string, reason string) error {
	result := c.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("job_id = ? AND locked_by = ? AND status = ?", jobID, workerID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":          models.JobStatusFailed,
			"last_error":      reason,
			"locked_by":       "",
			"locked_at":       nil,
			"lock_expires_at": nil,
		})
	if result.Error != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to fail job").WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewJobLeaseConflictError(jobID, workerID)
	}
	logger.Error("job dead-lettered with non-retryable error",
		zap.Uint("job_id", jobID),
		zap.String("reason", reason))
	return nil
}

// RetryJob 处理失败后的重试或死信，仅持有者可操作
func (c *Claimer) RetryJob(ctx context.Context, job *models.Job, workerID string, jobErr error) error {
	now := c.now()
	attempts := job.Attempts + 1
	errorText := ""
	if jobErr != nil {
		errorText = jobErr.Error()
	}

	updates := map[string]interface{}{
		"attempts":        attempts,
		"last_error":      errorText,
		"locked_by":       "",
		"locked_at":       nil,
		"lock_expires_at": nil,
	}
	if attempts >= job.MaxAttempts {
		updates["status"] = models.JobStatusFailed
	} else {
		updates["status"] = models.JobStatusPending
		updates["run_after"] = now.Add(c.backoffFor(job.Attempts))
	}

	result := c.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("job_id = ? AND locked_by = ? AND status = ?", job.ID, workerID, models.JobStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabase, "failed to retry job").WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewJobLeaseConflictError(job.ID, workerID)
	}

	if attempts >= job.MaxAttempts {
		logger.Error("job dead-lettered",
			zap.Uint("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", attempts),
			zap.String("last_error", errorText))
		return apperrors.NewJobExhaustedError(job.ID, attempts)
	}
	return nil
}

// backoffFor 按已重试次数返回退避间隔，超出数组长度取最后一档
func (c *Claimer) backoffFor(attempts int) time.Duration {
	backoff := c.cfg.RetryBackoffMs
	if len(backoff) == 0 {
		return time.Second
	}
	idx := attempts
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(backoff[idx]) * time.Millisecond
}
