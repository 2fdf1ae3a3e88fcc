package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aihub/rag-core/internal/config"
	apperrors "github.com/aihub/rag-core/internal/errors"
	"github.com/aihub/rag-core/internal/kafka"
	"github.com/aihub/rag-core/internal/knowledge"
	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/metrics"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/repository"
	"github.com/aihub/rag-core/internal/tenant"
)

// EventPublisher 任务事件发布接口，nil实现为空操作
type EventPublisher interface {
	Publish(event *kafka.EngineEvent)
}

// Worker 向量生成worker。
// 多实例并行运行时只依赖Claimer的租约协议协调，实例间无共享内存状态
type Worker struct {
	id       string
	claimer  *Claimer
	guard    *tenant.Guard
	repo     repository.EmbeddingRepository
	store    knowledge.VectorStore
	embedder knowledge.Embedder
	contents knowledge.ContentRepository
	queue    *Queue
	events   EventPublisher
	cfg      config.JobsConfig

	sem    *semaphore.Weighted
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerDeps worker依赖集
type WorkerDeps struct {
	Claimer  *Claimer
	Guard    *tenant.Guard
	Repo     repository.EmbeddingRepository
	Store    knowledge.VectorStore
	Embedder knowledge.Embedder
	Contents knowledge.ContentRepository
	Queue    *Queue
	Events   EventPublisher
}

// NewWorker 创建worker，workerID为空时按主机名+随机后缀生成
func NewWorker(workerID string, deps WorkerDeps, cfg config.JobsConfig) *Worker {
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		id:       workerID,
		claimer:  deps.Claimer,
		guard:    deps.Guard,
		repo:     deps.Repo,
		store:    deps.Store,
		embedder: deps.Embedder,
		contents: deps.Contents,
		queue:    deps.Queue,
		events:   deps.Events,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

// ID 返回worker标识
func (w *Worker) ID() string {
	return w.id
}

// Start 启动轮询循环
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()

	logger.Info("embedding worker started",
		zap.String("worker_id", w.id),
		zap.Int("concurrency", w.cfg.MaxConcurrency))
}

// Stop 停止轮询并等待在途任务结束
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logger.Info("embedding worker stopped", zap.String("worker_id", w.id))
}

func (w *Worker) run(ctx context.Context) {
	poll := time.Duration(w.cfg.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		w.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	recovered, deadLettered, err := w.claimer.RecoverStuckJobs(ctx)
	if err != nil {
		logger.Error("stuck job recovery failed", zap.Error(err))
	}
	if recovered > 0 {
		metrics.JobsRecovered.Add(float64(recovered))
	}
	if deadLettered > 0 {
		metrics.JobsCompleted.WithLabelValues("dead_lettered").Add(float64(deadLettered))
	}

	claimed, err := w.claimer.ClaimPendingJobs(ctx, ClaimOptions{
		BatchSize: w.cfg.BatchSize,
		WorkerID:  w.id,
	})
	if err != nil {
		logger.Error("job claim failed", zap.Error(err))
		return
	}
	metrics.JobsClaimed.Add(float64(len(claimed)))

	for i := range claimed {
		job := claimed[i]
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.processJob(ctx, &job)
		}()
	}
}

// processJob 处理一条已领取的任务，附带心跳续租
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()
	defer func() {
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(heartbeatCtx, job.ID)

	var err error
	switch job.Type {
	case models.JobTypeGenerateEmbedding:
		err = w.processEmbedding(ctx, job)
	case models.JobTypeReindexSource:
		err = w.processReindex(ctx, job)
	default:
		err = apperrors.NewInvalidInputError("type", fmt.Sprintf("unknown job type %q", job.Type))
	}

	if err == nil {
		w.finalize(ctx, job)
		return
	}
	w.handleFailure(ctx, job, err)
}

func (w *Worker) heartbeatLoop(ctx context.Context, jobID uint) {
	interval := time.Duration(w.cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.claimer.UpdateHeartbeat(ctx, jobID, w.id, time.Duration(w.cfg.LockTTLMs)*time.Millisecond)
			if err != nil {
				if apperrors.IsJobLeaseConflict(err) {
					// 任务已被其他worker回收，预期内的竞态
					logger.Warn("heartbeat lost job lease",
						zap.Uint("job_id", jobID),
						zap.String("worker_id", w.id))
					return
				}
				logger.Error("heartbeat failed", zap.Uint("job_id", jobID), zap.Error(err))
			}
		}
	}
}

func (w *Worker) finalize(ctx context.Context, job *models.Job) {
	if err := w.claimer.FinalizeJob(ctx, job.ID, w.id); err != nil {
		if apperrors.IsJobLeaseConflict(err) {
			// 租约过期后完成的结果视为过期，丢弃
			logger.Warn("finalize rejected, lease no longer held",
				zap.Uint("job_id", job.ID),
				zap.String("worker_id", w.id))
			return
		}
		logger.Error("finalize failed", zap.Uint("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.JobsCompleted.WithLabelValues("completed").Inc()
	w.publishJobEvent(kafka.EventJobCompleted, job, "")
}

func (w *Worker) handleFailure(ctx context.Context, job *models.Job, jobErr error) {
	logger.Warn("job processing failed",
		zap.Uint("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.Error(jobErr))

	// 租户校验失败不可重试，直接死信
	if apperrors.IsTenantValidation(jobErr) || apperrors.HasCode(jobErr, apperrors.ErrCodeInvalidInput) {
		if err := w.claimer.FailJob(ctx, job.ID, w.id, jobErr.Error()); err != nil && !apperrors.IsJobLeaseConflict(err) {
			logger.Error("dead-letter failed", zap.Uint("job_id", job.ID), zap.Error(err))
		}
		metrics.JobsCompleted.WithLabelValues("dead_lettered").Inc()
		w.publishJobEvent(kafka.EventJobDeadLetter, job, jobErr.Error())
		return
	}

	err := w.claimer.RetryJob(ctx, job, w.id, jobErr)
	switch {
	case err == nil:
		metrics.JobsCompleted.WithLabelValues("retried").Inc()
		w.publishJobEvent(kafka.EventJobRetried, job, jobErr.Error())
	case apperrors.HasCode(err, apperrors.ErrCodeJobExhausted):
		metrics.JobsCompleted.WithLabelValues("dead_lettered").Inc()
		w.publishJobEvent(kafka.EventJobDeadLetter, job, jobErr.Error())
	case apperrors.IsJobLeaseConflict(err):
		logger.Warn("retry rejected, lease no longer held", zap.Uint("job_id", job.ID))
	default:
		logger.Error("retry failed", zap.Uint("job_id", job.ID), zap.Error(err))
	}
}

// ContentHash 内容哈希，嵌入记录的幂等键
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// processEmbedding 处理一条向量生成任务：
// 先按内容哈希做幂等检查，已有激活记录时直接短路成功
func (w *Worker) processEmbedding(ctx context.Context, job *models.Job) error {
	var payload models.EmbeddingJobPayload
	if err := json.Unmarshal([]byte(job.Data), &payload); err != nil {
		return apperrors.NewInvalidInputError("data", "malformed embedding payload").WithCause(err)
	}

	tc, err := w.guard.Validate(ctx, payload.OrganizationID, payload.SiteID, "")
	if err != nil {
		return err
	}
	if !models.ValidSourceType(payload.SourceType) {
		return apperrors.NewInvalidInputError("source_type", fmt.Sprintf("unknown source type %q", payload.SourceType))
	}
	if payload.Content == "" {
		return apperrors.NewInvalidInputError("content", "must not be empty")
	}

	model := payload.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	hash := ContentHash(payload.Content)

	existing, err := w.repo.FindActiveByHash(ctx, tc, payload.SourceType, payload.SourceID, hash, model)
	if err != nil {
		return err
	}
	if existing != nil {
		metrics.EmbeddingDedupHits.Inc()
		logger.Debug("embedding already active, skipping",
			zap.Uint("record_id", existing.ID),
			zap.String("content_hash", hash))
		return nil
	}

	result, err := w.embedder.Embed(ctx, payload.Content)
	if err != nil {
		return err
	}

	version, err := w.repo.NextVersion(ctx, tc, payload.SourceType, payload.SourceID)
	if err != nil {
		return err
	}

	record := &models.EmbeddingRecord{
		OrganizationID: tc.OrganizationID,
		SiteID:         tc.SiteID,
		SourceType:     payload.SourceType,
		SourceID:       payload.SourceID,
		Title:          payload.Title,
		Slug:           payload.Slug,
		Content:        payload.Content,
		Embedding:      models.Vector(result.Vector),
		Model:          model,
		ContentHash:    hash,
		Version:        version,
		IsActive:       true,
	}
	if err := w.repo.Insert(ctx, record); err != nil {
		return err
	}
	// 旧版本的停用交给存储实现，保证外部向量库的副本同步移除
	if err := w.store.DeactivateSuperseded(ctx, tc, payload.SourceType, payload.SourceID, record.ID); err != nil {
		return err
	}
	if err := w.store.Upsert(ctx, record); err != nil {
		return err
	}

	logger.Info("embedding record created",
		zap.Uint("record_id", record.ID),
		zap.String("source_type", payload.SourceType),
		zap.String("source_id", payload.SourceID),
		zap.Int("version", version),
		zap.Int("tokens", result.TokensUsed))
	return nil
}

// processReindex 重建来源索引：停用旧记录，内容仍存在时重新入队生成
func (w *Worker) processReindex(ctx context.Context, job *models.Job) error {
	var payload models.ReindexJobPayload
	if err := json.Unmarshal([]byte(job.Data), &payload); err != nil {
		return apperrors.NewInvalidInputError("data", "malformed reindex payload").WithCause(err)
	}

	tc, err := w.guard.Validate(ctx, payload.OrganizationID, payload.SiteID, "")
	if err != nil {
		return err
	}

	if err := w.store.DeactivateSource(ctx, tc, payload.SourceType, payload.SourceID); err != nil {
		return err
	}

	if w.contents != nil && w.queue != nil {
		content, err := w.contents.FetchContent(ctx, tc, payload.SourceType, payload.SourceID)
		if err != nil {
			return err
		}
		if content != nil && content.Content != "" {
			_, err := w.queue.EnqueueEmbedding(ctx, tc, models.EmbeddingJobPayload{
				SourceType: payload.SourceType,
				SourceID:   payload.SourceID,
				Title:      content.Title,
				Slug:       content.Slug,
				Content:    content.Content,
			})
			if err != nil {
				return err
			}
		}
	}

	w.publishEvent(kafka.EventSourceReindexed, tc, map[string]interface{}{
		"source_type": payload.SourceType,
		"source_id":   payload.SourceID,
	})
	return nil
}

func (w *Worker) publishJobEvent(eventType string, job *models.Job, errorText string) {
	if w.events == nil {
		return
	}
	payload := map[string]interface{}{
		"job_type": job.Type,
		"attempts": job.Attempts,
	}
	if errorText != "" {
		payload["error"] = errorText
	}
	w.events.Publish(&kafka.EngineEvent{
		Type:    eventType,
		JobID:   job.ID,
		Payload: payload,
	})
}

func (w *Worker) publishEvent(eventType string, tc tenant.Context, payload map[string]interface{}) {
	if w.events == nil {
		return
	}
	w.events.Publish(&kafka.EngineEvent{
		Type:           eventType,
		OrganizationID: tc.OrganizationID,
		SiteID:         tc.SiteID,
		Payload:        payload,
	})
}
