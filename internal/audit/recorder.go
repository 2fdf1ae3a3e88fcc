package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/rag-core/internal/kafka"
	"github.com/aihub/rag-core/internal/logger"
	"github.com/aihub/rag-core/internal/metrics"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/repository"
	"github.com/aihub/rag-core/internal/tenant"
)

// Interaction 一次查询/任务的审计输入。
// 只存prompt哈希，不存原文
type Interaction struct {
	RequestID       string
	Tenant          tenant.Context
	Prompt          string
	Model           string
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CostUSD         float64
	ConfidenceLevel string
	ConfidenceScore float64
	CostState       string
	Degradations    []string
	ChunksUsed      int
	FallbackUsed    bool
	Blocked         bool
	Duration        time.Duration
}

// EventPublisher 审计事件发布接口
type EventPublisher interface {
	Publish(event *kafka.EngineEvent)
}

// Recorder 审计落库器。
// 写入异步执行且失败只记日志，绝不阻塞查询响应
type Recorder struct {
	audits repository.AuditRepository
	events EventPublisher
}

// NewRecorder 创建审计落库器，events可为nil
func NewRecorder(audits repository.AuditRepository, events EventPublisher) *Recorder {
	return &Recorder{audits: audits, events: events}
}

// PromptHash prompt的sha256哈希
func PromptHash(prompt string) string {
	if prompt == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Record 异步持久化审计记录
func (r *Recorder) Record(interaction *Interaction) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.record(ctx, interaction)
	}()
}

// RecordSync 同步持久化，测试与关停前冲刷用
func (r *Recorder) RecordSync(ctx context.Context, interaction *Interaction) {
	r.record(ctx, interaction)
}

func (r *Recorder) record(ctx context.Context, interaction *Interaction) {
	degradations := "[]"
	if len(interaction.Degradations) > 0 {
		if raw, err := json.Marshal(interaction.Degradations); err == nil {
			degradations = string(raw)
		}
	}

	record := &models.AuditRecord{
		RequestID:      interaction.RequestID,
		OrganizationID: interaction.Tenant.OrganizationID,
		SiteID:         interaction.Tenant.SiteID,
		UserID:         interaction.Tenant.UserID,
		PromptHash:     PromptHash(interaction.Prompt),
		Model:          interaction.Model,
		InputTokens:    interaction.InputTokens,
		OutputTokens:   interaction.OutputTokens,
		TotalTokens:    interaction.TotalTokens,
		CostUSD:        interaction.CostUSD,
		ConfidenceLvl:  interaction.ConfidenceLevel,
		ConfidenceVal:  interaction.ConfidenceScore,
		CostState:      interaction.CostState,
		Degradations:   degradations,
		ChunksUsed:     interaction.ChunksUsed,
		FallbackUsed:   interaction.FallbackUsed,
		Blocked:        interaction.Blocked,
		DurationMs:     interaction.Duration.Milliseconds(),
	}

	if err := r.audits.Insert(ctx, record); err != nil {
		logger.Error("audit record insert failed",
			zap.String("request_id", interaction.RequestID),
			zap.Error(err))
		return
	}

	if interaction.CostUSD > 0 {
		metrics.ProviderCostUSD.Add(interaction.CostUSD)
	}

	if r.events != nil {
		eventType := kafka.EventQueryAnswered
		if interaction.Blocked {
			eventType = kafka.EventQueryBlocked
		} else if interaction.FallbackUsed {
			eventType = kafka.EventQueryFallback
		}
		r.events.Publish(&kafka.EngineEvent{
			Type:           eventType,
			OrganizationID: interaction.Tenant.OrganizationID,
			SiteID:         interaction.Tenant.SiteID,
			RequestID:      interaction.RequestID,
			Payload: map[string]interface{}{
				"cost_usd":         interaction.CostUSD,
				"total_tokens":     interaction.TotalTokens,
				"confidence_level": interaction.ConfidenceLevel,
				"cost_state":       interaction.CostState,
			},
		})
	}
}
