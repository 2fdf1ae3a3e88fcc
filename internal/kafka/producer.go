package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/rag-core/internal/logger"
)

// 事件类型
const (
	EventQueryAnswered   = "query_answered"
	EventQueryFallback   = "query_fallback"
	EventQueryBlocked    = "query_blocked"
	EventJobCompleted    = "job_completed"
	EventJobRetried      = "job_retried"
	EventJobDeadLetter   = "job_dead_lettered"
	EventSourceReindexed = "source_reindexed"
)

// EngineEvent 引擎事件消息
type EngineEvent struct {
	Type           string                 `json:"type"`
	OrganizationID string                 `json:"organization_id"`
	SiteID         string                 `json:"site_id"`
	RequestID      string                 `json:"request_id,omitempty"`
	JobID          uint                   `json:"job_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Producer Kafka生产者。nil安全：未配置Kafka时Publish为空操作
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer 创建Kafka生产者
func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &Producer{producer: producer, topic: topic}, nil
}

// Publish 发送引擎事件。失败只记日志，绝不阻塞主流程
func (p *Producer) Publish(event *EngineEvent) {
	if p == nil || p.producer == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("序列化事件失败", zap.Error(err))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%s-%s", event.OrganizationID, event.SiteID)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.Type),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("发送Kafka消息失败", zap.Error(err), zap.String("event_type", event.Type))
		return
	}

	logger.Debug("Kafka事件发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("event_type", event.Type))
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
