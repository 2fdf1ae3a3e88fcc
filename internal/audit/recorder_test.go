package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-core/internal/kafka"
	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

type memAuditRepo struct {
	records []*models.AuditRecord
}

func (r *memAuditRepo) Insert(ctx context.Context, record *models.AuditRecord) error {
	r.records = append(r.records, record)
	return nil
}

func (r *memAuditRepo) SpendBetween(ctx context.Context, tc tenant.Context, from, to time.Time) (float64, error) {
	return 0, nil
}

type memPublisher struct {
	events []*kafka.EngineEvent
}

func (p *memPublisher) Publish(event *kafka.EngineEvent) {
	p.events = append(p.events, event)
}

func TestPromptHash(t *testing.T) {
	assert.Equal(t, "", PromptHash(""))
	assert.Len(t, PromptHash("what are your opening hours"), 64)
	assert.Equal(t, PromptHash("same"), PromptHash("same"))
	assert.NotEqual(t, PromptHash("same"), PromptHash("different"))
}

func TestRecordSyncPersistsHashNotPrompt(t *testing.T) {
	repo := &memAuditRepo{}
	recorder := NewRecorder(repo, nil)

	recorder.RecordSync(context.Background(), &Interaction{
		RequestID:       "req-1",
		Tenant:          tenant.Context{OrganizationID: "org", SiteID: "site", UserID: "user"},
		Prompt:          "what are your opening hours",
		Model:           "gpt-4o",
		TotalTokens:     120,
		CostUSD:         0.002,
		ConfidenceLevel: "high",
		CostState:       "NORMAL",
		Degradations:    []string{"top_k reduced to 5"},
		ChunksUsed:      3,
		Duration:        250 * time.Millisecond,
	})

	require.Len(t, repo.records, 1)
	record := repo.records[0]
	assert.Equal(t, "req-1", record.RequestID)
	assert.Equal(t, PromptHash("what are your opening hours"), record.PromptHash)
	assert.NotContains(t, record.PromptHash, "opening")
	assert.Equal(t, `["top_k reduced to 5"]`, record.Degradations)
	assert.Equal(t, int64(250), record.DurationMs)
}

func TestRecordSyncPublishesOutcomeEvent(t *testing.T) {
	repo := &memAuditRepo{}
	publisher := &memPublisher{}
	recorder := NewRecorder(repo, publisher)

	recorder.RecordSync(context.Background(), &Interaction{
		RequestID:    "req-2",
		Tenant:       tenant.Context{OrganizationID: "org", SiteID: "site"},
		FallbackUsed: true,
	})
	recorder.RecordSync(context.Background(), &Interaction{
		RequestID: "req-3",
		Tenant:    tenant.Context{OrganizationID: "org", SiteID: "site"},
		Blocked:   true,
	})

	require.Len(t, publisher.events, 2)
	assert.Equal(t, kafka.EventQueryFallback, publisher.events[0].Type)
	assert.Equal(t, kafka.EventQueryBlocked, publisher.events[1].Type)
	assert.Equal(t, "req-2", publisher.events[0].RequestID)
}
