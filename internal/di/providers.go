package di

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"gorm.io/gorm"

	"github.com/aihub/rag-core/internal/audit"
	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/cost"
	"github.com/aihub/rag-core/internal/database"
	"github.com/aihub/rag-core/internal/jobs"
	"github.com/aihub/rag-core/internal/kafka"
	"github.com/aihub/rag-core/internal/knowledge"
	"github.com/aihub/rag-core/internal/repository"
	"github.com/aihub/rag-core/internal/services"
	"github.com/aihub/rag-core/internal/tenant"
)

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container) error {
	providers := []interface{}{
		provideConfig,
		provideDB,
		provideRedis,
		provideProducer,
		provideVectorStore,
		provideEmbedder,
		provideGuard,
		provideRetriever,
		provideCostService,
		provideChatProvider,
		provideAssembler,
		provideRecorder,
		provideRAGService,
		provideQueue,
		provideClaimer,
		provideWorker,
		repository.NewEmbeddingRepository,
		repository.NewAuditRepository,
		repository.NewBudgetRepository,
		knowledge.NewReranker,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}

func provideConfig() (*config.Config, error) {
	cfg := config.GetAppConfig()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg, nil
}

func provideDB() (*gorm.DB, error) {
	return database.InitDB()
}

func provideRedis() *redis.Client {
	client, err := database.InitRedis()
	if err != nil {
		// Redis不可用时花费缓存退化为直查数据库
		return nil
	}
	return client
}

func provideProducer(cfg *config.Config) *kafka.Producer {
	if !cfg.Kafka.Enabled {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil
	}
	return producer
}

func provideVectorStore(cfg *config.Config, db *gorm.DB) (knowledge.VectorStore, error) {
	if cfg.VectorStore.Provider == "milvus" {
		return knowledge.NewMilvusVectorStore(knowledge.MilvusOptions{
			Address:    cfg.VectorStore.Milvus.Address,
			Username:   cfg.VectorStore.Milvus.Username,
			Password:   cfg.VectorStore.Milvus.Password,
			Collection: cfg.VectorStore.Milvus.Collection,
			Database:   cfg.VectorStore.Milvus.Database,
			VectorSize: cfg.VectorStore.Milvus.VectorSize,
		}, db)
	}
	return knowledge.NewPgVectorStore(db), nil
}

func provideEmbedder(cfg *config.Config) knowledge.Embedder {
	return knowledge.NewOpenAIEmbedder(cfg.AI.OpenAIAPIKey, cfg.AI.BaseURL, cfg.AI.EmbeddingModel)
}

func provideGuard(db *gorm.DB) *tenant.Guard {
	return tenant.NewGuard(tenant.NewGormSiteDirectory(db))
}

func provideRetriever(store knowledge.VectorStore, embedder knowledge.Embedder, cfg *config.Config) *knowledge.Retriever {
	return knowledge.NewRetriever(store, embedder, cfg.Retrieval)
}

func provideCostService(audits repository.AuditRepository, budgets repository.BudgetRepository, redisClient *redis.Client, cfg *config.Config) *cost.Service {
	tracker := cost.NewSpendTracker(audits, budgets, redisClient,
		time.Duration(cfg.Cost.SpendCacheTTLSeconds)*time.Second)
	policy := cost.NewPolicy(cfg.Cost, cfg.AI.CheapModel,
		cfg.Retrieval.EfSearchMedium, cfg.Retrieval.EfSearchLow)
	return cost.NewService(tracker, policy)
}

func provideChatProvider(cfg *config.Config) services.ChatProvider {
	return services.NewOpenAIChatProvider(cfg.AI)
}

func provideAssembler(cfg *config.Config) *services.PromptAssembler {
	return services.NewPromptAssembler(cfg.AI.MaxTokens + 1000)
}

func provideRecorder(audits repository.AuditRepository, producer *kafka.Producer) *audit.Recorder {
	return audit.NewRecorder(audits, producer)
}

func provideRAGService(
	guard *tenant.Guard,
	retriever *knowledge.Retriever,
	reranker *knowledge.Reranker,
	costSvc *cost.Service,
	assembler *services.PromptAssembler,
	chat services.ChatProvider,
	recorder *audit.Recorder,
	cfg *config.Config,
) *services.RAGService {
	return services.NewRAGService(guard, retriever, reranker, costSvc, assembler, chat, recorder, cfg)
}

func provideQueue(db *gorm.DB, cfg *config.Config) *jobs.Queue {
	return jobs.NewQueue(db, cfg.Jobs.MaxAttempts)
}

func provideClaimer(db *gorm.DB, cfg *config.Config) *jobs.Claimer {
	return jobs.NewClaimer(db, cfg.Jobs)
}

func provideWorker(
	claimer *jobs.Claimer,
	guard *tenant.Guard,
	repo repository.EmbeddingRepository,
	store knowledge.VectorStore,
	embedder knowledge.Embedder,
	queue *jobs.Queue,
	producer *kafka.Producer,
	cfg *config.Config,
) *jobs.Worker {
	var events jobs.EventPublisher
	if producer != nil {
		events = producer
	}
	return jobs.NewWorker("", jobs.WorkerDeps{
		Claimer:  claimer,
		Guard:    guard,
		Repo:     repo,
		Store:    store,
		Embedder: embedder,
		Queue:    queue,
		Events:   events,
	}, cfg.Jobs)
}
