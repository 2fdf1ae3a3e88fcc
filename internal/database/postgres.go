package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/models"
)

var DB *gorm.DB

func InitDB() (*gorm.DB, error) {
	cfg := config.AppConfig
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层的sql.DB设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	if err := AutoMigrate(db); err != nil {
		log.Printf("⚠️  Database migration warning: %v", err)
	}

	DB = db
	log.Println("✅ Database connected successfully")
	return db, nil
}

// AutoMigrate 迁移引擎相关表（按依赖顺序）
func AutoMigrate(db *gorm.DB) error {
	// pgvector扩展缺失时只记录告警，该库上的向量检索不可用
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		log.Printf("⚠️  pgvector extension unavailable: %v", err)
	}

	if err := db.AutoMigrate(&models.Site{}); err != nil {
		log.Printf("⚠️  Failed to migrate sites: %v", err)
	}

	if err := db.AutoMigrate(&models.EmbeddingRecord{}); err != nil {
		log.Printf("⚠️  Failed to migrate embedding_records: %v", err)
		// AutoMigrate失败时手动创建
		db.Exec(`
			CREATE TABLE IF NOT EXISTS embedding_records (
				record_id bigserial PRIMARY KEY,
				organization_id varchar(36) NOT NULL,
				site_id varchar(36) NOT NULL,
				source_type varchar(20) NOT NULL,
				source_id varchar(64) NOT NULL,
				title varchar(300),
				slug varchar(300),
				content text NOT NULL,
				embedding vector(1536),
				model varchar(100) NOT NULL,
				content_hash varchar(64) NOT NULL,
				version integer NOT NULL DEFAULT 1,
				is_active boolean NOT NULL DEFAULT true,
				published_at timestamptz,
				create_time timestamptz NOT NULL DEFAULT NOW(),
				update_time timestamptz
			)
		`)
	}

	// 激活记录去重约束：同 (租户, 来源, 哈希, 模型) 至多一条激活记录
	db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_embedding_active
		ON embedding_records (organization_id, site_id, source_type, source_id, content_hash, model)
		WHERE is_active
	`)

	if err := db.AutoMigrate(&models.Job{}); err != nil {
		log.Printf("⚠️  Failed to migrate jobs: %v", err)
		db.Exec(`
			CREATE TABLE IF NOT EXISTS jobs (
				job_id bigserial PRIMARY KEY,
				type varchar(50) NOT NULL,
				status varchar(20) NOT NULL DEFAULT 'pending',
				data text NOT NULL,
				attempts integer NOT NULL DEFAULT 0,
				max_attempts integer NOT NULL DEFAULT 3,
				last_error text,
				locked_by varchar(100),
				locked_at timestamptz,
				lock_expires_at timestamptz,
				last_heartbeat_at timestamptz,
				processing_started_at timestamptz,
				run_after timestamptz,
				completed_at timestamptz,
				create_time timestamptz NOT NULL DEFAULT NOW(),
				update_time timestamptz
			)
		`)
	}

	if err := db.AutoMigrate(&models.AuditRecord{}); err != nil {
		log.Printf("⚠️  Failed to migrate audit_records: %v", err)
	}

	if err := db.AutoMigrate(&models.TenantBudget{}); err != nil {
		log.Printf("⚠️  Failed to migrate tenant_budgets: %v", err)
	}

	return nil
}

func CloseDB() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
