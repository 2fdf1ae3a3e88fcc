package main

import (
	"log"

	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/database"
	"github.com/aihub/rag-core/internal/logger"
)

func main() {
	if err := logger.InitLogger(); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.CloseDB()

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	logger.Info("database migration completed")
}
