package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/rag-core/internal/config"
	"github.com/aihub/rag-core/internal/database"
	"github.com/aihub/rag-core/internal/di"
	"github.com/aihub/rag-core/internal/jobs"
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

	container := dig.New()
	if err := di.RegisterProviders(container); err != nil {
		log.Fatalf("failed to register providers: %v", err)
	}

	err := container.Invoke(func(worker *jobs.Worker, cfg *config.Config) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Prometheus.Enabled {
			go func() {
				http.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(":9090", nil); err != nil {
					logger.Error("metrics endpoint failed", zap.Error(err))
				}
			}()
		}

		worker.Start(ctx)
		logger.Info("🚀 Embedding worker running", zap.String("worker_id", worker.ID()))

		<-ctx.Done()
		logger.Info("shutdown signal received")
		worker.Stop()

		database.CloseDB()
		database.CloseRedis()
	})
	if err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}
}
