package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/storage/sqlite"
	"github.com/portfolio-rag/backend/internal/store/rabbitmq"
	"github.com/portfolio-rag/backend/pkg/config"
	appLogger "github.com/portfolio-rag/backend/pkg/logger"
)

// The analytics worker moves records published by the API
// (analytics.sink: rabbitmq) into the SQLite datastore.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	consumer, err := rabbitmq.NewConsumer(
		cfg.RabbitMQ.URL,
		cfg.RabbitMQ.Queue,
		cfg.Analytics.Workers,
		cfg.AnalyticsWriteTimeout(),
		appLogger.GetLogger(),
	)
	if err != nil {
		appLogger.Fatal("Failed to create RabbitMQ consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx, sqliteClient); err != nil {
		appLogger.Error("Analytics consumer stopped", zap.Error(err))
		return
	}
	appLogger.Info("Analytics worker stopped")
}
