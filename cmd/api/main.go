package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/api/handlers"
	"github.com/portfolio-rag/backend/internal/cache/redis"
	"github.com/portfolio-rag/backend/internal/conversation"
	"github.com/portfolio-rag/backend/internal/ingestion"
	"github.com/portfolio-rag/backend/internal/llm"
	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/internal/middleware/ratelimit"
	"github.com/portfolio-rag/backend/internal/middleware/security"
	"github.com/portfolio-rag/backend/internal/middleware/validation"
	"github.com/portfolio-rag/backend/internal/search"
	"github.com/portfolio-rag/backend/internal/session"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
	"github.com/portfolio-rag/backend/internal/store/rabbitmq"
	"github.com/portfolio-rag/backend/internal/vector/zilliz"
	"github.com/portfolio-rag/backend/pkg/config"
	appLogger "github.com/portfolio-rag/backend/pkg/logger"
)

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

	appLogger.Info("Starting portfolio chat API server")
	log := appLogger.GetLogger()
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}
	if !sqliteClient.FTSAvailable() {
		appLogger.Warn("SQLite built without FTS5 (build with -tags sqlite_fts5), lexical search falls back to LIKE scans")
	}

	readiness := map[string]handlers.Pinger{"sqlite": sqliteClient}

	var embedder llm.Embedder
	var generator handlers.ReplyGenerator
	if cfg.LLM.APIKey != "" {
		llmClient := llm.NewClient(cfg.LLM)
		embedder = llmClient
		generator = llmClient
	} else {
		appLogger.Warn("No LLM API key configured, search runs lexically and replies are disabled")
	}

	if cfg.Redis.Enabled && embedder != nil {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embeddings will not be cached", zap.Error(err))
		} else {
			defer redisClient.Close()
			ttl := time.Duration(cfg.Redis.EmbeddingTTL) * time.Second
			embedder = llm.NewCachedEmbedder(embedder, redisClient, cfg.LLM.EmbeddingModel, ttl, log)
			readiness["redis"] = redisClient
		}
	}

	var vectors search.VectorSearcher = sqliteClient
	var vectorWriter ingestion.VectorWriter
	if cfg.Vector.Backend == "milvus" {
		zillizClient, err := zilliz.NewClient(ctx,
			cfg.Vector.Endpoint,
			cfg.Vector.APIKey,
			cfg.Vector.CollectionName,
			cfg.Vector.VectorDim,
			sqliteClient,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
		}
		defer zillizClient.Close()

		if err := zillizClient.EnsureCollection(ctx); err != nil {
			appLogger.Fatal("Failed to prepare collection", zap.Error(err))
		}
		syncVectors(ctx, sqliteClient, zillizClient)

		vectors = zillizClient
		vectorWriter = zillizClient
	}

	var sink conversation.AnalyticsSink = sqliteClient
	if cfg.Analytics.Sink == "rabbitmq" {
		publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			appLogger.Fatal("Failed to create RabbitMQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		sink = publisher
	}

	recorder := conversation.NewRecorder(sink, conversation.RecorderConfig{
		QueueSize:    cfg.Analytics.QueueSize,
		Workers:      cfg.Analytics.Workers,
		WriteTimeout: cfg.AnalyticsWriteTimeout(),
	}, log)

	sessions := session.NewStore(sqliteClient, cfg.SessionRetryDelay(), log)
	engine := search.NewEngine(sqliteClient, vectors, embedder, log)
	orchestrator := conversation.NewOrchestrator(sessions, engine, recorder, cfg.Chat,
		conversation.WithMaxQueryLength(cfg.Server.MaxQueryLength),
		conversation.WithLogger(log),
	)
	processor := ingestion.NewProcessor(sqliteClient, vectorWriter, embedder)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, " + ratelimit.SessionKeyHeader,
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Server.Environment == "development",
	}))

	guard := validation.Middleware(validation.Config{
		MaxBodySize: cfg.Server.BodyLimit,
		Logger:      log,
	})

	var limiter *ratelimit.RateLimiter
	throttle := func(c *fiber.Ctx) error { return c.Next() }
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
			Logger:               log,
		})
		throttle = limiter.Middleware()
	}

	chatHandler := handlers.NewChatHandler(orchestrator, generator)
	contentHandler := handlers.NewContentHandler(processor)
	healthHandler := handlers.NewHealthHandler(readiness)
	wsHandler := handlers.NewWebSocketHandler(chatHandler)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	chat := api.Group("/chat", guard)
	chat.Post("/turn", throttle, chatHandler.HandleTurn)
	chat.Post("/reply", throttle, chatHandler.RecordReply)
	chat.Get("/session", chatHandler.LookupSession)
	chat.Get("/sessions/:id/messages", chatHandler.GetMessages)
	chat.Delete("/sessions/:id", chatHandler.DeleteSession)

	api.Post("/content", guard, contentHandler.IndexContent)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", throttle, websocket.New(wsHandler.HandleConnection))

	addr := cfg.Address()
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("analytics_sink", cfg.Analytics.Sink),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if err := app.ShutdownWithTimeout(timeout); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if limiter != nil {
		limiter.Stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := recorder.Close(drainCtx); err != nil {
		appLogger.Warn("Analytics queue not fully drained", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// syncVectors copies embedded corpus items into the Milvus collection and
// drops vectors of items that lost their embedding, so it matches the corpus
// on every start.
func syncVectors(ctx context.Context, corpus *sqlite.Client, vectors *zilliz.Client) {
	items, err := corpus.ListContentItems(ctx)
	if err != nil {
		appLogger.Warn("Failed to list corpus for vector sync", zap.Error(err))
		return
	}
	if err := vectors.Upsert(ctx, items); err != nil {
		appLogger.Warn("Failed to sync corpus into vector DB", zap.Error(err))
		return
	}
	for _, item := range items {
		if len(item.Embedding) > 0 {
			continue
		}
		if err := vectors.Delete(ctx, item.ContentType, item.ContentID); err != nil {
			appLogger.Warn("Failed to drop stale vector", zap.String("content_id", item.ContentID), zap.Error(err))
		}
	}
	appLogger.Info("Vector collection synced", zap.Int("items", len(items)))
}
