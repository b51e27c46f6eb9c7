package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/evaluation"
	"github.com/portfolio-rag/backend/internal/llm"
	"github.com/portfolio-rag/backend/internal/search"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
	"github.com/portfolio-rag/backend/pkg/config"
	appLogger "github.com/portfolio-rag/backend/pkg/logger"
)

// evaluate replays a labelled query set against the corpus and prints
// retrieval quality figures.
func main() {
	datasetPath := flag.String("dataset", "eval/dataset.json", "path to the evaluation dataset")
	lexicalOnly := flag.Bool("lexical", false, "disable vector search")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, "stderr")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	f, err := os.Open(*datasetPath)
	if err != nil {
		appLogger.Fatal("Failed to open dataset", zap.Error(err))
	}
	dataset, err := evaluation.LoadDataset(f)
	f.Close()
	if err != nil {
		appLogger.Fatal("Failed to load dataset", zap.Error(err))
	}

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	var embedder search.Embedder
	if cfg.LLM.APIKey != "" && !*lexicalOnly {
		embedder = llm.NewClient(cfg.LLM)
	}

	chatCfg := cfg.Chat
	if *lexicalOnly {
		chatCfg.UseHybridSearch = false
	}

	engine := search.NewEngine(sqliteClient, sqliteClient, embedder, appLogger.GetLogger())
	report, err := evaluation.NewEvaluator(engine, chatCfg).RunDatasetEvaluation(context.Background(), dataset)
	if err != nil {
		appLogger.Fatal("Evaluation failed", zap.Error(err))
	}

	fmt.Print(evaluation.GenerateReport(report))
}
