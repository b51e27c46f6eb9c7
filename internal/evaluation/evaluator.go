package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/search"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/logger"
)

type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Evaluator replays a labelled query set against the search engine and
// measures how well the expected write-ups are retrieved.
type Evaluator struct {
	searcher Searcher
	cfg      models.ChatSystemConfig
}

type EvaluationDataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem lists the content a good answer must draw on. Expected entries
// are either a content ID or "contentType:contentID".
type DatasetItem struct {
	Query    string   `json:"query"`
	Expected []string `json:"expected"`
	Category string   `json:"category,omitempty"`
}

type ItemResult struct {
	Query    string
	Category string
	// Rank is the 1-based position of the first expected hit, 0 on a miss.
	Rank     int
	Results  int
	Degraded bool
}

type EvaluationReport struct {
	TotalQueries  int
	Evaluated     int
	Failed        int
	Hits          int
	DegradedCount int
	HitRate       float64
	MRR           float64
	AvgResults    float64
	ByCategory    map[string]*CategoryStats
}

type CategoryStats struct {
	Queries int
	Hits    int
}

func NewEvaluator(searcher Searcher, cfg models.ChatSystemConfig) *Evaluator {
	return &Evaluator{
		searcher: searcher,
		cfg:      cfg,
	}
}

func (e *Evaluator) EvaluateQuery(ctx context.Context, item DatasetItem) (*ItemResult, error) {
	resp, err := e.searcher.Search(ctx, search.Request{
		Query:      item.Query,
		Threshold:  e.cfg.SimilarityThreshold,
		MaxResults: e.cfg.MaxContextItems,
		Hybrid:     e.cfg.UseHybridSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", item.Query, err)
	}

	result := &ItemResult{
		Query:    item.Query,
		Category: item.Category,
		Rank:     firstHit(resp.Results, item.Expected),
		Results:  len(resp.Results),
		Degraded: resp.Degraded,
	}

	logger.Debug("Query evaluated",
		zap.String("query", item.Query),
		zap.Int("rank", result.Rank),
		zap.Bool("degraded", result.Degraded),
	)

	return result, nil
}

func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, dataset *EvaluationDataset) (*EvaluationReport, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &EvaluationReport{
		TotalQueries: len(dataset.Items),
		ByCategory:   map[string]*CategoryStats{},
	}

	var reciprocal float64
	var results int

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.EvaluateQuery(ctx, item)
		if err != nil {
			logger.Error("Failed to evaluate query", zap.Int("index", i), zap.Error(err))
			report.Failed++
			continue
		}

		report.Evaluated++
		results += result.Results
		if result.Degraded {
			report.DegradedCount++
		}

		category := result.Category
		if category == "" {
			category = "uncategorized"
		}
		stats, ok := report.ByCategory[category]
		if !ok {
			stats = &CategoryStats{}
			report.ByCategory[category] = stats
		}
		stats.Queries++

		if result.Rank > 0 {
			report.Hits++
			stats.Hits++
			reciprocal += 1 / float64(result.Rank)
		}
	}

	if report.Evaluated > 0 {
		n := float64(report.Evaluated)
		report.HitRate = float64(report.Hits) / n
		report.MRR = reciprocal / n
		report.AvgResults = float64(results) / n
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("failed", report.Failed),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("mrr", report.MRR),
	)

	return report, nil
}

func firstHit(results []models.SearchResult, expected []string) int {
	want := make(map[string]bool, len(expected))
	for _, e := range expected {
		want[e] = true
	}
	for i, r := range results {
		if want[r.ContentID] || want[r.ContentType+":"+r.ContentID] {
			return i + 1
		}
	}
	return 0
}

func LoadDataset(r io.Reader) (*EvaluationDataset, error) {
	var dataset EvaluationDataset
	if err := json.NewDecoder(r).Decode(&dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &dataset, nil
}

func GenerateReport(report *EvaluationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Retrieval Evaluation Report
===========================

Total Queries: %d (evaluated %d, failed %d)
Degraded Searches: %d

Hit Rate: %.1f%%
Mean Reciprocal Rank: %.3f
Average Results per Query: %.2f
`,
		report.TotalQueries, report.Evaluated, report.Failed,
		report.DegradedCount,
		report.HitRate*100,
		report.MRR,
		report.AvgResults,
	)

	if len(report.ByCategory) > 0 {
		b.WriteString("\nBy Category:\n")
		names := make([]string, 0, len(report.ByCategory))
		for name := range report.ByCategory {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			stats := report.ByCategory[name]
			fmt.Fprintf(&b, "- %s: %d/%d\n", name, stats.Hits, stats.Queries)
		}
	}

	return b.String()
}
