// Package search runs the hybrid retrieval over the portfolio corpus: a
// vector query and a lexical query issued concurrently, then merged,
// filtered, ranked and truncated.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/internal/storage/models"
)

const minCandidates = 20

var ErrNoEmbedder = errors.New("no embedding provider configured")

type LexicalSearcher interface {
	SearchLexical(ctx context.Context, keywords []string, limit int) ([]models.SearchResult, error)
}

type VectorSearcher interface {
	SearchVector(ctx context.Context, embedding []float32, limit int) ([]models.SearchResult, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Engine struct {
	lexical  LexicalSearcher
	vector   VectorSearcher
	embedder Embedder
	logger   *zap.Logger
}

// NewEngine wires the search strategies. vector and embedder may be nil, in
// which case hybrid requests are answered lexically and flagged degraded.
func NewEngine(lexical LexicalSearcher, vector VectorSearcher, embedder Embedder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		lexical:  lexical,
		vector:   vector,
		embedder: embedder,
		logger:   logger,
	}
}

type Request struct {
	Query string
	// Embedding skips the embedding provider when the caller already has one.
	Embedding  []float32
	Threshold  float64
	MaxResults int
	Hybrid     bool
}

type Response struct {
	Results  []models.SearchResult
	Degraded bool
	// Keywords are the terms the lexical query ran with.
	Keywords []string
}

// Search never mutates the corpus. A failed vector query degrades the result
// to lexical-only; a failed lexical query is a CriticalFailure.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{Results: []models.SearchResult{}}
	if req.MaxResults <= 0 {
		return resp, nil
	}

	start := time.Now()
	limit := max(req.MaxResults*4, minCandidates)
	resp.Keywords = ExtractKeywords(req.Query)

	var (
		lexicalResults, vectorResults []models.SearchResult
		vectorErr                     error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := e.lexical.SearchLexical(gctx, resp.Keywords, limit)
		if err != nil {
			return err
		}
		lexicalResults = results
		return nil
	})
	if req.Hybrid {
		g.Go(func() error {
			// Vector failures are reported through vectorErr so they never
			// cancel the lexical query.
			vectorResults, vectorErr = e.searchVector(gctx, req, limit)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Error("Lexical search failed", zap.Error(err))
		return nil, apperrors.CriticalFailure("lexical search", err)
	}

	if req.Hybrid && vectorErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		resp.Degraded = true
		metrics.SearchDegradedTotal.Inc()
		e.logger.Warn("Vector search unavailable, serving lexical results only", zap.Error(vectorErr))
	}

	metrics.SearchResultsCount.WithLabelValues(string(models.SourceLexical)).Observe(float64(len(lexicalResults)))
	if req.Hybrid && vectorErr == nil {
		metrics.SearchResultsCount.WithLabelValues(string(models.SourceVector)).Observe(float64(len(vectorResults)))
	}

	merged := Merge(vectorResults, lexicalResults)
	resp.Results = Truncate(Rank(Filter(merged, req.Threshold)), req.MaxResults)

	e.logger.Debug("Search completed",
		zap.Int("vector_results", len(vectorResults)),
		zap.Int("lexical_results", len(lexicalResults)),
		zap.Int("merged_results", len(merged)),
		zap.Int("returned", len(resp.Results)),
		zap.Bool("degraded", resp.Degraded),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (e *Engine) searchVector(ctx context.Context, req Request, limit int) ([]models.SearchResult, error) {
	if e.vector == nil {
		return nil, errors.New("no vector index configured")
	}

	embedding := req.Embedding
	if len(embedding) == 0 {
		if e.embedder == nil {
			return nil, ErrNoEmbedder
		}
		var err error
		embedding, err = e.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	results, err := e.vector.SearchVector(ctx, embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return results, nil
}
