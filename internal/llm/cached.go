package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/pkg/utils"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder memoises embeddings. Cache failures are logged and the
// provider is asked directly, so a down cache never degrades search.
type CachedEmbedder struct {
	next   Embedder
	cache  EmbeddingCache
	model  string
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, model string, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{next: next, cache: cache, model: model, ttl: ttl, logger: logger}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(c.model, text)

	embedding, ok, err := c.cache.GetEmbedding(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("Embedding cache read failed", zap.Error(err))
	case ok:
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return embedding, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err = c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, embedding, c.ttl); err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return embedding, nil
}
