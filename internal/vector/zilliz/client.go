package zilliz

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/logger"
)

const (
	fieldKey         = "item_key"
	fieldContentID   = "content_id"
	fieldContentType = "content_type"
	fieldSeq         = "seq"
	fieldEmbedding   = "embedding"
)

var outputFields = []string{fieldContentID, fieldContentType, fieldSeq}

// CorpusReader serves the text of the items the collection holds vectors for.
type CorpusReader interface {
	GetContentItems(ctx context.Context, keys []models.ResultKey) (map[models.ResultKey]models.ContentItem, error)
}

// Client mirrors the corpus embeddings into a Milvus/Zilliz collection and
// answers vector queries from it. The collection only stores keys; result
// text always comes from the corpus.
type Client struct {
	client         client.Client
	corpus         CorpusReader
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int, corpus CorpusReader) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		corpus:         corpus,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := z.createCollection(ctx); err != nil {
			return err
		}
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection ready", zap.String("collection", z.collectionName), zap.Bool("created", !has))
	return nil
}

func (z *Client) createCollection(ctx context.Context) error {
	schema := entity.NewSchema().
		WithName(z.collectionName).
		WithDescription("Portfolio content embeddings").
		WithField(entity.NewField().WithName(fieldKey).WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(true).WithMaxLength(256)).
		WithField(entity.NewField().WithName(fieldContentID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(128)).
		WithField(entity.NewField().WithName(fieldContentType).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName(fieldSeq).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(z.vectorDim)))

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Upsert writes items keyed by content type and id. Items without an
// embedding of the collection's dimension are skipped.
func (z *Client) Upsert(ctx context.Context, items []models.ContentItem) error {
	var (
		keys, ids, types []string
		seqs             []int64
		embeddings       [][]float32
	)
	for _, item := range items {
		if len(item.Embedding) != z.vectorDim {
			logger.Warn("Skipping content item without usable embedding",
				zap.String("content_id", item.ContentID),
				zap.Int("dim", len(item.Embedding)),
			)
			continue
		}
		keys = append(keys, PrimaryKey(item.ContentType, item.ContentID))
		ids = append(ids, item.ContentID)
		types = append(types, item.ContentType)
		seqs = append(seqs, item.Seq)
		embeddings = append(embeddings, item.Embedding)
	}
	if len(keys) == 0 {
		return nil
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldKey, keys),
		entity.NewColumnVarChar(fieldContentID, ids),
		entity.NewColumnVarChar(fieldContentType, types),
		entity.NewColumnInt64(fieldSeq, seqs),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert content items: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Content items upserted into vector DB", zap.Int("count", len(keys)))
	return nil
}

// Delete removes the vector of an item. Deleting an absent item is not an
// error.
func (z *Client) Delete(ctx context.Context, contentType, contentID string) error {
	pks := entity.NewColumnVarChar(fieldKey, []string{PrimaryKey(contentType, contentID)})
	if err := z.client.DeleteByPks(ctx, z.collectionName, "", pks); err != nil {
		return fmt.Errorf("failed to delete vector of %s: %w", contentID, err)
	}
	logger.Debug("Content item removed from vector DB", zap.String("content_id", contentID))
	return nil
}

func (z *Client) SearchVector(ctx context.Context, embedding []float32, limit int) ([]models.SearchResult, error) {
	if len(embedding) != z.vectorDim {
		return nil, fmt.Errorf("query embedding has %d dimensions, collection expects %d", len(embedding), z.vectorDim)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		fieldEmbedding,
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results, err := decodeResults(searchResult)
	if err != nil {
		return nil, err
	}
	if results, err = hydrate(ctx, z.corpus, results); err != nil {
		return nil, err
	}

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func decodeResults(searchResult []client.SearchResult) ([]models.SearchResult, error) {
	results := make([]models.SearchResult, 0)
	for _, sr := range searchResult {
		if sr.Err != nil {
			return nil, fmt.Errorf("failed to search: %w", sr.Err)
		}
		for i := 0; i < sr.ResultCount; i++ {
			results = append(results, models.SearchResult{
				ContentID:   columnString(sr.Fields.GetColumn(fieldContentID), i),
				ContentType: columnString(sr.Fields.GetColumn(fieldContentType), i),
				Seq:         columnInt64(sr.Fields.GetColumn(fieldSeq), i),
				Similarity:  ClampScore(sr.Scores[i]),
				Source:      models.SourceVector,
			})
		}
	}
	return results, nil
}

// hydrate fills vector hits with the corpus copy of their item. Hits whose
// item left the corpus are dropped.
func hydrate(ctx context.Context, corpus CorpusReader, results []models.SearchResult) ([]models.SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}
	keys := make([]models.ResultKey, len(results))
	for i, r := range results {
		keys[i] = r.Key()
	}
	items, err := corpus.GetContentItems(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load vector hits from corpus: %w", err)
	}

	hydrated := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		item, ok := items[r.Key()]
		if !ok {
			logger.Debug("Dropping vector hit missing from corpus", zap.String("content_id", r.ContentID))
			continue
		}
		r.Content = item.Content
		r.ContentSummary = item.Summary
		r.Metadata = item.Metadata
		r.Seq = item.Seq
		hydrated = append(hydrated, r)
	}
	return hydrated, nil
}

// PrimaryKey identifies an item across content types.
func PrimaryKey(contentType, contentID string) string {
	return contentType + ":" + contentID
}

// ClampScore maps a COSINE score onto the [0,1] similarity scale.
func ClampScore(score float32) float64 {
	return min(max(float64(score), 0), 1)
}

func columnString(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func columnInt64(col entity.Column, i int) int64 {
	if col == nil {
		return 0
	}
	v, err := col.Get(i)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
