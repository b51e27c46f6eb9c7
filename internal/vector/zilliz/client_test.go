package zilliz

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rag/backend/internal/storage/models"
)

func TestDecodeResults(t *testing.T) {
	sr := client.SearchResult{
		ResultCount: 2,
		Fields: client.ResultSet{
			entity.NewColumnVarChar(fieldContentID, []string{"project-x", "post-1"}),
			entity.NewColumnVarChar(fieldContentType, []string{"project", "post"}),
			entity.NewColumnInt64(fieldSeq, []int64{1, 4}),
		},
		Scores: []float32{0.92, -0.1},
	}

	results, err := decodeResults([]client.SearchResult{sr})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "project-x", results[0].ContentID)
	assert.Equal(t, "project", results[0].ContentType)
	assert.Equal(t, int64(1), results[0].Seq)
	assert.InDelta(t, 0.92, results[0].Similarity, 1e-6)
	assert.Equal(t, models.SourceVector, results[0].Source)
	assert.Empty(t, results[0].Content)

	assert.Equal(t, 0.0, results[1].Similarity)
}

type fakeCorpus struct {
	items map[models.ResultKey]models.ContentItem
	err   error
}

func (f *fakeCorpus) GetContentItems(ctx context.Context, keys []models.ResultKey) (map[models.ResultKey]models.ContentItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[models.ResultKey]models.ContentItem)
	for _, k := range keys {
		if item, ok := f.items[k]; ok {
			out[k] = item
		}
	}
	return out, nil
}

func TestHydrate(t *testing.T) {
	long := strings.Repeat("é", 10000)
	corpus := &fakeCorpus{items: map[models.ResultKey]models.ContentItem{
		{ContentID: "project-x", ContentType: "project"}: {
			ContentID: "project-x", ContentType: "project", Seq: 7,
			Content: long, Summary: "Dashboard", Metadata: map[string]any{"year": float64(2023)},
		},
	}}
	hits := []models.SearchResult{
		{ContentID: "project-x", ContentType: "project", Seq: 1, Similarity: 0.9, Source: models.SourceVector},
		{ContentID: "removed", ContentType: "post", Similarity: 0.8, Source: models.SourceVector},
	}

	results, err := hydrate(context.Background(), corpus, hits)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, long, results[0].Content)
	assert.Equal(t, "Dashboard", results[0].ContentSummary)
	assert.Equal(t, float64(2023), results[0].Metadata["year"])
	assert.Equal(t, int64(7), results[0].Seq)
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-9)

	_, err = hydrate(context.Background(), &fakeCorpus{err: errors.New("db closed")}, hits[:1])
	assert.Error(t, err)

	none, err := hydrate(context.Background(), corpus, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPrimaryKey(t *testing.T) {
	assert.Equal(t, "project:p1", PrimaryKey("project", "p1"))
	assert.NotEqual(t, PrimaryKey("project", "p1"), PrimaryKey("post", "p1"))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-0.4))
	assert.Equal(t, 1.0, ClampScore(1.00001))
	assert.InDelta(t, 0.5, ClampScore(0.5), 1e-9)
}
