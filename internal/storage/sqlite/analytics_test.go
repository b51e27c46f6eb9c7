package sqlite_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
)

func TestInsertAnalytics(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := &models.ChatAnalytics{
		Query:     "what did you build?",
		SessionID: "s1",
		SearchResults: []models.SearchResult{
			{ContentID: "project-x", ContentType: "project", Similarity: 0.8},
		},
		Metadata: json.RawMessage(`{"event":"turn"}`),
	}
	require.NoError(t, client.InsertAnalytics(ctx, first))
	assert.NotEmpty(t, first.ID)

	second := &models.ChatAnalytics{Query: "and then?", Response: "more", SessionID: "s1"}
	require.NoError(t, client.InsertAnalytics(ctx, second))

	replay := *first
	assert.ErrorIs(t, client.InsertAnalytics(ctx, &replay), sqlite.ErrDuplicateKey)

	records, err := client.ListAnalytics(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, "project-x", records[1].SearchResults[0].ContentID)
	assert.JSONEq(t, `{"event":"turn"}`, string(records[1].Metadata))
}
