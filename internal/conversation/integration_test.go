package conversation_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rag/backend/internal/conversation"
	"github.com/portfolio-rag/backend/internal/search"
	"github.com/portfolio-rag/backend/internal/session"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
)

type staticEmbedder struct {
	vec []float32
	err error
}

func (e staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, e.err
}

type failingSink struct{}

func (failingSink) InsertAnalytics(ctx context.Context, a *models.ChatAnalytics) error {
	return errors.New("analytics table locked")
}

type stack struct {
	db       *sqlite.Client
	sessions *session.Store
	engine   *search.Engine
}

func newStack(t *testing.T, embedder search.Embedder) *stack {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, item := range []models.ContentItem{
		{ContentID: "project-x", ContentType: "project", Title: "Project X", Summary: "Realtime dashboard",
			Content: "Project X tools: Go, Redis and Grafana.", Embedding: []float32{1, 0, 0}},
		{ContentID: "project-y", ContentType: "project", Title: "Project Y", Summary: "Mobile app",
			Content: "Swift and Kotlin tools for Project Y.", Embedding: []float32{0, 1, 0}},
		{ContentID: "about", ContentType: "page", Title: "About", Summary: "Who I am",
			Content: "I write software.", Embedding: []float32{0, 0, 1}},
	} {
		require.NoError(t, db.UpsertContentItem(ctx, &item))
	}

	return &stack{
		db:       db,
		sessions: session.NewStore(db, time.Millisecond, nil),
		engine:   search.NewEngine(db, db, embedder, nil),
	}
}

func TestTurn_EndToEnd(t *testing.T) {
	s := newStack(t, staticEmbedder{vec: []float32{1, 0, 0}})
	recorder := conversation.NewRecorder(s.db, conversation.RecorderConfig{Workers: 1}, nil)
	orch := conversation.NewOrchestrator(s.sessions, s.engine, recorder, models.DefaultChatSystemConfig())
	ctx := context.Background()

	res, err := orch.HandleTurn(ctx, conversation.TurnRequest{
		SessionKey: "visitor-1",
		Query:      "What tools did you use on Project X?",
	})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.NotEmpty(t, res.Context)
	assert.Equal(t, "project-x", res.Context[0].ContentID)
	for _, c := range res.Context {
		assert.GreaterOrEqual(t, c.Similarity, 0.7)
	}

	_, err = orch.RecordReply(ctx, conversation.ReplyRequest{
		SessionID: res.SessionID,
		Query:     "What tools did you use on Project X?",
		Response:  "Go, Redis and Grafana.",
	})
	require.NoError(t, err)
	require.NoError(t, recorder.Close(ctx))

	history, err := orch.History(ctx, res.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, models.RoleAssistant, history[1].Role)

	records, err := s.db.ListAnalytics(ctx, res.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	id, ok, err := orch.LookupSession(ctx, "visitor-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, res.SessionID, id)
}

func TestTurn_NoPersistenceWritesNothing(t *testing.T) {
	s := newStack(t, staticEmbedder{vec: []float32{1, 0, 0}})
	recorder := conversation.NewRecorder(s.db, conversation.RecorderConfig{Workers: 1}, nil)
	orch := conversation.NewOrchestrator(s.sessions, s.engine, recorder, models.DefaultChatSystemConfig())
	ctx := context.Background()

	persist := false
	noPersist := &models.ChatConfigOverride{PersistConversations: &persist}

	res, err := orch.HandleTurn(ctx, conversation.TurnRequest{SessionKey: "ghost", Query: "Project X tools", Config: noPersist})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Context)
	assert.Empty(t, res.SessionID)

	_, ok, err := orch.LookupSession(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	// An existing session is read but not written to.
	first, err := orch.HandleTurn(ctx, conversation.TurnRequest{SessionKey: "known", Query: "Project X tools"})
	require.NoError(t, err)
	second, err := orch.HandleTurn(ctx, conversation.TurnRequest{SessionKey: "known", Query: "Project Y tools", Config: noPersist})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, second.History, 1)

	require.NoError(t, recorder.Close(ctx))

	history, err := s.sessions.History(ctx, first.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	records, err := s.db.ListAnalytics(ctx, first.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestTurn_AnalyticsFailureIsIsolated(t *testing.T) {
	run := func(sinkFor func(*stack) conversation.AnalyticsSink) *conversation.TurnResult {
		s := newStack(t, staticEmbedder{vec: []float32{1, 0, 0}})
		recorder := conversation.NewRecorder(sinkFor(s), conversation.RecorderConfig{Workers: 1}, nil)
		defer recorder.Close(context.Background())
		orch := conversation.NewOrchestrator(s.sessions, s.engine, recorder, models.DefaultChatSystemConfig())

		res, err := orch.HandleTurn(context.Background(), conversation.TurnRequest{
			SessionKey: "visitor",
			Query:      "What tools did you use on Project X?",
		})
		require.NoError(t, err)
		return res
	}

	healthy := run(func(s *stack) conversation.AnalyticsSink { return s.db })
	broken := run(func(*stack) conversation.AnalyticsSink { return failingSink{} })

	assert.Equal(t, healthy.Context, broken.Context)
	assert.Equal(t, healthy.Degraded, broken.Degraded)
	assert.Len(t, broken.History, len(healthy.History))
}

func TestTurn_DegradedWithoutEmbeddings(t *testing.T) {
	down := newStack(t, staticEmbedder{err: errors.New("connection refused")})
	orch := conversation.NewOrchestrator(down.sessions, down.engine,
		conversation.NewRecorder(down.db, conversation.RecorderConfig{}, nil), models.DefaultChatSystemConfig())

	res, err := orch.HandleTurn(context.Background(), conversation.TurnRequest{
		SessionKey: "visitor",
		Query:      "What tools did you use on Project X?",
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.NotEmpty(t, res.Context)
	assert.Equal(t, "project-x", res.Context[0].ContentID)
}
