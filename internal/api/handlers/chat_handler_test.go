package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rag/backend/internal/conversation"
	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/llm"
	"github.com/portfolio-rag/backend/internal/storage/models"
)

type fakeConversation struct {
	turn      *conversation.TurnResult
	turnErr   error
	replies   []conversation.ReplyRequest
	sessions  map[string]string
	history   []models.ChatMessage
	deleteErr error
	lastLimit int
}

func (f *fakeConversation) HandleTurn(ctx context.Context, req conversation.TurnRequest) (*conversation.TurnResult, error) {
	return f.turn, f.turnErr
}

func (f *fakeConversation) RecordReply(ctx context.Context, req conversation.ReplyRequest) (*models.ChatMessage, error) {
	f.replies = append(f.replies, req)
	return &models.ChatMessage{ID: "msg-1", SessionID: req.SessionID, Role: models.RoleAssistant, Content: req.Response}, nil
}

func (f *fakeConversation) LookupSession(ctx context.Context, sessionKey string) (string, bool, error) {
	if sessionKey == "" {
		return "", false, apperrors.InvalidInput("sessionKey is required")
	}
	id, ok := f.sessions[sessionKey]
	return id, ok, nil
}

func (f *fakeConversation) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	f.lastLimit = limit
	return f.history, nil
}

func (f *fakeConversation) DeleteSession(ctx context.Context, sessionID string) error {
	return f.deleteErr
}

type fakeGenerator struct {
	reply *llm.Reply
	err   error
	got   llm.ReplyRequest
}

func (f *fakeGenerator) GenerateReply(ctx context.Context, req llm.ReplyRequest) (*llm.Reply, error) {
	f.got = req
	return f.reply, f.err
}

func newChatApp(conv Conversation, gen ReplyGenerator) *fiber.App {
	h := NewChatHandler(conv, gen)
	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/chat/turn", h.HandleTurn)
	api.Post("/chat/reply", h.RecordReply)
	api.Get("/chat/session", h.LookupSession)
	api.Get("/chat/sessions/:id/messages", h.GetMessages)
	api.Delete("/chat/sessions/:id", h.DeleteSession)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func sampleTurn() *conversation.TurnResult {
	cfg := models.DefaultChatSystemConfig()
	return &conversation.TurnResult{
		SessionID: "sess-1",
		Context: []models.ChatContext{
			{ContentID: "project-x", ContentType: "project", Similarity: 0.9, Content: "Built with Go"},
		},
		History: []models.ChatMessage{},
		Results: []models.SearchResult{{ContentID: "project-x", ContentType: "project", Similarity: 0.9}},
		Config:  cfg,
	}
}

func TestHandleTurn(t *testing.T) {
	conv := &fakeConversation{turn: sampleTurn()}
	app := newChatApp(conv, nil)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/turn", `{"sessionKey":"k1","query":"what did you build?"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Equal(t, false, body["degraded"])
	assert.Len(t, body["context"], 1)
	assert.NotContains(t, body, "reply")
}

func TestHandleTurnWithReply(t *testing.T) {
	conv := &fakeConversation{turn: sampleTurn()}
	gen := &fakeGenerator{reply: &llm.Reply{Content: "I built Project X.", Model: "gpt-4o-mini"}}
	app := newChatApp(conv, gen)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/turn", `{"sessionKey":"k1","query":"what did you build?","generate":true}`)
	require.Equal(t, http.StatusOK, status)

	reply, ok := body["reply"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "I built Project X.", reply["content"])
	assert.Equal(t, "msg-1", reply["messageId"])

	assert.Equal(t, "what did you build?", gen.got.Query)
	assert.Len(t, gen.got.Context, 1)
	require.Len(t, conv.replies, 1)
	assert.Equal(t, "sess-1", conv.replies[0].SessionID)
	assert.Len(t, conv.replies[0].Results, 1)
}

func TestHandleTurnReplyFailureKeepsContext(t *testing.T) {
	conv := &fakeConversation{turn: sampleTurn()}
	gen := &fakeGenerator{err: errors.New("model overloaded")}
	app := newChatApp(conv, gen)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/turn", `{"sessionKey":"k1","query":"hi","generate":true}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["context"], 1)
	assert.Equal(t, "reply generation failed", body["replyError"])
	assert.Empty(t, conv.replies)
}

func TestHandleTurnWithoutSessionSkipsReplyRecord(t *testing.T) {
	turn := sampleTurn()
	turn.SessionID = ""
	conv := &fakeConversation{turn: turn}
	gen := &fakeGenerator{reply: &llm.Reply{Content: "hello", Model: "m"}}
	app := newChatApp(conv, gen)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/turn", `{"sessionKey":"k1","query":"hi","generate":true}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["sessionId"])
	assert.Empty(t, conv.replies)
}

func TestHandleTurnErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
		wantKind   string
	}{
		{"invalid input", apperrors.InvalidInput("query must not be empty"), `{"sessionKey":"k","query":""}`, http.StatusBadRequest, apperrors.KindInvalidInput},
		{"store unavailable", apperrors.StoreUnavailable("resolve session", errors.New("disk I/O error")), `{"sessionKey":"k","query":"q"}`, http.StatusServiceUnavailable, apperrors.KindStoreUnavailable},
		{"search failure", apperrors.CriticalFailure("lexical search", errors.New("boom")), `{"sessionKey":"k","query":"q"}`, http.StatusInternalServerError, apperrors.KindCriticalFailure},
		{"malformed body", nil, `{"sessionKey":`, http.StatusBadRequest, apperrors.KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newChatApp(&fakeConversation{turnErr: tt.err}, nil)
			status, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/turn", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, body["kind"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestStoreErrorDoesNotLeakCause(t *testing.T) {
	err := apperrors.StoreUnavailable("resolve session", errors.New("open /var/data/chat.db: permission denied"))
	app := newChatApp(&fakeConversation{turnErr: err}, nil)

	_, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/turn", `{"sessionKey":"k","query":"q"}`)
	assert.NotContains(t, body["message"], "/var/data")
}

func TestLookupSession(t *testing.T) {
	app := newChatApp(&fakeConversation{sessions: map[string]string{"known": "sess-9"}}, nil)

	status, body := doJSON(t, app, http.MethodGet, "/api/v1/chat/session?sessionKey=known", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sess-9", body["sessionId"])

	status, body = doJSON(t, app, http.MethodGet, "/api/v1/chat/session?sessionKey=unknown", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "sessionId")
	assert.Nil(t, body["sessionId"])

	status, _ = doJSON(t, app, http.MethodGet, "/api/v1/chat/session", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetMessages(t *testing.T) {
	conv := &fakeConversation{history: []models.ChatMessage{{ID: "m1", Role: models.RoleUser, Content: "hi"}}}
	app := newChatApp(conv, nil)

	status, body := doJSON(t, app, http.MethodGet, "/api/v1/chat/sessions/sess-1/messages?limit=3", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 1)
	assert.Equal(t, 3, conv.lastLimit)

	status, _ = doJSON(t, app, http.MethodGet, "/api/v1/chat/sessions/sess-1/messages?limit=0", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, conv.lastLimit)

	status, _ = doJSON(t, app, http.MethodGet, "/api/v1/chat/sessions/sess-1/messages", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, conversation.DefaultHistoryLimit, conv.lastLimit)

	status, _ = doJSON(t, app, http.MethodGet, "/api/v1/chat/sessions/sess-1/messages?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, app, http.MethodGet, "/api/v1/chat/sessions/sess-1/messages?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteSession(t *testing.T) {
	app := newChatApp(&fakeConversation{}, nil)
	status, _ := doJSON(t, app, http.MethodDelete, "/api/v1/chat/sessions/sess-1", "")
	assert.Equal(t, http.StatusNoContent, status)

	app = newChatApp(&fakeConversation{deleteErr: apperrors.NotFound("session %s not found", "x")}, nil)
	status, body := doJSON(t, app, http.MethodDelete, "/api/v1/chat/sessions/x", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, apperrors.KindNotFound, body["kind"])
}

func TestRecordReplyEndpoint(t *testing.T) {
	conv := &fakeConversation{}
	app := newChatApp(conv, nil)

	status, body := doJSON(t, app, http.MethodPost, "/api/v1/chat/reply", `{"sessionId":"sess-1","query":"q","response":"an answer"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["persisted"])
	require.Len(t, conv.replies, 1)
	assert.Equal(t, "an answer", conv.replies[0].Response)
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"Built", "with", "\n", "Go"}, splitIntoWords("Built  with\nGo"))
	assert.Empty(t, splitIntoWords(""))
}
