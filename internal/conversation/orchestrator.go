// Package conversation sequences one visitor turn: resolve the session,
// search the corpus, assemble the model context and record analytics.
package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/internal/search"
	"github.com/portfolio-rag/backend/internal/storage/models"
)

type SessionStore interface {
	Resolve(ctx context.Context, sessionKey string) (string, error)
	Lookup(ctx context.Context, sessionKey string) (string, bool, error)
	Append(ctx context.Context, sessionID string, role models.Role, content string) (*models.ChatMessage, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	Delete(ctx context.Context, sessionID string) error
}

type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

type AnalyticsRecorder interface {
	Record(cfg models.ChatSystemConfig, entry AnalyticsEntry)
}

type Orchestrator struct {
	sessions    SessionStore
	searcher    Searcher
	recorder    AnalyticsRecorder
	defaults    models.ChatSystemConfig
	maxQueryLen int
	logger      *zap.Logger
}

type Option func(*Orchestrator)

func WithMaxQueryLength(n int) Option {
	return func(o *Orchestrator) { o.maxQueryLen = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func NewOrchestrator(sessions SessionStore, searcher Searcher, recorder AnalyticsRecorder, defaults models.ChatSystemConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:    sessions,
		searcher:    searcher,
		recorder:    recorder,
		defaults:    defaults.Normalize(),
		maxQueryLen: DefaultMaxQueryLen,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type TurnRequest struct {
	SessionKey string                     `json:"sessionKey" validate:"required,max=128,sessionkey"`
	Query      string                     `json:"query" validate:"notblank"`
	Config     *models.ChatConfigOverride `json:"config,omitempty"`
	UserID     *string                    `json:"userId,omitempty" validate:"omitempty,max=128"`
}

type TurnResult struct {
	// SessionID is empty when conversations are not persisted and the key
	// has no session yet.
	SessionID string
	Context   []models.ChatContext
	History   []models.ChatMessage
	Degraded  bool
	// Results is the full ranked set, before the context cap.
	Results []models.SearchResult
	Config  models.ChatSystemConfig
}

// Config returns the process defaults merged with override.
func (o *Orchestrator) Config(override *models.ChatConfigOverride) models.ChatSystemConfig {
	return o.defaults.Merge(override)
}

// HandleTurn runs one turn. Bad input and store failures abort before any
// search; a lexical search failure aborts before assembly; a vector failure
// only sets Degraded. Analytics are handed off and never awaited.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	result, err := o.handleTurn(ctx, req)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case result.Degraded:
		status = "degraded"
	}
	metrics.TurnTotal.WithLabelValues(status).Inc()
	metrics.TurnDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return result, err
}

func (o *Orchestrator) handleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	// RECEIVED
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := validateQuery(req.Query, o.maxQueryLen); err != nil {
		return nil, err
	}
	cfg := o.Config(req.Config)

	// SESSION_RESOLVED
	sessionID, err := o.resolveSession(ctx, req.SessionKey, cfg)
	if err != nil {
		return nil, err
	}
	history := []models.ChatMessage{}
	if sessionID != "" {
		if history, err = o.sessions.History(ctx, sessionID, cfg.HistoryLimit); err != nil {
			return nil, err
		}
	}

	// SEARCHED
	found, err := o.searcher.Search(ctx, search.Request{
		Query:      req.Query,
		Threshold:  cfg.SimilarityThreshold,
		MaxResults: cfg.MaxContextItems,
		Hybrid:     cfg.UseHybridSearch,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.PersistConversations {
		if _, err := o.sessions.Append(ctx, sessionID, models.RoleUser, req.Query); err != nil {
			return nil, err
		}
	}

	// ASSEMBLED
	assembled := Assemble(found.Results, history, cfg)

	// RECORDED (async)
	o.recorder.Record(cfg, AnalyticsEntry{
		Query:     req.Query,
		SessionID: sessionID,
		UserID:    req.UserID,
		Results:   found.Results,
		Metadata: map[string]any{
			"event":           "turn",
			"degraded":        found.Degraded,
			"keywords":        found.Keywords,
			"model":           cfg.Model,
			"useHybridSearch": cfg.UseHybridSearch,
			"contextItems":    len(assembled.Context),
			"historyItems":    len(assembled.History),
		},
	})

	o.logger.Info("Turn handled",
		zap.String("session_id", sessionID),
		zap.Int("results", len(found.Results)),
		zap.Int("context_items", len(assembled.Context)),
		zap.Int("history_items", len(assembled.History)),
		zap.Bool("degraded", found.Degraded),
	)

	// RETURNED
	return &TurnResult{
		SessionID: sessionID,
		Context:   assembled.Context,
		History:   assembled.History,
		Degraded:  found.Degraded,
		Results:   found.Results,
		Config:    cfg,
	}, nil
}

// resolveSession creates the session only when the turn will be persisted.
func (o *Orchestrator) resolveSession(ctx context.Context, key string, cfg models.ChatSystemConfig) (string, error) {
	if cfg.PersistConversations {
		return o.sessions.Resolve(ctx, key)
	}
	id, _, err := o.sessions.Lookup(ctx, key)
	return id, err
}

type ReplyRequest struct {
	SessionID string                     `json:"sessionId" validate:"required,max=64"`
	Query     string                     `json:"query" validate:"notblank"`
	Response  string                     `json:"response" validate:"notblank"`
	Config    *models.ChatConfigOverride `json:"config,omitempty"`
	UserID    *string                    `json:"userId,omitempty" validate:"omitempty,max=128"`
	Results   []models.SearchResult      `json:"results,omitempty"`
}

// RecordReply stores the assistant's answer to a turn once the language
// model has produced it, and records it for analytics. It returns nil, nil
// when conversations are not persisted.
func (o *Orchestrator) RecordReply(ctx context.Context, req ReplyRequest) (*models.ChatMessage, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	cfg := o.Config(req.Config)
	if !cfg.PersistConversations {
		return nil, nil
	}

	msg, err := o.sessions.Append(ctx, req.SessionID, models.RoleAssistant, req.Response)
	if err != nil {
		return nil, err
	}

	o.recorder.Record(cfg, AnalyticsEntry{
		Query:     req.Query,
		Response:  req.Response,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Results:   req.Results,
		Metadata: map[string]any{
			"event": "reply",
			"model": cfg.Model,
		},
	})
	return msg, nil
}

// LookupSession reports the session for key without creating one.
func (o *Orchestrator) LookupSession(ctx context.Context, sessionKey string) (string, bool, error) {
	if err := ValidateSessionKey(sessionKey); err != nil {
		return "", false, err
	}
	return o.sessions.Lookup(ctx, sessionKey)
}

// DefaultHistoryLimit asks History for the configured history window.
const DefaultHistoryLimit = -1

// History returns the latest limit messages of a session, oldest first. A
// limit of zero returns none.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit < 0 {
		limit = o.defaults.HistoryLimit
	}
	return o.sessions.History(ctx, sessionID, limit)
}

func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	return o.sessions.Delete(ctx, sessionID)
}
