// Package session maps client-held session keys to durable conversation
// sessions and their message history.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
	"github.com/portfolio-rag/backend/pkg/retry"
)

const maxTitleRunes = 80

// Datastore is the subset of the sqlite client the store needs.
type Datastore interface {
	GetSessionByKey(ctx context.Context, sessionKey string) (*models.ConversationSession, error)
	GetSession(ctx context.Context, id string) (*models.ConversationSession, error)
	InsertSession(ctx context.Context, s *models.ConversationSession) error
	DeleteSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *models.ChatMessage, title string) error
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

type Store struct {
	db     Datastore
	retry  retry.Config
	logger *zap.Logger
}

func NewStore(db Datastore, retryDelay time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := retry.Once(retryDelay, logger)
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return &Store{db: db, retry: cfg, logger: logger}
}

// Resolve returns the session for sessionKey, creating it on first use. Two
// callers racing on a new key both end up with the row that won the unique
// constraint.
func (s *Store) Resolve(ctx context.Context, sessionKey string) (string, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return "", apperrors.InvalidInput("session key is required")
	}

	id, err := retry.DoWithResult(ctx, s.retry, func() (string, error) {
		existing, err := s.db.GetSessionByKey(ctx, sessionKey)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, sqlite.ErrNotFound) {
			return "", err
		}

		created := &models.ConversationSession{ID: uuid.NewString(), SessionKey: sessionKey}
		err = s.db.InsertSession(ctx, created)
		if err == nil {
			s.logger.Info("Conversation session created", zap.String("session_id", created.ID))
			return created.ID, nil
		}
		if !errors.Is(err, sqlite.ErrDuplicateKey) {
			return "", err
		}

		winner, err := s.db.GetSessionByKey(ctx, sessionKey)
		if err != nil {
			return "", err
		}
		s.logger.Debug("Lost session creation race, using existing session",
			zap.String("session_id", winner.ID),
		)
		return winner.ID, nil
	})
	if err != nil {
		return "", s.storeError(ctx, "resolve session", err)
	}
	return id, nil
}

// Lookup never creates. ok is false when no session exists for the key.
func (s *Store) Lookup(ctx context.Context, sessionKey string) (id string, ok bool, err error) {
	if strings.TrimSpace(sessionKey) == "" {
		return "", false, apperrors.InvalidInput("session key is required")
	}

	existing, err := retry.DoWithResult(ctx, s.retry, func() (*models.ConversationSession, error) {
		sess, err := s.db.GetSessionByKey(ctx, sessionKey)
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return sess, err
	})
	if errors.Is(err, sqlite.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.storeError(ctx, "lookup session", err)
	}
	return existing.ID, true, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*models.ConversationSession, error) {
	sess, err := retry.DoWithResult(ctx, s.retry, func() (*models.ConversationSession, error) {
		sess, err := s.db.GetSession(ctx, id)
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return sess, err
	})
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, apperrors.NotFound("session %s does not exist", id)
	}
	if err != nil {
		return nil, s.storeError(ctx, "get session", err)
	}
	return sess, nil
}

// Append writes an immutable message. The message id is fixed before the
// first attempt, so a retry after an ambiguous failure cannot write it twice.
func (s *Store) Append(ctx context.Context, sessionID string, role models.Role, content string) (*models.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.InvalidInput("message content must not be empty")
	}
	if !role.Valid() {
		return nil, apperrors.InvalidInput("unknown message role %q", role)
	}
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session id is required")
	}

	msg := &models.ChatMessage{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}
	var title string
	if role == models.RoleUser {
		title = DeriveTitle(content)
	}

	attempt := 0
	err := retry.Do(ctx, s.retry, func() error {
		attempt++
		err := s.db.AppendMessage(ctx, msg, title)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, sqlite.ErrNotFound):
			return retry.Permanent(err)
		case errors.Is(err, sqlite.ErrDuplicateKey) && attempt > 1:
			// The previous attempt committed before failing to report it.
			return nil
		}
		return err
	})
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, apperrors.InvalidInput("session %s does not exist", sessionID)
	}
	if err != nil {
		return nil, s.storeError(ctx, "append message", err)
	}
	return msg, nil
}

// History returns at most limit of the most recent messages, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		return []models.ChatMessage{}, nil
	}

	messages, err := retry.DoWithResult(ctx, s.retry, func() ([]models.ChatMessage, error) {
		return s.db.ListRecentMessages(ctx, sessionID, limit)
	})
	if err != nil {
		return nil, s.storeError(ctx, "load history", err)
	}
	return messages, nil
}

// Delete removes a session and its messages. Analytics are retained.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := retry.Do(ctx, s.retry, func() error {
		err := s.db.DeleteSession(ctx, sessionID)
		if errors.Is(err, sqlite.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, sqlite.ErrNotFound) {
		return apperrors.NotFound("session %s does not exist", sessionID)
	}
	if err != nil {
		return s.storeError(ctx, "delete session", err)
	}
	s.logger.Info("Conversation session deleted", zap.String("session_id", sessionID))
	return nil
}

func (s *Store) storeError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.logger.Error("Session store operation failed", zap.String("op", op), zap.Error(err))
	return apperrors.StoreUnavailable(op, err)
}

// DeriveTitle is the first line of the opening question, shortened to fit a
// session list.
func DeriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}
