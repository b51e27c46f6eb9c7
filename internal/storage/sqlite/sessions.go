package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/logger"
)

const sessionColumns = `id, session_key, title, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.ConversationSession, error) {
	var (
		s                    models.ConversationSession
		title                sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.SessionKey, &title, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if title.Valid {
		s.Title = &title.String
	}
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &s, nil
}

func (c *Client) GetSessionByKey(ctx context.Context, sessionKey string) (*models.ConversationSession, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?`, sessionKey)
	s, err := scanSession(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get session by key: %w", err)
	}
	return s, err
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, err
}

// InsertSession returns ErrDuplicateKey when another writer created a session
// for the same key first.
func (c *Client) InsertSession(ctx context.Context, s *models.ConversationSession) error {
	now := c.now()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_key, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.SessionKey, s.Title, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}

	logger.Debug("Session created", zap.String("session_id", s.ID))
	return nil
}

// DeleteSession removes the session and, through the foreign key, its
// messages. Analytics rows are kept.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage writes msg and bumps the owning session in one transaction.
// The first user message also becomes the session title. Re-sending a message
// with an ID that was already written returns ErrDuplicateKey.
func (c *Client) AppendMessage(ctx context.Context, msg *models.ChatMessage, title string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, msg.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	msg.CreatedAt = c.now()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt.UnixNano(),
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, title = COALESCE(title, NULLIF(?, '')) WHERE id = ?`,
		msg.CreatedAt.UnixNano(), title, msg.SessionID,
	); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// ListRecentMessages returns at most limit messages, oldest first, taken from
// the newest end of the session.
func (c *Client) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		return []models.ChatMessage{}, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0, limit)
	for rows.Next() {
		var (
			m         models.ChatMessage
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
