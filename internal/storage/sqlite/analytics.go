package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portfolio-rag/backend/internal/storage/models"
)

func (c *Client) InsertAnalytics(ctx context.Context, a *models.ChatAnalytics) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now()
	}

	results, err := marshalJSON(a.SearchResults)
	if err != nil {
		return fmt.Errorf("failed to marshal search results: %w", err)
	}
	var metadata sql.NullString
	if len(a.Metadata) > 0 {
		metadata = sql.NullString{String: string(a.Metadata), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO chat_analytics (id, session_id, user_id, query, response, search_results, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.UserID, a.Query, a.Response, results, metadata, a.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert analytics: %w", err)
	}
	return nil
}

// ListAnalytics returns the newest records of a session first.
func (c *Client) ListAnalytics(ctx context.Context, sessionID string, limit int) ([]models.ChatAnalytics, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, query, response, search_results, metadata, created_at
		FROM chat_analytics
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analytics: %w", err)
	}
	defer rows.Close()

	var records []models.ChatAnalytics
	for rows.Next() {
		var (
			a                       models.ChatAnalytics
			sessionIDCol, userID    sql.NullString
			response, results, meta sql.NullString
			createdAt               int64
		)
		if err := rows.Scan(&a.ID, &sessionIDCol, &userID, &a.Query, &response, &results, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan analytics: %w", err)
		}
		a.SessionID = sessionIDCol.String
		if userID.Valid {
			a.UserID = &userID.String
		}
		a.Response = response.String
		if results.Valid && results.String != "" {
			if err := json.Unmarshal([]byte(results.String), &a.SearchResults); err != nil {
				return nil, fmt.Errorf("failed to decode search results: %w", err)
			}
		}
		if meta.Valid {
			a.Metadata = json.RawMessage(meta.String)
		}
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, a)
	}
	return records, rows.Err()
}
