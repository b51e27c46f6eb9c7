package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type ConversationSession struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Title      *string   `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentItem is one entry of the portfolio corpus. Seq is the corpus
// insertion order.
type ContentItem struct {
	Seq         int64
	ContentID   string
	ContentType string
	Title       string
	Content     string
	Summary     string
	Metadata    map[string]any
	Embedding   []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SearchSource string

const (
	SourceVector  SearchSource = "vector"
	SourceLexical SearchSource = "lexical"
)

type SearchResult struct {
	ContentID      string         `json:"content_id"`
	ContentType    string         `json:"content_type"`
	Similarity     float64        `json:"similarity"`
	Content        string         `json:"content"`
	ContentSummary string         `json:"content_summary,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Source         SearchSource   `json:"source,omitempty"`
	Seq            int64          `json:"-"`
}

// Key is the identity of a result within one search call.
func (r SearchResult) Key() ResultKey {
	return ResultKey{ContentID: r.ContentID, ContentType: r.ContentType}
}

type ResultKey struct {
	ContentID   string
	ContentType string
}

// ChatContext is what the language model actually sees of a search result.
// Summary, metadata and source are only filled when search metrics are shown.
type ChatContext struct {
	ContentID      string         `json:"content_id"`
	ContentType    string         `json:"content_type"`
	Similarity     float64        `json:"similarity"`
	Content        string         `json:"content"`
	ContentSummary string         `json:"content_summary,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Source         SearchSource   `json:"source,omitempty"`
}

type ChatAnalytics struct {
	ID            string          `json:"id"`
	Query         string          `json:"query"`
	Response      string          `json:"response"`
	SessionID     string          `json:"session_id"`
	UserID        *string         `json:"user_id,omitempty"`
	SearchResults []SearchResult  `json:"search_results"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
