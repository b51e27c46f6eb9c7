package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/logger"
)

// UpsertContentItem writes an item of the corpus. Re-indexing an existing
// (content_id, content_type) keeps its original insertion sequence. An item
// written without an embedding keeps the stored one only while its title,
// summary and body are unchanged. item.Seq and item.Embedding are set to
// what was stored.
func (c *Client) UpsertContentItem(ctx context.Context, item *models.ContentItem) error {
	metadata, err := marshalJSON(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	var embedding sql.NullString
	if len(item.Embedding) > 0 {
		if embedding, err = marshalJSON(item.Embedding); err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
	}

	var stored sql.NullString
	now := c.now()
	err = c.db.QueryRowContext(ctx, `
		INSERT INTO content_items (content_id, content_type, title, content, summary, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id, content_type) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			summary = excluded.summary,
			metadata = excluded.metadata,
			embedding = CASE
				WHEN excluded.embedding IS NOT NULL THEN excluded.embedding
				WHEN excluded.title = content_items.title
					AND excluded.summary = content_items.summary
					AND excluded.content = content_items.content THEN content_items.embedding
				ELSE NULL
			END,
			updated_at = excluded.updated_at
		RETURNING seq, embedding
	`, item.ContentID, item.ContentType, item.Title, item.Content, item.Summary, metadata, embedding,
		now.UnixNano(), now.UnixNano(),
	).Scan(&item.Seq, &stored)
	if err != nil {
		return fmt.Errorf("failed to upsert content item: %w", err)
	}
	if len(item.Embedding) == 0 && stored.Valid {
		if err := json.Unmarshal([]byte(stored.String), &item.Embedding); err != nil {
			return fmt.Errorf("failed to decode embedding of %s: %w", item.ContentID, err)
		}
	}

	logger.Debug("Content item indexed",
		zap.String("content_id", item.ContentID),
		zap.String("content_type", item.ContentType),
		zap.Int64("seq", item.Seq),
	)
	return nil
}

func (c *Client) CountContentItems(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count content items: %w", err)
	}
	return n, nil
}

// SearchLexical returns items matching any keyword. Similarity is the share
// of keywords found as whole words in the item's title, summary or body, so
// it lives on the same [0,1] scale as cosine similarity. FTS5 or LIKE only
// pick the candidates; items no keyword matches as a word are dropped.
func (c *Client) SearchLexical(ctx context.Context, keywords []string, limit int) ([]models.SearchResult, error) {
	keywords = normalizeKeywords(keywords)
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if c.ftsAvailable {
		rows, err = c.db.QueryContext(ctx, `
			SELECT c.seq, c.content_id, c.content_type, c.title, c.content, c.summary, c.metadata
			FROM content_fts
			JOIN content_items c ON c.seq = content_fts.rowid
			WHERE content_fts MATCH ?
			ORDER BY bm25(content_fts), c.seq
			LIMIT ?
		`, ftsQuery(keywords), limit)
	} else {
		conditions := make([]string, 0, len(keywords))
		args := make([]any, 0, len(keywords))
		for _, kw := range keywords {
			conditions = append(conditions, "LOWER(title || ' ' || summary || ' ' || content) LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(kw)+"%")
		}
		// LIKE matches inside words too, so the limit applies after scoring.
		rows, err = c.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT seq, content_id, content_type, title, content, summary, metadata
			FROM content_items
			WHERE %s
			ORDER BY seq
		`, strings.Join(conditions, " OR ")), args...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			r        models.SearchResult
			title    string
			metadata sql.NullString
		)
		if err := rows.Scan(&r.Seq, &r.ContentID, &r.ContentType, &title, &r.Content, &r.ContentSummary, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan lexical result: %w", err)
		}
		if r.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		r.Similarity = keywordCoverage(keywords, title+" "+r.ContentSummary+" "+r.Content)
		if r.Similarity == 0 {
			continue
		}
		r.Source = models.SourceLexical
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}

	if !c.ftsAvailable {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Similarity > results[j].Similarity
		})
		if len(results) > limit {
			results = results[:limit]
		}
	}
	return results, nil
}

// SearchVector scores every embedded item against the query embedding. The
// corpus is a handful of write-ups, so a full scan is cheaper than an index.
func (c *Client) SearchVector(ctx context.Context, embedding []float32, limit int) ([]models.SearchResult, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, content_id, content_type, content, summary, metadata, embedding
		FROM content_items
		WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			r             models.SearchResult
			metadata      sql.NullString
			embeddingJSON string
			itemVec       []float32
		)
		if err := rows.Scan(&r.Seq, &r.ContentID, &r.ContentType, &r.Content, &r.ContentSummary, &metadata, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan vector candidate: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &itemVec); err != nil {
			logger.Warn("Skipping content item with unreadable embedding",
				zap.String("content_id", r.ContentID),
				zap.Error(err),
			)
			continue
		}
		if len(itemVec) != len(embedding) {
			continue
		}
		if r.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		r.Similarity = CosineSimilarity(embedding, itemVec)
		r.Source = models.SourceVector
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Seq < results[j].Seq
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListContentItems streams the corpus in insertion order, e.g. to mirror it
// into an external vector index.
func (c *Client) ListContentItems(ctx context.Context) ([]models.ContentItem, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, content_id, content_type, title, content, summary, metadata, embedding, created_at, updated_at
		FROM content_items
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list content items: %w", err)
	}
	defer rows.Close()

	var items []models.ContentItem
	for rows.Next() {
		var (
			item                 models.ContentItem
			metadata, embedding  sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&item.Seq, &item.ContentID, &item.ContentType, &item.Title, &item.Content,
			&item.Summary, &metadata, &embedding, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}
		if item.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		if embedding.Valid {
			if err := json.Unmarshal([]byte(embedding.String), &item.Embedding); err != nil {
				return nil, fmt.Errorf("failed to decode embedding of %s: %w", item.ContentID, err)
			}
		}
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		item.UpdatedAt = time.Unix(0, updatedAt).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetContentItems loads the items named by keys, without embeddings. Keys
// not in the corpus are absent from the map.
func (c *Client) GetContentItems(ctx context.Context, keys []models.ResultKey) (map[models.ResultKey]models.ContentItem, error) {
	items := make(map[models.ResultKey]models.ContentItem, len(keys))
	if len(keys) == 0 {
		return items, nil
	}

	conditions := make([]string, len(keys))
	args := make([]any, 0, 2*len(keys))
	for i, key := range keys {
		conditions[i] = "(content_id = ? AND content_type = ?)"
		args = append(args, key.ContentID, key.ContentType)
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT seq, content_id, content_type, title, content, summary, metadata
		FROM content_items
		WHERE %s
	`, strings.Join(conditions, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load content items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     models.ContentItem
			metadata sql.NullString
		)
		if err := rows.Scan(&item.Seq, &item.ContentID, &item.ContentType, &item.Title, &item.Content, &item.Summary, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}
		if item.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		items[models.ResultKey{ContentID: item.ContentID, ContentType: item.ContentType}] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load content items: %w", err)
	}
	return items, nil
}

// CosineSimilarity is clamped to [0,1]; opposite vectors count as unrelated.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return min(max(dot/(math.Sqrt(normA)*math.Sqrt(normB)), 0), 1)
}

// keywordCoverage counts a keyword when its words appear consecutively in
// text, so "go" matches "Go," but not "google" or "ago".
func keywordCoverage(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	words := wordTokens(text)
	matched := 0
	for _, kw := range keywords {
		if containsPhrase(words, wordTokens(kw)) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

// wordTokens splits s like the unicode61 tokenizer: lowercased runs of
// letters and digits.
func wordTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		if slices.Equal(words[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

// normalizeKeywords lowercases and dedupes. Keywords without a single word
// character can never match and are dropped.
func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if len(wordTokens(kw)) == 0 || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

func ftsQuery(keywords []string) string {
	quoted := make([]string, len(keywords))
	for i, kw := range keywords {
		quoted[i] = `"` + strings.ReplaceAll(kw, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func decodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}
