package conversation

import (
	"maps"

	"github.com/portfolio-rag/backend/internal/storage/models"
)

// Assembled is the input handed to the language-model client.
type Assembled struct {
	Context []models.ChatContext
	History []models.ChatMessage
}

// Assemble takes the top cfg.MaxContextItems results, which must already be
// ranked, and the most recent cfg.HistoryLimit messages of history, which
// must already be chronological. Neither list is reordered. The output
// depends on nothing but the arguments.
func Assemble(results []models.SearchResult, history []models.ChatMessage, cfg models.ChatSystemConfig) Assembled {
	n := min(max(cfg.MaxContextItems, 0), len(results))
	chatContext := make([]models.ChatContext, 0, n)
	for _, r := range results[:n] {
		chatContext = append(chatContext, project(r, cfg.ShowSearchMetrics))
	}

	h := max(cfg.HistoryLimit, 0)
	if len(history) > h {
		history = history[len(history)-h:]
	}
	trimmed := make([]models.ChatMessage, len(history))
	copy(trimmed, history)

	return Assembled{Context: chatContext, History: trimmed}
}

func project(r models.SearchResult, showMetrics bool) models.ChatContext {
	c := models.ChatContext{
		ContentID:   r.ContentID,
		ContentType: r.ContentType,
		Similarity:  r.Similarity,
		Content:     r.Content,
	}
	if showMetrics {
		c.ContentSummary = r.ContentSummary
		c.Metadata = maps.Clone(r.Metadata)
		c.Source = r.Source
	}
	return c
}
