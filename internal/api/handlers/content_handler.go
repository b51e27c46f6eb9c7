package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/portfolio-rag/backend/internal/ingestion"
)

type Indexer interface {
	Index(ctx context.Context, doc ingestion.Document) (*ingestion.Result, error)
}

type ContentHandler struct {
	indexer Indexer
}

func NewContentHandler(indexer Indexer) *ContentHandler {
	return &ContentHandler{
		indexer: indexer,
	}
}

// IndexContent adds or replaces one portfolio write-up in the corpus.
func (h *ContentHandler) IndexContent(c *fiber.Ctx) error {
	var doc ingestion.Document
	if err := c.BodyParser(&doc); err != nil {
		return badBody(c, err)
	}

	result, err := h.indexer.Index(c.Context(), doc)
	if err != nil {
		return respondError(c, "index content", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"contentId":   result.Item.ContentID,
		"contentType": result.Item.ContentType,
		"title":       result.Item.Title,
		"seq":         result.Item.Seq,
		"embedded":    result.Embedded,
	})
}
