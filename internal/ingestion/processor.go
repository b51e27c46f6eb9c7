package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/logger"
)

const (
	maxSummaryLen   = 300
	maxEmbedInput   = 8000
	summarySentence = 2
)

var whitespace = regexp.MustCompile(`\s+`)

type CorpusWriter interface {
	UpsertContentItem(ctx context.Context, item *models.ContentItem) error
}

type VectorWriter interface {
	Upsert(ctx context.Context, items []models.ContentItem) error
	Delete(ctx context.Context, contentType, contentID string) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Processor turns portfolio write-ups into corpus items.
type Processor struct {
	corpus   CorpusWriter
	vectors  VectorWriter
	embedder Embedder
}

// NewProcessor wires the corpus writer. vectors and embedder may be nil.
func NewProcessor(corpus CorpusWriter, vectors VectorWriter, embedder Embedder) *Processor {
	return &Processor{
		corpus:   corpus,
		vectors:  vectors,
		embedder: embedder,
	}
}

// Document is a write-up to index. Either HTML or Text carries the body.
type Document struct {
	ContentID   string         `json:"contentId"`
	ContentType string         `json:"contentType"`
	Title       string         `json:"title,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	HTML        string         `json:"html,omitempty"`
	Text        string         `json:"text,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Result struct {
	Item     *models.ContentItem
	Embedded bool
}

// Index writes doc to the corpus. An embedding failure still stores the item
// so lexical search can find it.
func (p *Processor) Index(ctx context.Context, doc Document) (*Result, error) {
	doc.ContentID = strings.TrimSpace(doc.ContentID)
	doc.ContentType = strings.TrimSpace(doc.ContentType)
	if doc.ContentID == "" || doc.ContentType == "" {
		return nil, apperrors.InvalidInput("contentId and contentType are required")
	}

	item := &models.ContentItem{
		ContentID:   doc.ContentID,
		ContentType: doc.ContentType,
		Title:       strings.TrimSpace(doc.Title),
		Summary:     strings.TrimSpace(doc.Summary),
		Content:     normalizeText(doc.Text),
		Metadata:    doc.Metadata,
	}

	if doc.HTML != "" {
		parsed, err := parseHTML(doc.HTML)
		if err != nil {
			return nil, apperrors.InvalidInput("unreadable html: %v", err)
		}
		if item.Content == "" {
			item.Content = parsed.text
		}
		if item.Title == "" {
			item.Title = parsed.title
		}
		if item.Summary == "" {
			item.Summary = parsed.description
		}
	}
	if item.Content == "" {
		return nil, apperrors.InvalidInput("document %s has no text content", doc.ContentID)
	}
	if item.Summary == "" {
		item.Summary = Summarize(item.Content)
	}

	logger.Info("Indexing content item",
		zap.String("content_id", item.ContentID),
		zap.String("content_type", item.ContentType),
		zap.Int("length", len(item.Content)),
	)

	embedded := false
	if p.embedder != nil {
		embedding, err := p.embedder.Embed(ctx, embeddingInput(item))
		if err != nil {
			logger.Warn("Embedding failed, item will only be found lexically",
				zap.String("content_id", item.ContentID),
				zap.Error(err),
			)
		} else {
			item.Embedding = embedding
			embedded = true
		}
	}

	if err := p.corpus.UpsertContentItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to store content item: %w", err)
	}
	metrics.ContentItemsIndexed.Inc()

	// The corpus drops an embedding whose text changed, so the vector DB
	// must not keep serving it either.
	if p.vectors != nil {
		if len(item.Embedding) > 0 {
			if err := p.vectors.Upsert(ctx, []models.ContentItem{*item}); err != nil {
				return nil, fmt.Errorf("failed to upsert into vector DB: %w", err)
			}
		} else if err := p.vectors.Delete(ctx, item.ContentType, item.ContentID); err != nil {
			return nil, fmt.Errorf("failed to delete stale vector: %w", err)
		}
	}

	logger.Info("Content item indexed",
		zap.String("content_id", item.ContentID),
		zap.Int64("seq", item.Seq),
		zap.Bool("embedded", embedded),
	)

	return &Result{Item: item, Embedded: embedded}, nil
}

type page struct {
	title       string
	description string
	text        string
}

func parseHTML(html string) (page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return page{}, err
	}

	var p page
	p.title = strings.TrimSpace(doc.Find("title").First().Text())
	if p.title == "" {
		p.title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		p.description = strings.TrimSpace(desc)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	body := doc.Find("main, article").First()
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	p.text = normalizeText(body.Text())

	return p, nil
}

// Summarize keeps the first sentences of text, capped for display.
func Summarize(text string) string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return clip(text, maxSummaryLen)
	}

	var parts []string
	for i, s := range doc.Sentences() {
		if i == summarySentence {
			break
		}
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	if len(parts) == 0 {
		return clip(text, maxSummaryLen)
	}
	return clip(strings.Join(parts, " "), maxSummaryLen)
}

func embeddingInput(item *models.ContentItem) string {
	return clip(strings.Join([]string{item.Title, item.Summary, item.Content}, "\n"), maxEmbedInput)
}

func normalizeText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n-1])) + "…"
}
