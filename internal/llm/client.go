package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/metrics"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/circuitbreaker"
	"github.com/portfolio-rag/backend/pkg/config"
	"github.com/portfolio-rag/backend/pkg/logger"
	"github.com/portfolio-rag/backend/pkg/retry"
)

var ErrEmptyResponse = errors.New("llm: empty response")

// Client talks to an OpenAI-compatible API. Embeddings feed the vector
// search; replies are generated only when an HTTP caller asks for them.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(cfg config.LLMConfig) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   300 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        isRetryable,
		Logger:         logger.GetLogger(),
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Bool("custom_base_url", cfg.BaseURL != ""),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// Embed returns the embedding of text. An open breaker fails immediately so
// search degrades without waiting on a dead provider.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
				return retry.Permanent(ErrEmptyResponse)
			}

			embedding = resp.Data[0].Embedding
			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.TotalTokens))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

// ReplyRequest is the assembled turn handed to the model.
type ReplyRequest struct {
	Query       string
	Context     []models.ChatContext
	History     []models.ChatMessage
	Model       string
	Temperature float64
}

type Reply struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (c *Client) GenerateReply(ctx context.Context, req ReplyRequest) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = c.temperature
	}

	var reply *Reply

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       model,
				Messages:    BuildMessages(req),
				Temperature: temperature,
				MaxTokens:   c.maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(ErrEmptyResponse)
			}

			logger.Debug("LLM reply generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(resp.Usage.CompletionTokens))

			reply = &Reply{
				Content: resp.Choices[0].Message.Content,
				Model:   resp.Model,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return reply, nil
}

const systemPrompt = `You are the assistant on a personal portfolio site. Answer visitor questions about the owner's projects, posts and experience.

Rules:
1. Use ONLY the portfolio excerpts below and the conversation so far
2. Name the project or post you are drawing on
3. If the excerpts do not cover the question, say so briefly and suggest what the visitor could ask instead

Keep answers short and friendly.`

// BuildMessages lays out the system prompt with the retrieved excerpts, then
// the trimmed history in order, then the visitor's question.
func BuildMessages(req ReplyRequest) []openai.ChatCompletionMessage {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nPortfolio excerpts:\n")
	if len(req.Context) == 0 {
		sb.WriteString("(none)\n")
	}
	for i, item := range req.Context {
		fmt.Fprintf(&sb, "\n[%d] %s/%s (relevance %.2f)\n%s\n", i+1, item.ContentType, item.ContentID, item.Similarity, item.Content)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: sb.String(),
	})
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Query,
	})
	return messages
}

// isRetryable retries transport errors, rate limits and server errors.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
