package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/internal/conversation"
	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/llm"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/pkg/logger"
)

type Conversation interface {
	HandleTurn(ctx context.Context, req conversation.TurnRequest) (*conversation.TurnResult, error)
	RecordReply(ctx context.Context, req conversation.ReplyRequest) (*models.ChatMessage, error)
	LookupSession(ctx context.Context, sessionKey string) (string, bool, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req llm.ReplyRequest) (*llm.Reply, error)
}

type ChatHandler struct {
	conversation Conversation
	generator    ReplyGenerator
}

// NewChatHandler builds the chat routes. generator may be nil, in which case
// turns never carry a reply.
func NewChatHandler(conv Conversation, generator ReplyGenerator) *ChatHandler {
	return &ChatHandler{
		conversation: conv,
		generator:    generator,
	}
}

type turnRequest struct {
	conversation.TurnRequest
	Generate bool `json:"generate"`
}

type replyBody struct {
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content"`
	Model     string `json:"model"`
}

func (h *ChatHandler) HandleTurn(c *fiber.Ctx) error {
	var req turnRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	ctx := c.Context()
	result, err := h.conversation.HandleTurn(ctx, req.TurnRequest)
	if err != nil {
		return respondError(c, "handle turn", err)
	}

	resp := fiber.Map{
		"sessionId": nullable(result.SessionID),
		"context":   result.Context,
		"history":   result.History,
		"degraded":  result.Degraded,
	}

	if req.Generate && h.generator != nil {
		reply, err := h.generateReply(ctx, req.TurnRequest, result)
		if err != nil {
			logger.Error("Failed to generate reply",
				zap.String("session_id", result.SessionID),
				zap.Error(err),
			)
			resp["replyError"] = "reply generation failed"
		} else {
			resp["reply"] = reply
		}
	}

	return c.JSON(resp)
}

// generateReply asks the model for an answer and stores it against the
// turn's session.
func (h *ChatHandler) generateReply(ctx context.Context, req conversation.TurnRequest, result *conversation.TurnResult) (*replyBody, error) {
	reply, err := h.generator.GenerateReply(ctx, llm.ReplyRequest{
		Query:       req.Query,
		Context:     result.Context,
		History:     result.History,
		Model:       result.Config.Model,
		Temperature: result.Config.Temperature,
	})
	if err != nil {
		return nil, err
	}

	body := &replyBody{Content: reply.Content, Model: reply.Model}
	if result.SessionID == "" {
		return body, nil
	}

	msg, err := h.conversation.RecordReply(ctx, conversation.ReplyRequest{
		SessionID: result.SessionID,
		Query:     req.Query,
		Response:  reply.Content,
		Config:    req.Config,
		UserID:    req.UserID,
		Results:   result.Results,
	})
	if err != nil {
		return nil, err
	}
	if msg != nil {
		body.MessageID = msg.ID
	}
	return body, nil
}

func (h *ChatHandler) RecordReply(c *fiber.Ctx) error {
	var req conversation.ReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	msg, err := h.conversation.RecordReply(c.Context(), req)
	if err != nil {
		return respondError(c, "record reply", err)
	}
	if msg == nil {
		return c.JSON(fiber.Map{"persisted": false})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"persisted": true,
		"message":   msg,
	})
}

func (h *ChatHandler) LookupSession(c *fiber.Ctx) error {
	id, ok, err := h.conversation.LookupSession(c.Context(), c.Query("sessionKey"))
	if err != nil {
		return respondError(c, "lookup session", err)
	}
	if !ok {
		return c.JSON(fiber.Map{"sessionId": nil})
	}
	return c.JSON(fiber.Map{"sessionId": id})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	limit := conversation.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return respondError(c, "list messages", apperrors.InvalidInput("limit must be a non-negative integer"))
		}
		limit = n
	}

	messages, err := h.conversation.History(c.Context(), c.Params("id"), limit)
	if err != nil {
		return respondError(c, "list messages", err)
	}
	return c.JSON(fiber.Map{"messages": messages})
}

func (h *ChatHandler) DeleteSession(c *fiber.Ctx) error {
	if err := h.conversation.DeleteSession(c.Context(), c.Params("id")); err != nil {
		return respondError(c, "delete session", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
