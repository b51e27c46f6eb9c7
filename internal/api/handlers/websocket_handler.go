package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/pkg/logger"
)

// WebSocketHandler runs turns over a socket and streams the reply word by
// word once it is generated.
type WebSocketHandler struct {
	chat *ChatHandler
}

func NewWebSocketHandler(chat *ChatHandler) *WebSocketHandler {
	return &WebSocketHandler{
		chat: chat,
	}
}

type socketMessage struct {
	Type string `json:"type"`
	turnRequest
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg socketMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "turn" {
			continue
		}

		if err := h.runTurn(ctx, c, msg.turnRequest); err != nil {
			logger.Error("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

// runTurn only returns write errors; turn failures are reported to the
// client as error frames.
func (h *WebSocketHandler) runTurn(ctx context.Context, c *websocket.Conn, req turnRequest) error {
	result, err := h.chat.conversation.HandleTurn(ctx, req.TurnRequest)
	if err != nil {
		return h.sendError(c, err)
	}

	err = c.WriteJSON(map[string]interface{}{
		"type":      "context",
		"sessionId": nullable(result.SessionID),
		"context":   result.Context,
		"history":   result.History,
		"degraded":  result.Degraded,
	})
	if err != nil {
		return err
	}

	if !req.Generate || h.chat.generator == nil {
		return nil
	}

	if err := h.sendChunk(c, "status", "Generating reply..."); err != nil {
		return err
	}

	reply, err := h.chat.generateReply(ctx, req.TurnRequest, result)
	if err != nil {
		logger.Error("Failed to generate reply", zap.String("session_id", result.SessionID), zap.Error(err))
		return h.sendError(c, err)
	}

	words := splitIntoWords(reply.Content)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":      "complete",
		"messageId": reply.MessageID,
		"model":     reply.Model,
	})
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    "error",
		"kind":    apperrors.KindOf(err),
		"message": apperrors.UserMessage(err),
	})
}

// splitIntoWords keeps newlines as their own tokens.
func splitIntoWords(text string) []string {
	words := []string{}
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for _, char := range text {
		switch char {
		case ' ':
			flush()
		case '\n':
			flush()
			words = append(words, "\n")
		default:
			current.WriteRune(char)
		}
	}
	flush()

	return words
}
