package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/pkg/logger"
)

// respondError writes the {kind, message} body. Causes are logged, never
// returned to the caller.
func respondError(c *fiber.Ctx, op string, err error) error {
	status := apperrors.HTTPStatus(err)
	kind := apperrors.KindOf(err)
	message := apperrors.UserMessage(err)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, kind, message = fiber.StatusGatewayTimeout, "Timeout", "request timed out"
	case errors.Is(err, context.Canceled):
		status, kind, message = fiber.StatusRequestTimeout, "Canceled", "request canceled"
	}

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("kind", kind),
		zap.String("path", c.Path()),
		zap.Error(err),
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", fields...)
	} else {
		logger.Warn("Request rejected", fields...)
	}

	return c.Status(status).JSON(fiber.Map{
		"kind":    kind,
		"message": message,
	})
}

func badBody(c *fiber.Ctx, err error) error {
	return respondError(c, "parse body", apperrors.InvalidInput("invalid request body: %v", err))
}
