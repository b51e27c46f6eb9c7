package validation

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	// MaxBodySize caps JSON bodies below the server-wide body limit.
	MaxBodySize         int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects write requests whose body is not well-formed JSON of an
// accepted content type before they reach a handler.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if !allowedContentType(c.Get(fiber.HeaderContentType), cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "unsupported content type")
		}

		body := c.Body()
		if len(body) > cfg.MaxBodySize {
			return reject(c, fiber.StatusRequestEntityTooLarge, "request body too large")
		}

		if !json.Valid(body) {
			cfg.Logger.Warn("Malformed JSON body",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.Int("size", len(body)),
			)
			return reject(c, fiber.StatusBadRequest, "invalid JSON format")
		}

		return c.Next()
	}
}

func allowedContentType(contentType string, allowed []string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	for _, a := range allowed {
		if mediaType == a {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"kind":    "InvalidInput",
		"message": message,
	})
}
