package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReady(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	app := fiber.New()
	app.Get("/ready", NewHealthHandler(map[string]Pinger{"sqlite": ok}).Ready)
	app.Get("/ready-down", NewHealthHandler(map[string]Pinger{"sqlite": ok, "redis": down}).Ready)
	app.Get("/health", NewHealthHandler(nil).Health)

	status, body := doJSON(t, app, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, body = doJSON(t, app, http.MethodGet, "/ready-down", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, map[string]any{"sqlite": "ok", "redis": "unavailable"}, body["checks"])

	status, body = doJSON(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}
