package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, perMinute int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := New(Config{MaxRequestsPerMinute: perMinute})
	rl.now = clock.Now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestAllowRefillsOverTime(t *testing.T) {
	rl, clock := newLimiter(t, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("session:a"))
	}
	assert.False(t, rl.Allow("session:a"))
	assert.True(t, rl.Allow("session:b"), "buckets are per key")

	clock.Advance(20 * time.Second)
	assert.True(t, rl.Allow("session:a"))
	assert.False(t, rl.Allow("session:a"))

	clock.Advance(10 * time.Second)
	assert.False(t, rl.Allow("session:a"))
	clock.Advance(10 * time.Second)
	assert.True(t, rl.Allow("session:a"), "partial intervals accumulate")
}

func TestEvictIdle(t *testing.T) {
	rl, clock := newLimiter(t, 10)
	rl.Allow("ip:1.2.3.4")

	clock.Advance(3 * time.Minute)
	rl.evictIdle()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.buckets)
}

func TestMiddleware(t *testing.T) {
	rl, _ := newLimiter(t, 1)

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	send := func(sessionKey string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if sessionKey != "" {
			req.Header.Set(SessionKeyHeader, sessionKey)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, send("visitor-1"))
	assert.Equal(t, http.StatusTooManyRequests, send("visitor-1"))
	assert.Equal(t, http.StatusOK, send("visitor-2"))
	assert.Equal(t, http.StatusOK, send(""))
}
