package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
)

// Counter increments the hit count for key within a fixed window and returns
// the new count.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Counter  Counter
	Logger   zerolog.Logger
}

// DefaultRateLimitConfig allows 300 requests per minute per caller using an
// in-process counter.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 300,
		Window:   time.Minute,
		Counter:  NewMemoryCounter(),
		Logger:   zerolog.Nop(),
	}
}

// RateLimit rejects callers that exceed cfg.Requests per window. Callers are
// keyed by user id when authenticated, otherwise by client IP. If the
// counter backend fails the request is let through.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Counter == nil {
		cfg.Counter = NewMemoryCounter()
	}
	limit := strconv.Itoa(cfg.Requests)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			n, err := cfg.Counter.Incr(c.Request().Context(), key, cfg.Window)
			if err != nil {
				cfg.Logger.Warn().Err(err).Msg("rate limit counter unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if n > int64(cfg.Requests) {
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(cfg.Requests)-n, 10))
			return next(c)
		}
	}
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is a fixed-window counter local to one process.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window), now: time.Now}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, d time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// RedisCounter shares fixed windows across instances using INCR and PEXPIRE.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "triage:ratelimit:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, d time.Duration) (int64, error) {
	k := r.prefix + key
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, d)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit incr: %w", err)
	}
	return incr.Val(), nil
}
