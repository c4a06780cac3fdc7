package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func doRequest(e *echo.Echo, h echo.HandlerFunc, userID string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, "", []string{auth.RoleNurse}))
	}
	rec := httptest.NewRecorder()
	err := h(e.NewContext(req, rec))
	return rec, err
}

func TestRateLimit_BlocksAfterLimit(t *testing.T) {
	e := echo.New()
	cfg := DefaultRateLimitConfig()
	cfg.Requests = 2
	h := RateLimit(cfg)(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := doRequest(e, h, "nurse-1"); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}

	rec, err := doRequest(e, h, "nurse-1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_KeysByUser(t *testing.T) {
	e := echo.New()
	cfg := DefaultRateLimitConfig()
	cfg.Requests = 1
	h := RateLimit(cfg)(okHandler)

	if _, err := doRequest(e, h, "nurse-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same IP, different user gets its own window.
	if _, err := doRequest(e, h, "nurse-2"); err != nil {
		t.Fatalf("unexpected error for second user: %v", err)
	}
	if _, err := doRequest(e, h, "nurse-1"); err == nil {
		t.Fatal("expected first user to be limited")
	}
}

func TestRateLimit_RemainingHeader(t *testing.T) {
	e := echo.New()
	cfg := DefaultRateLimitConfig()
	cfg.Requests = 5
	h := RateLimit(cfg)(okHandler)

	rec, err := doRequest(e, h, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("expected 4 remaining, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("expected limit 5, got %q", got)
	}
}

type failingCounter struct{}

func (failingCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	e := echo.New()
	cfg := DefaultRateLimitConfig()
	cfg.Requests = 1
	cfg.Counter = failingCounter{}
	h := RateLimit(cfg)(okHandler)

	for i := 0; i < 3; i++ {
		if _, err := doRequest(e, h, "nurse-1"); err != nil {
			t.Fatalf("request %d: expected pass-through, got %v", i, err)
		}
	}
}

func TestMemoryCounter_WindowResets(t *testing.T) {
	m := NewMemoryCounter()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for want := int64(1); want <= 3; want++ {
		got, _ := m.Incr(context.Background(), "k", time.Minute)
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}

	now = now.Add(time.Minute)
	if got, _ := m.Incr(context.Background(), "k", time.Minute); got != 1 {
		t.Errorf("expected reset to 1, got %d", got)
	}
}
