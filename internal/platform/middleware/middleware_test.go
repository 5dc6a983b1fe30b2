package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	h := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	_ = h(c)

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

func TestLogger_WritesStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/diagnoses/x", nil), rec)
	c.Set("request_id", "rid-1")

	h := Logger(logger)(func(c echo.Context) error {
		return apperr.NotFound("diagnosis")
	})
	if err := h(c); err != nil {
		t.Fatalf("logger should swallow handled errors, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["request_id"] != "rid-1" || entry["status"] != float64(404) || entry["level"] != "warn" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestRecovery_ConvertsPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	h := Recovery(zerolog.Nop())(func(c echo.Context) error { panic("boom") })
	err := h(c)

	if !apperr.Is(err, apperr.KindServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	status, body := renderError(err)
	if status != http.StatusInternalServerError || body.Error != "internal server error" {
		t.Errorf("unexpected rendering %d %+v", status, body)
	}
}

func TestRecovery_LogsWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(Logger(logger)(Recovery(zerolog.Nop())(func(c echo.Context) error { panic("boom") })))
	if err := h(c); err != nil {
		t.Fatalf("logger should hand the error to the error handler, got %v", err)
	}

	var first map[string]any
	line, _, _ := strings.Cut(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &first); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if first["message"] != "panic recovered" || first["request_id"] != "req-42" {
		t.Errorf("unexpected panic log %v", first)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestErrorHandler_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		contains string
	}{
		{"validation", apperr.Validation("laboratory_id", "laboratory_id is required"), 400, "laboratory_id is required"},
		{"not found", apperr.NotFound("payment posting"), 404, "payment posting not found"},
		{"not implemented", apperr.NotImplemented("eRx transmission is not configured"), 501, "not configured"},
		{"echo", echo.NewHTTPError(http.StatusBadRequest, "invalid id"), 400, "invalid id"},
		{"static server msg", apperr.Wrap(apperr.KindServer, "Failed to fetch payment postings", errors.New("secret detail")), 500, "Failed to fetch payment postings"},
		{"untyped", errors.New("connection refused to 10.0.0.3"), 500, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			ErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, tt.contains) {
				t.Errorf("expected body to contain %q, got %s", tt.contains, body)
			}
			if strings.Contains(body, "secret detail") || strings.Contains(body, "10.0.0.3") {
				t.Errorf("cause leaked into response body: %s", body)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	_ = SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("expected %s header", h)
		}
	}
}

func TestRequestTimeout_Exceeded(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	h := RequestTimeout(20 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})
	err := h(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_PropagatesDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	h := RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTokenBucket(t *testing.T) {
	now := time.Unix(0, 0)
	b := newTokenBucket(1, 2, now)

	if ok, _ := b.allow(now); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := b.allow(now); !ok {
		t.Fatal("second request should pass (burst 2)")
	}
	ok, retry := b.allow(now)
	if ok {
		t.Fatal("third request should be limited")
	}
	if retry < 1 {
		t.Errorf("expected retry-after >= 1, got %d", retry)
	}
	if ok, _ := b.allow(now.Add(1500 * time.Millisecond)); !ok {
		t.Error("expected refill after 1.5s")
	}
}

func TestRateLimit_Returns429(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	c1 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := h(c1); err != nil {
		t.Fatalf("first request: %v", err)
	}
	rec := httptest.NewRecorder()
	c2 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := h(c2)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimitStore_EvictsIdle(t *testing.T) {
	s := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	s.bucket("a")
	clock = clock.Add(2 * time.Minute)
	s.bucket("b")

	if _, ok := s.buckets["a"]; ok {
		t.Error("expected idle bucket to be evicted")
	}
	if _, ok := s.buckets["b"]; !ok {
		t.Error("expected fresh bucket to remain")
	}
}
