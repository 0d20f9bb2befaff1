package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"qualisys/internal/limiter"
	"qualisys/pkg/counterstore"
	"qualisys/prometheus"
)

func TestRateLimitMiddleware(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := limiter.NewRateLimiter(store, 10, time.Minute, zap.NewNop())

	e := echo.New()
	e.DELETE("/api/projects/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, RateLimitMiddleware(l, "delete_project"))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/projects/abc", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	for i := 1; i <= 10; i++ {
		if rec := do(); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d, want 204", i, rec.Code)
		}
	}

	rejectionsBefore := testutil.ToFloat64(prometheus.RateLimitRejectionCounter.WithLabelValues("delete_project"))

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 11: status = %d, want 429", rec.Code)
	}

	rejections := testutil.ToFloat64(prometheus.RateLimitRejectionCounter.WithLabelValues("delete_project"))
	if rejections != rejectionsBefore+1 {
		t.Errorf("rejection counter = %v, want %v", rejections, rejectionsBefore+1)
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("missing Retry-After header")
	}
	secs, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Fatalf("Retry-After %q is not numeric", retryAfter)
	}
	if secs < 1 || secs > 60 {
		t.Errorf("Retry-After = %d, want within (0, 60]", secs)
	}
}
