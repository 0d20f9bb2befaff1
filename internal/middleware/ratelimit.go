package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/internal/limiter"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// RateLimitMiddleware guards a route group with the sliding-window request
// limiter, keyed by action name and client IP. Rejections carry a numeric
// Retry-After header.
func RateLimitMiddleware(l *limiter.RateLimiter, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := l.Allow(c.Request().Context(), action, c.RealIP())
			if err == nil {
				return next(c)
			}

			var rateErr *limiter.RateLimitError
			if errors.As(err, &rateErr) {
				prometheus.RateLimitRejectionCounter.WithLabelValues(action).Inc()
				retryAfter := int(math.Ceil(rateErr.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "rate limit exceeded",
					"retry_after": retryAfter,
				})
			}

			logger.FromContext(c).Error("Rate limit check failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "rate limit check failed"})
		}
	}
}
