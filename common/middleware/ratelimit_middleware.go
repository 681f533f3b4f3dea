package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/mailcortex/triage/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service
// Internal services set X-Internal-Service header to bypass rate limits
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}

	// Verify against shared secret (prevents spoofing)
	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}

	return internalHeader == expectedSecret
}

// caller identifies who to count the request against: the
// X-Triage-Caller header when present, otherwise the client IP.
func caller(c echo.Context) string {
	if caller := c.Request().Header.Get("X-Triage-Caller"); caller != "" {
		return caller
	}
	return c.RealIP()
}

// ImportRateLimitMiddleware throttles whole-document imports per
// caller. Fails open on limiter errors so a Redis outage never blocks
// configuration changes.
func ImportRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := rateLimiter.CheckImportLimit(c.Request().Context(), caller(c), limit, windowSec)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return tooManyRequests(c, "import_rate_limit_exceeded", result)
			}

			return next(c)
		}
	}
}

// MutationRateLimitMiddleware throttles single-rule edits per caller.
func MutationRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := rateLimiter.CheckMutationLimit(c.Request().Context(), caller(c), limit, windowSec)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return tooManyRequests(c, "mutation_rate_limit_exceeded", result)
			}

			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, code string, result *ratelimit.RateLimitResult) error {
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":   code,
		"message": "Request quota exceeded. Please wait before trying again.",
		"details": map[string]interface{}{
			"limit":               result.Limit,
			"current_count":       result.CurrentCount,
			"retry_after_seconds": result.RetryAfterSeconds,
		},
	})
}
