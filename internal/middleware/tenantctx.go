package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/pkg/jwtutil"
	"qualisys/pkg/logger"
)

// tenantContextKey is the Echo context key the resolved tenant context is
// stored under. Echo contexts are per-request, so concurrent requests can
// never observe each other's value.
const tenantContextKey = "tenant_context"

// TenantContext is the resolved identity for one request. It is set exactly
// once, before any handler runs, and is read-only afterward: nothing in a
// later header or body can re-point the request at another tenant.
type TenantContext struct {
	UserID     uuid.UUID
	Email      string
	TenantSlug string
	Role       string
}

// Paths that are tenant-agnostic by design and skip context resolution.
var skipPrefixes = []string{"/auth", "/health", "/metrics", "/docs"}

func skipTenantContext(path string) bool {
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TenantContextMiddleware decodes the request credential and publishes the
// tenant context into the per-request Echo context. The credential is read
// from the HTTP-only cookie first, falling back to an Authorization bearer
// header for service-to-service calls. Decoding failures are deliberately
// silent here: the context stays unset and RequireTenantContext rejects the
// request downstream, so all user-facing auth errors are shaped in one
// place.
func TenantContextMiddleware(jwt *jwtutil.JWTUtil, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipTenantContext(c.Request().URL.Path) {
				return next(c)
			}

			tokenString := credentialFromRequest(c, cookieName)
			if tokenString == "" {
				return next(c)
			}

			claims, err := jwt.ValidateToken(tokenString)
			if err != nil {
				logger.FromContext(c).Debug("Credential rejected, leaving tenant context unset", zap.Error(err))
				return next(c)
			}

			c.Set(tenantContextKey, &TenantContext{
				UserID:     claims.UserID,
				Email:      claims.Email,
				TenantSlug: claims.TenantSlug,
				Role:       claims.Role,
			})

			return next(c)
		}
	}
}

// credentialFromRequest extracts the raw token: cookie first, bearer header
// as fallback.
func credentialFromRequest(c echo.Context, cookieName string) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := c.Request().Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// TenantFromEcho retrieves the request's tenant context, if one was set.
func TenantFromEcho(c echo.Context) (*TenantContext, bool) {
	tc, ok := c.Get(tenantContextKey).(*TenantContext)
	return tc, ok
}

// RequireTenantContext rejects requests that reached a protected route
// without a resolved tenant context. The error is uniform regardless of
// whether the credential was missing, malformed or expired.
func RequireTenantContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := TenantFromEcho(c); !ok {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
		}
		return next(c)
	}
}
