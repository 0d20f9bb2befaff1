package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/internal/rbac"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// writeAccessError maps the gate's errors to HTTP responses. Each cause
// gets a distinct machine-readable code because they drive different client
// UX, but none of them reveals anything about other tenants.
func writeAccessError(c echo.Context, err error) error {
	log := logger.FromContext(c)

	switch {
	case errors.Is(err, rbac.ErrTenantNotFound):
		prometheus.RecordAuthError("tenant_not_found")
		return c.JSON(http.StatusNotFound, echo.Map{
			"error": "organization not found",
			"code":  "tenant_not_found",
		})

	case errors.Is(err, rbac.ErrNotAMember):
		prometheus.RecordAuthError("not_a_member")
		return c.JSON(http.StatusForbidden, echo.Map{
			"error": "not a member of this organization",
			"code":  "not_a_member",
		})

	case errors.Is(err, rbac.ErrAccessRevoked):
		prometheus.RecordAuthError("access_revoked")
		return c.JSON(http.StatusForbidden, echo.Map{
			"error": "organization access has been revoked",
			"code":  "access_revoked",
		})

	case errors.Is(err, rbac.ErrProjectAccessDenied):
		prometheus.RecordAuthError("project_access_denied")
		return c.JSON(http.StatusForbidden, echo.Map{
			"error": "project access denied",
			"code":  "project_access_denied",
		})
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var roleErr *rbac.RoleError
	if errors.As(err, &roleErr) {
		prometheus.RecordAuthError("insufficient_role")
		return c.JSON(http.StatusForbidden, echo.Map{
			"error":         "insufficient role",
			"code":          "insufficient_role",
			"allowed_roles": roleErr.Allowed,
		})
	}

	// Anything else is an infrastructure failure, not a denial.
	log.Error("Access check failed", zap.Error(err))
	prometheus.RecordAuthError("access_check_failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
