package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/internal/middleware"
	"qualisys/internal/model"
	"qualisys/internal/rbac"
	"qualisys/internal/schema"
	"qualisys/internal/store"
	"qualisys/pkg/config"
	"qualisys/pkg/jwtutil"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// allRoles is the role set for operations any active member may perform.
var allRoles = []string{
	model.RoleOwner, model.RoleAdmin, model.RolePMCSM,
	model.RoleQAManual, model.RoleQAAutomation, model.RoleDeveloper, model.RoleViewer,
}

// OrgHandler serves organization lifecycle endpoints.
type OrgHandler struct {
	registry *store.Registry
	tenants  *store.TenantStore
	engine   *schema.Engine
	gate     *rbac.Gate
	jwt      *jwtutil.JWTUtil
	jwtCfg   *config.JWTConfig
}

// NewOrgHandler creates the organization handler.
func NewOrgHandler(registry *store.Registry, tenants *store.TenantStore, engine *schema.Engine, gate *rbac.Gate, jwt *jwtutil.JWTUtil, jwtCfg *config.JWTConfig) *OrgHandler {
	return &OrgHandler{registry: registry, tenants: tenants, engine: engine, gate: gate, jwt: jwt, jwtCfg: jwtCfg}
}

// tenantSchemaIdent derives and validates the schema identifier for a slug.
func tenantSchemaIdent(slug string) (schema.SafeIdent, error) {
	return schema.NewSafeIdent(schema.SchemaNameForSlug(slug))
}

// uniqueSlug picks an unused slug, starting from the candidate and
// appending a numeric suffix on collision.
func (h *OrgHandler) uniqueSlug(ctx context.Context, candidate string) (string, error) {
	slug := candidate
	for i := 2; ; i++ {
		_, err := h.registry.TenantBySlug(ctx, slug)
		if errors.Is(err, store.ErrNotFound) {
			return slug, nil
		}
		if err != nil {
			return "", err
		}
		slug = fmt.Sprintf("%s-%d", candidate, i)
		if !schema.ValidSlug(slug) {
			return "", fmt.Errorf("could not derive a unique slug from %q", candidate)
		}
	}
}

// CreateOrg registers a new organization: a registry row, the creator's
// owner membership, and the tenant's isolated schema. The registry writes
// commit only after provisioning succeeds, so a failed provisioning never
// leaves a tenant row pointing at a missing schema.
func (h *OrgHandler) CreateOrg(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("create")

	tc, _ := middleware.TenantFromEcho(c)

	var req struct {
		Name     string `json:"name"`
		Slug     string `json:"slug,omitempty"`
		PlanTier string `json:"plan_tier,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}

	ctx := c.Request().Context()

	slug := req.Slug
	if slug == "" {
		slug = schema.Slugify(req.Name)
	}
	if !schema.ValidSlug(slug) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "slug must be 3-50 lowercase alphanumerics or hyphens with no leading or trailing hyphen",
			"code":  "invalid_slug",
		})
	}

	slug, err := h.uniqueSlug(ctx, slug)
	if err != nil {
		log.Error("Slug derivation failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	planTier := req.PlanTier
	if planTier == "" {
		planTier = "free"
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())

	tx := h.registry.DB().WithContext(ctx).Begin()
	if tx.Error != nil {
		log.Error("Failed to begin transaction", zap.Error(tx.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	tenant := model.Tenant{
		Name:               req.Name,
		Slug:               slug,
		PlanTier:           planTier,
		ProvisioningStatus: model.ProvisioningReady,
	}
	if err := tx.Create(&tenant).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to create tenant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "organization creation failed"})
	}

	membership := model.TenantMembership{
		TenantID: tenant.ID,
		UserID:   tc.UserID,
		Role:     model.RoleOwner,
		IsActive: true,
	}
	if err := tx.Create(&membership).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to create owner membership", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "organization creation failed"})
	}

	// First organization becomes the user's default tenant.
	if err := tx.Model(&model.User{}).
		Where("id = ? AND default_tenant_id IS NULL", tc.UserID).
		Update("default_tenant_id", tenant.ID).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to set default tenant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "organization creation failed"})
	}

	status, err := h.engine.Provision(ctx, tenant.ID, slug)
	if err != nil {
		tx.Rollback()
		prometheus.RecordProvisioning(string(schema.StatusFailed))
		log.Error("Tenant provisioning failed",
			zap.String("slug", slug),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "organization provisioning failed",
			"code":  "provisioning_failed",
		})
	}
	prometheus.RecordProvisioning(string(status))

	if err := tx.Commit().Error; err != nil {
		log.Error("Failed to commit transaction", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "transaction commit failed"})
	}

	if ident, identErr := tenantSchemaIdent(slug); identErr == nil {
		h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
			ActorID: &tc.UserID,
			Action:  "org.created",
			Detail:  fmt.Sprintf(`{"name":%q,"slug":%q}`, req.Name, slug),
		})
	}

	// Reissue the credential scoped to the new organization.
	token, err := h.jwt.GenerateTokenWithTenant(tc.Email, tc.UserID, slug, model.RoleOwner)
	if err != nil {
		log.Error("Failed to generate token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}
	h.setAuthCookie(c, token)

	log.Info("Organization created",
		zap.String("name", tenant.Name),
		zap.String("slug", tenant.Slug),
		zap.String("tenant_id", tenant.ID.String()))

	return c.JSON(http.StatusCreated, echo.Map{
		"message": "organization created successfully",
		"tenant":  tenant,
		"token":   token,
	})
}

// GetOrg returns an organization's registry row to any active member.
func (h *OrgHandler) GetOrg(c echo.Context) error {
	prometheus.RecordTenantOperation("access")
	tc, _ := middleware.TenantFromEcho(c)

	tenant, _, err := h.gate.RequireRole(c.Request().Context(), c.Param("slug"), tc.UserID, allRoles...)
	if err != nil {
		return writeAccessError(c, err)
	}

	return c.JSON(http.StatusOK, tenant)
}

// ListMyOrgs returns every organization the user is an active member of.
func (h *OrgHandler) ListMyOrgs(c echo.Context) error {
	prometheus.RecordTenantOperation("list")
	tc, _ := middleware.TenantFromEcho(c)

	memberships, err := h.registry.MembershipsForUser(c.Request().Context(), tc.UserID)
	if err != nil {
		logger.FromContext(c).Error("Failed to list memberships", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve organizations"})
	}

	type orgResponse struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Slug      string    `json:"slug"`
		PlanTier  string    `json:"plan_tier"`
		Role      string    `json:"role"`
		CreatedAt time.Time `json:"created_at"`
	}

	response := make([]orgResponse, 0, len(memberships))
	for _, m := range memberships {
		response = append(response, orgResponse{
			ID:        m.Tenant.ID.String(),
			Name:      m.Tenant.Name,
			Slug:      m.Tenant.Slug,
			PlanTier:  m.Tenant.PlanTier,
			Role:      m.Role,
			CreatedAt: m.Tenant.CreatedAt,
		})
	}

	return c.JSON(http.StatusOK, response)
}

// SwitchOrg issues a fresh credential scoped to another organization the
// user is an active member of.
func (h *OrgHandler) SwitchOrg(c echo.Context) error {
	prometheus.RecordTenantOperation("switch")
	tc, _ := middleware.TenantFromEcho(c)
	slug := c.Param("slug")

	_, membership, err := h.gate.RequireRole(c.Request().Context(), slug, tc.UserID, allRoles...)
	if err != nil {
		return writeAccessError(c, err)
	}

	token, err := h.jwt.GenerateTokenWithTenant(tc.Email, tc.UserID, slug, membership.Role)
	if err != nil {
		logger.FromContext(c).Error("Failed to generate token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}
	h.setAuthCookie(c, token)

	return c.JSON(http.StatusOK, echo.Map{
		"token":  token,
		"tenant": echo.Map{"slug": slug, "role": membership.Role},
	})
}

// UpdateSettings changes an organization's mutable registry fields.
// Owner and admin only.
func (h *OrgHandler) UpdateSettings(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("update")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, model.RoleOwner, model.RoleAdmin)
	if err != nil {
		return writeAccessError(c, err)
	}

	var req struct {
		Name          *string `json:"name,omitempty"`
		Settings      *string `json:"settings,omitempty"`
		PlanTier      *string `json:"plan_tier,omitempty"`
		RetentionDays *int    `json:"retention_days,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	updates := map[string]interface{}{}
	if req.Name != nil && *req.Name != "" {
		updates["name"] = *req.Name
	}
	if req.Settings != nil {
		updates["settings"] = *req.Settings
	}
	if req.PlanTier != nil && *req.PlanTier != "" {
		updates["plan_tier"] = *req.PlanTier
	}
	if req.RetentionDays != nil && *req.RetentionDays > 0 {
		updates["retention_days"] = *req.RetentionDays
	}
	if len(updates) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no updatable fields provided"})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	if err := h.registry.DB().WithContext(ctx).Model(tenant).Updates(updates).Error; err != nil {
		log.Error("Failed to update organization", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "update failed"})
	}

	if ident, identErr := tenantSchemaIdent(tenant.Slug); identErr == nil {
		h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
			ActorID: &tc.UserID,
			Action:  "org.settings_updated",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "organization updated", "tenant": tenant})
}

// DeleteOrg removes the organization and drops its schema. Owner only.
func (h *OrgHandler) DeleteOrg(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("delete")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, model.RoleOwner)
	if err != nil {
		return writeAccessError(c, err)
	}

	defer prometheus.TrackDBOperation("delete")(time.Now())

	tx := h.registry.DB().WithContext(ctx).Begin()
	if tx.Error != nil {
		log.Error("Failed to begin transaction", zap.Error(tx.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	if err := tx.Where("tenant_id = ?", tenant.ID).Delete(&model.TenantMembership{}).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to delete memberships", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "deletion failed"})
	}
	if err := tx.Where("tenant_id = ?", tenant.ID).Delete(&model.Invitation{}).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to delete invitations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "deletion failed"})
	}
	// Hard delete: a soft-deleted row would keep holding the slug's unique
	// index while being invisible to the collision check, bricking the name.
	if err := tx.Unscoped().Delete(tenant).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to delete tenant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "deletion failed"})
	}
	if err := tx.Commit().Error; err != nil {
		log.Error("Failed to commit transaction", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "transaction commit failed"})
	}

	// The registry row is gone; dropping the schema afterwards is safe to
	// retry and a failure here only leaves an orphaned schema to reap.
	if err := h.engine.Drop(ctx, tenant.Slug); err != nil {
		log.Error("Failed to drop tenant schema", zap.String("slug", tenant.Slug), zap.Error(err))
	}

	log.Info("Organization deleted",
		zap.String("slug", tenant.Slug),
		zap.String("tenant_id", tenant.ID.String()))

	return c.JSON(http.StatusOK, echo.Map{"message": "organization deleted"})
}

func (h *OrgHandler) setAuthCookie(c echo.Context, token string) {
	c.SetCookie(&http.Cookie{
		Name:     h.jwtCfg.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(time.Duration(h.jwtCfg.ExpirationHours) * time.Hour),
	})
}
