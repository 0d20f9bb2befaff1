package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/internal/middleware"
	"qualisys/internal/model"
	"qualisys/internal/rbac"
	"qualisys/internal/schema"
	"qualisys/internal/store"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// ProjectHandler serves project CRUD and project-member assignment inside
// a tenant's schema.
type ProjectHandler struct {
	registry *store.Registry
	tenants  *store.TenantStore
	gate     *rbac.Gate
}

// NewProjectHandler creates the project handler.
func NewProjectHandler(registry *store.Registry, tenants *store.TenantStore, gate *rbac.Gate) *ProjectHandler {
	return &ProjectHandler{registry: registry, tenants: tenants, gate: gate}
}

// Create adds a project to the tenant's schema. Owner, admin and pm-csm
// roles may create projects.
func (h *ProjectHandler) Create(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("project_create")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID,
		model.RoleOwner, model.RoleAdmin, model.RolePMCSM)
	if err != nil {
		return writeAccessError(c, err)
	}

	var req struct {
		Name          string `json:"name"`
		Description   string `json:"description"`
		GithubRepoURL string `json:"github_repo_url"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}

	ident, err := tenantSchemaIdent(tenant.Slug)
	if err != nil {
		log.Error("Tenant slug failed schema validation", zap.String("slug", tenant.Slug), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	project := store.Project{
		TenantID:      tenant.ID,
		Name:          req.Name,
		Description:   req.Description,
		GithubRepoURL: req.GithubRepoURL,
		Status:        "active",
		CreatedBy:     tc.UserID,
	}
	if err := h.tenants.CreateProject(ctx, ident, &project); err != nil {
		log.Error("Failed to create project", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "project creation failed"})
	}

	h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
		ActorID:      &tc.UserID,
		Action:       "project.created",
		ResourceType: "project",
		ResourceID:   project.ID.String(),
		Detail:       fmt.Sprintf(`{"name":%q}`, project.Name),
	})

	log.Info("Project created",
		zap.String("tenant_slug", tenant.Slug),
		zap.String("project_id", project.ID.String()),
		zap.String("name", project.Name))

	return c.JSON(http.StatusCreated, project)
}

// List returns the tenant's projects to any active member.
func (h *ProjectHandler) List(c echo.Context) error {
	prometheus.RecordTenantOperation("project_list")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, allRoles...)
	if err != nil {
		return writeAccessError(c, err)
	}

	ident, err := tenantSchemaIdent(tenant.Slug)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	projects, err := h.tenants.ListProjects(ctx, ident)
	if err != nil {
		logger.FromContext(c).Error("Failed to list projects", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve projects"})
	}

	return c.JSON(http.StatusOK, projects)
}

// Get returns one project. Beyond active membership it requires
// project-level access: owners and admins see every project, everyone
// else needs an assignment row.
func (h *ProjectHandler) Get(c echo.Context) error {
	prometheus.RecordTenantOperation("project_get")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	_, ident, projectID, _, err := h.resolveProjectAccess(c, tc)
	if err != nil {
		return writeAccessError(c, err)
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	project, err := h.tenants.GetProject(ctx, ident, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "project not found"})
		}
		logger.FromContext(c).Error("Failed to fetch project", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve project"})
	}

	return c.JSON(http.StatusOK, project)
}

// Delete removes a project. Owner and admin only; the route is
// rate limited because a delete is unrecoverable.
func (h *ProjectHandler) Delete(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("project_delete")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, model.RoleOwner, model.RoleAdmin)
	if err != nil {
		return writeAccessError(c, err)
	}

	projectID, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid project id"})
	}

	ident, err := tenantSchemaIdent(tenant.Slug)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("delete")(time.Now())
	if err := h.tenants.DeleteProject(ctx, ident, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "project not found"})
		}
		log.Error("Failed to delete project", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "project deletion failed"})
	}

	h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
		ActorID:      &tc.UserID,
		Action:       "project.deleted",
		ResourceType: "project",
		ResourceID:   projectID.String(),
	})

	log.Info("Project deleted",
		zap.String("tenant_slug", tenant.Slug),
		zap.String("project_id", projectID.String()))

	return c.JSON(http.StatusOK, echo.Map{"message": "project deleted"})
}

// AddMember assigns a user to a project. Owner, admin and pm-csm only.
// The target must already be an active member of the organization.
func (h *ProjectHandler) AddMember(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("project_member_add")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID,
		model.RoleOwner, model.RoleAdmin, model.RolePMCSM)
	if err != nil {
		return writeAccessError(c, err)
	}

	projectID, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid project id"})
	}

	var req struct {
		UserID uuid.UUID `json:"user_id"`
		Role   string    `json:"role"`
	}
	if err := c.Bind(&req); err != nil || req.UserID == uuid.Nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id is required"})
	}
	if req.Role == "" {
		req.Role = "contributor"
	}

	target, err := h.registry.Membership(ctx, tenant.ID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user is not a member of this organization"})
		}
		log.Error("Membership lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if !target.IsActive {
		return c.JSON(http.StatusConflict, echo.Map{"error": "user's membership has been revoked"})
	}

	ident, err := tenantSchemaIdent(tenant.Slug)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	if _, err := h.tenants.GetProject(ctx, ident, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "project not found"})
		}
		log.Error("Project lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	member := store.ProjectMember{
		TenantID:  tenant.ID,
		ProjectID: projectID,
		UserID:    req.UserID,
		Role:      req.Role,
		AddedBy:   tc.UserID,
	}
	if err := h.tenants.AddProjectMember(ctx, ident, &member); err != nil {
		log.Error("Failed to add project member", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "assignment failed"})
	}

	h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
		ActorID:      &tc.UserID,
		Action:       "project.member_added",
		ResourceType: "project",
		ResourceID:   projectID.String(),
		Detail:       fmt.Sprintf(`{"user_id":%q,"role":%q}`, req.UserID, req.Role),
	})

	return c.JSON(http.StatusCreated, member)
}

// ListMembers returns a project's assignment rows.
func (h *ProjectHandler) ListMembers(c echo.Context) error {
	prometheus.RecordTenantOperation("project_member_list")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	_, ident, projectID, _, err := h.resolveProjectAccess(c, tc)
	if err != nil {
		return writeAccessError(c, err)
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	members, err := h.tenants.ListProjectMembers(ctx, ident, projectID)
	if err != nil {
		logger.FromContext(c).Error("Failed to list project members", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve members"})
	}

	return c.JSON(http.StatusOK, members)
}

// resolveProjectAccess verifies org membership, parses the project id and
// applies the project-level access check in one place for read endpoints.
func (h *ProjectHandler) resolveProjectAccess(c echo.Context, tc *middleware.TenantContext) (*model.Tenant, schema.SafeIdent, uuid.UUID, *model.TenantMembership, error) {
	ctx := c.Request().Context()

	tenant, membership, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, allRoles...)
	if err != nil {
		return nil, schema.SafeIdent(""), uuid.Nil, nil, err
	}

	projectID, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		return nil, schema.SafeIdent(""), uuid.Nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid project id")
	}

	ident, err := tenantSchemaIdent(tenant.Slug)
	if err != nil {
		return nil, schema.SafeIdent(""), uuid.Nil, nil, err
	}

	if err := h.gate.CheckProjectAccess(ctx, h.tenants, ident, projectID, membership); err != nil {
		return nil, schema.SafeIdent(""), uuid.Nil, nil, err
	}

	return tenant, ident, projectID, membership, nil
}
