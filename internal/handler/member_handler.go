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
	"qualisys/internal/store"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// invitationTTL is how long an invitation stays acceptable.
const invitationTTL = 7 * 24 * time.Hour

// MemberHandler serves tenant membership and invitation endpoints.
type MemberHandler struct {
	registry *store.Registry
	tenants  *store.TenantStore
	gate     *rbac.Gate
}

// NewMemberHandler creates the membership handler.
func NewMemberHandler(registry *store.Registry, tenants *store.TenantStore, gate *rbac.Gate) *MemberHandler {
	return &MemberHandler{registry: registry, tenants: tenants, gate: gate}
}

// Invite creates a pending invitation. Owner and admin only. A second
// pending invitation to the same email is a conflict; mail delivery is an
// external collaborator, so the invitation is only logged here.
func (h *MemberHandler) Invite(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("invite")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, model.RoleOwner, model.RoleAdmin)
	if err != nil {
		return writeAccessError(c, err)
	}

	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email is required"})
	}
	if req.Role == "" {
		req.Role = model.RoleViewer
	}
	if !model.ValidRole(req.Role) || req.Role == model.RoleOwner {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid role"})
	}

	// An existing active member needs a role change, not an invitation.
	if user, err := h.registry.UserByEmail(ctx, req.Email); err == nil {
		if membership, err := h.registry.Membership(ctx, tenant.ID, user.ID); err == nil && membership.IsActive {
			return c.JSON(http.StatusConflict, echo.Map{
				"error": "user is already a member",
				"code":  "already_a_member",
			})
		}
	}

	if _, err := h.registry.PendingInvitation(ctx, tenant.ID, req.Email); err == nil {
		return c.JSON(http.StatusConflict, echo.Map{
			"error": "an invitation for this email is already pending",
			"code":  "invitation_pending",
		})
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Error("Invitation lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	invitation := model.Invitation{
		TenantID:  tenant.ID,
		Email:     req.Email,
		Role:      req.Role,
		Status:    model.InvitationPending,
		InvitedBy: tc.UserID,
		ExpiresAt: time.Now().Add(invitationTTL),
	}
	if err := h.registry.DB().WithContext(ctx).Create(&invitation).Error; err != nil {
		log.Error("Failed to create invitation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "invitation failed"})
	}

	if ident, identErr := tenantSchemaIdent(tenant.Slug); identErr == nil {
		h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
			ActorID:      &tc.UserID,
			Action:       "member.invited",
			ResourceType: "invitation",
			ResourceID:   invitation.ID.String(),
			Detail:       fmt.Sprintf(`{"email":%q,"role":%q}`, req.Email, req.Role),
		})
	}

	log.Info("Invitation created",
		zap.String("tenant_slug", tenant.Slug),
		zap.String("email", req.Email),
		zap.String("role", req.Role))

	return c.JSON(http.StatusCreated, echo.Map{
		"message":    "invitation created",
		"invitation": invitation,
	})
}

// Accept turns a pending invitation into a membership for the
// authenticated user. A previously removed member is reactivated rather
// than duplicated.
func (h *MemberHandler) Accept(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("invite_accept")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	var req struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token is required"})
	}

	invitation, err := h.registry.InvitationByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "invitation not found"})
		}
		log.Error("Invitation lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	if invitation.Status != model.InvitationPending {
		return c.JSON(http.StatusConflict, echo.Map{"error": "invitation is no longer pending"})
	}
	if time.Now().After(invitation.ExpiresAt) {
		return c.JSON(http.StatusGone, echo.Map{"error": "invitation has expired"})
	}
	if !strings.EqualFold(invitation.Email, tc.Email) {
		prometheus.RecordAuthError("invitation_email_mismatch")
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invitation was issued to a different email"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())

	tx := h.registry.DB().WithContext(ctx).Begin()
	if tx.Error != nil {
		log.Error("Failed to begin transaction", zap.Error(tx.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	existing, err := h.registry.Membership(ctx, invitation.TenantID, tc.UserID)
	switch {
	case err == nil && existing.IsActive:
		tx.Rollback()
		return c.JSON(http.StatusConflict, echo.Map{"error": "already a member", "code": "already_a_member"})

	case err == nil:
		// Reactivate the soft-deleted membership with the invited role.
		if err := tx.Model(existing).Updates(map[string]interface{}{
			"role":       invitation.Role,
			"is_active":  true,
			"removed_by": nil,
			"removed_at": nil,
		}).Error; err != nil {
			tx.Rollback()
			log.Error("Failed to reactivate membership", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "membership update failed"})
		}

	case errors.Is(err, store.ErrNotFound):
		membership := model.TenantMembership{
			TenantID: invitation.TenantID,
			UserID:   tc.UserID,
			Role:     invitation.Role,
			IsActive: true,
		}
		if err := tx.Create(&membership).Error; err != nil {
			tx.Rollback()
			log.Error("Failed to create membership", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "membership creation failed"})
		}

	default:
		tx.Rollback()
		log.Error("Membership lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	if err := tx.Model(invitation).Update("status", model.InvitationAccepted).Error; err != nil {
		tx.Rollback()
		log.Error("Failed to mark invitation accepted", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "invitation update failed"})
	}

	if err := tx.Commit().Error; err != nil {
		log.Error("Failed to commit transaction", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "transaction commit failed"})
	}

	log.Info("Invitation accepted",
		zap.String("tenant_id", invitation.TenantID.String()),
		zap.String("email", tc.Email),
		zap.String("role", invitation.Role))

	return c.JSON(http.StatusOK, echo.Map{
		"message": "invitation accepted",
		"role":    invitation.Role,
	})
}

// List returns all memberships of an organization to any active member.
func (h *MemberHandler) List(c echo.Context) error {
	prometheus.RecordTenantOperation("member_list")
	tc, _ := middleware.TenantFromEcho(c)

	tenant, _, err := h.gate.RequireRole(c.Request().Context(), c.Param("slug"), tc.UserID, allRoles...)
	if err != nil {
		return writeAccessError(c, err)
	}

	members, err := h.registry.MembersOfTenant(c.Request().Context(), tenant.ID)
	if err != nil {
		logger.FromContext(c).Error("Failed to list members", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve members"})
	}

	return c.JSON(http.StatusOK, members)
}

// ChangeRole updates a member's role. Owner and admin only; the owner role
// itself cannot be granted or taken this way.
func (h *MemberHandler) ChangeRole(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("role_change")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, model.RoleOwner, model.RoleAdmin)
	if err != nil {
		return writeAccessError(c, err)
	}

	targetID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := c.Bind(&req); err != nil || !model.ValidRole(req.Role) || req.Role == model.RoleOwner {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid role"})
	}

	target, err := h.registry.Membership(ctx, tenant.ID, targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "member not found"})
		}
		log.Error("Membership lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if target.Role == model.RoleOwner {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "cannot change the owner's role"})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	if err := h.registry.DB().WithContext(ctx).Model(target).Update("role", req.Role).Error; err != nil {
		log.Error("Failed to change role", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "role change failed"})
	}

	if ident, identErr := tenantSchemaIdent(tenant.Slug); identErr == nil {
		h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
			ActorID:      &tc.UserID,
			Action:       "member.role_changed",
			ResourceType: "membership",
			ResourceID:   target.ID.String(),
			Detail:       fmt.Sprintf(`{"role":%q}`, req.Role),
		})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "role updated", "role": req.Role})
}

// Remove soft-deletes a membership, preserving the row for the audit
// trail. Owner and admin only; the owner cannot be removed.
func (h *MemberHandler) Remove(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("member_remove")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, _, err := h.gate.RequireRole(ctx, c.Param("slug"), tc.UserID, model.RoleOwner, model.RoleAdmin)
	if err != nil {
		return writeAccessError(c, err)
	}

	targetID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	target, err := h.registry.Membership(ctx, tenant.ID, targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "member not found"})
		}
		log.Error("Membership lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if target.Role == model.RoleOwner {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "cannot remove the organization owner"})
	}
	if !target.IsActive {
		return c.JSON(http.StatusConflict, echo.Map{"error": "member already removed"})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	now := time.Now()
	if err := h.registry.DB().WithContext(ctx).Model(target).Updates(map[string]interface{}{
		"is_active":  false,
		"removed_by": tc.UserID,
		"removed_at": now,
	}).Error; err != nil {
		log.Error("Failed to remove member", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "removal failed"})
	}

	if ident, identErr := tenantSchemaIdent(tenant.Slug); identErr == nil {
		h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
			ActorID:      &tc.UserID,
			Action:       "member.removed",
			ResourceType: "membership",
			ResourceID:   target.ID.String(),
		})
	}

	log.Info("Member removed",
		zap.String("tenant_slug", tenant.Slug),
		zap.String("user_id", targetID.String()))

	return c.JSON(http.StatusOK, echo.Map{"message": "member removed"})
}
