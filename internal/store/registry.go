package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"qualisys/internal/model"
)

// Registry is the data access layer for the global tables (tenants, users,
// memberships, invitations). These live in the public schema; everything
// tenant-private goes through TenantStore instead.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates the global-registry data access layer.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// DB exposes the underlying handle for transactional flows that span
// multiple registry writes.
func (r *Registry) DB() *gorm.DB {
	return r.db
}

// TenantBySlug looks a tenant up by its unique slug.
func (r *Registry) TenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	return &tenant, nil
}

// Membership returns the membership row for (tenant, user) regardless of
// its active flag, so callers can tell a revoked member from a stranger.
func (r *Registry) Membership(ctx context.Context, tenantID, userID uuid.UUID) (*model.TenantMembership, error) {
	var membership model.TenantMembership
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	return &membership, nil
}

// UserByEmail looks a user up by email.
func (r *Registry) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	return &user, nil
}

// UserByID looks a user up by id.
func (r *Registry) UserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	return &user, nil
}

// MembershipsForUser lists a user's active memberships with tenants preloaded.
func (r *Registry) MembershipsForUser(ctx context.Context, userID uuid.UUID) ([]model.TenantMembership, error) {
	var memberships []model.TenantMembership
	err := r.db.WithContext(ctx).Preload("Tenant").
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	return memberships, nil
}

// MembersOfTenant lists all memberships of a tenant, active and removed,
// with users preloaded.
func (r *Registry) MembersOfTenant(ctx context.Context, tenantID uuid.UUID) ([]model.TenantMembership, error) {
	var memberships []model.TenantMembership
	err := r.db.WithContext(ctx).Preload("User").
		Where("tenant_id = ?", tenantID).
		Order("created_at").
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("listing tenant members: %w", err)
	}
	return memberships, nil
}

// PendingInvitation returns the pending invitation for (tenant, email), if any.
func (r *Registry) PendingInvitation(ctx context.Context, tenantID uuid.UUID, email string) (*model.Invitation, error) {
	var invitation model.Invitation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND email = ? AND status = ?", tenantID, email, model.InvitationPending).
		First(&invitation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invitation lookup: %w", err)
	}
	return &invitation, nil
}

// InvitationByToken resolves an invitation from its opaque token.
func (r *Registry) InvitationByToken(ctx context.Context, token string) (*model.Invitation, error) {
	var invitation model.Invitation
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&invitation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invitation lookup: %w", err)
	}
	return &invitation, nil
}
