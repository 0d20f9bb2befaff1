package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Roles a user can hold within a tenant. One role per user per tenant.
const (
	RoleOwner        = "owner"
	RoleAdmin        = "admin"
	RolePMCSM        = "pm-csm"
	RoleQAManual     = "qa-manual"
	RoleQAAutomation = "qa-automation"
	RoleDeveloper    = "developer"
	RoleViewer       = "viewer"
)

// ValidRole reports whether role is one of the fixed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RolePMCSM, RoleQAManual, RoleQAAutomation, RoleDeveloper, RoleViewer:
		return true
	}
	return false
}

// TenantMembership links a user to a tenant with exactly one role. Removal
// is a soft delete: IsActive goes false and the removal metadata is kept so
// the audit trail survives.
type TenantMembership struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID  `json:"tenant_id" gorm:"type:uuid;uniqueIndex:idx_tenant_user;not null"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_tenant_user;not null"`
	Role      string     `json:"role" gorm:"type:varchar(20);not null"`
	IsActive  bool       `json:"is_active" gorm:"default:true"`
	RemovedBy *uuid.UUID `json:"removed_by,omitempty" gorm:"type:uuid"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Relations
	User   User   `json:"user,omitempty" gorm:"foreignKey:UserID"`
	Tenant Tenant `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
}

// BeforeCreate assigns the membership identifier
func (m *TenantMembership) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
