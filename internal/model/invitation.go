package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Invitation states.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
)

// Invitation is a pending offer of tenant membership. A second pending
// invitation to the same email in the same tenant is a conflict; accepted
// and revoked invitations stay behind as history.
type Invitation struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `json:"tenant_id" gorm:"type:uuid;index;not null"`
	Email     string    `json:"email" gorm:"type:varchar(255);index;not null"`
	Role      string    `json:"role" gorm:"type:varchar(20);not null"`
	Token     string    `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	Status    string    `json:"status" gorm:"type:varchar(20);default:'pending'"`
	InvitedBy uuid.UUID `json:"invited_by" gorm:"type:uuid;not null"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns the invitation identifier and token
func (i *Invitation) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.Token == "" {
		i.Token = uuid.NewString()
	}
	return nil
}
