package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a global identity. Users are never tenant-scoped; tenant
// membership rows reference them instead.
type User struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Email           string         `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Password        string         `json:"-" gorm:"type:varchar(255)"`
	FullName        string         `json:"full_name" gorm:"type:varchar(100)"`
	Verified        bool           `json:"verified" gorm:"default:false"`
	DefaultTenantID *uuid.UUID     `json:"default_tenant_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// BeforeCreate assigns the user identifier
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
