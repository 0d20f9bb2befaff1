package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provisioning status values recorded on the tenant registry row.
const (
	ProvisioningReady  = "ready"
	ProvisioningFailed = "failed"
)

// Tenant represents one organization in the global registry. Each tenant
// owns a physical database schema derived from its slug; the registry row
// only carries the metadata shared across schemas.
type Tenant struct {
	ID                 uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name               string         `json:"name" gorm:"type:varchar(100);not null"`
	Slug               string         `json:"slug" gorm:"type:varchar(50);uniqueIndex;not null"`
	PlanTier           string         `json:"plan_tier" gorm:"type:varchar(20);default:'free'"`
	Settings           string         `json:"settings" gorm:"type:jsonb;default:'{}'"`
	RetentionDays      int            `json:"retention_days" gorm:"default:90"`
	ProvisioningStatus string         `json:"provisioning_status" gorm:"type:varchar(20);default:'ready'"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"-" gorm:"index"`
}

// BeforeCreate assigns the tenant identifier
func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
