package users

import (
	"time"

	"github.com/pensarlabs/studyforge/backend/internal/plans"
)

// User is a registered account. It owns every other entity in the system.
// PlanTier is mutated only through the entitlement grant/revoke contract.
type User struct {
	ID           string     `gorm:"column:id;primaryKey;size:190;not null"`
	Email        string     `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName  string     `gorm:"column:display_name;size:320"`
	PasswordHash string     `gorm:"column:password_hash;size:190;not null"`
	PlanTier     plans.Tier `gorm:"column:plan_tier;size:32;not null;default:free"`
	ProSince     *time.Time `gorm:"column:pro_since"`
	IsAdmin      bool       `gorm:"column:is_admin;not null;default:false"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}
