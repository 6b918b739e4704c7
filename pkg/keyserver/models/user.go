package models

import (
	"time"

	"gorm.io/gorm"
)

// Role represents a user's system-wide role
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// roleLevels orders the roles: super_admin > admin > user
var roleLevels = map[Role]int{
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// Level returns the numeric rank of the role, 0 for unknown roles
func (r Role) Level() int {
	return roleLevels[r]
}

// ValidRole reports whether r is one of the known roles
func ValidRole(r Role) bool {
	return r.Level() > 0
}

// CanView reports whether the role grants read access to keys, users,
// usage logs and statistics
func (r Role) CanView() bool {
	return r.Level() >= RoleAdmin.Level()
}

// CanModify reports whether the role grants write access. Admin is a
// read-only elevated role; only super_admin can create, edit or delete.
func (r Role) CanModify() bool {
	return r == RoleSuperAdmin
}

// User represents an account in the system
type User struct {
	ID           uint           `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string         `json:"-"`
	Role         Role           `gorm:"type:varchar(20);default:'user'" json:"role"`
	KeyID        *uint          `json:"key_id"` // the one key this account claimed, if any

	// Relationships
	Key *Key `gorm:"foreignKey:KeyID" json:"key,omitempty"`
}
