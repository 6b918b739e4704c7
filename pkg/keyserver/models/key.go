package models

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

// KeyStatus represents the lifecycle state of a license key
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
	KeyStatusBanned   KeyStatus = "banned"
	KeyStatusExpired  KeyStatus = "expired"
)

// ValidKeyStatus reports whether s is one of the known key statuses
func ValidKeyStatus(s KeyStatus) bool {
	switch s {
	case KeyStatusActive, KeyStatusDisabled, KeyStatusBanned, KeyStatusExpired:
		return true
	}
	return false
}

// KeyTier represents the service level of a license key
type KeyTier string

const (
	KeyTierBasic    KeyTier = "basic"
	KeyTierPremium  KeyTier = "premium"
	KeyTierElevated KeyTier = "elevated"
)

// ValidKeyTier reports whether t is one of the known key tiers
func ValidKeyTier(t KeyTier) bool {
	switch t {
	case KeyTierBasic, KeyTierPremium, KeyTierElevated:
		return true
	}
	return false
}

// KeyPrefix is the fixed prefix every key value carries
const KeyPrefix = "RNSXM"

// keyPattern matches the canonical RNSXM-XXXX-XXXX-XXXX-XXXX format
var keyPattern = regexp.MustCompile(`^RNSXM-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// CanonicalKeyValue normalizes a user-supplied key value for lookup
func CanonicalKeyValue(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidKeyValue reports whether s is a well-formed key value after
// canonicalization
func ValidKeyValue(s string) bool {
	return keyPattern.MatchString(CanonicalKeyValue(s))
}

// Key represents a license key that gates access to the client
type Key struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	KeyValue       string         `gorm:"uniqueIndex;not null" json:"key_value"`
	Status         KeyStatus      `gorm:"type:varchar(20);default:'active'" json:"status"`
	Tier           KeyTier        `gorm:"type:varchar(20);default:'basic'" json:"tier"`
	SkipValidation bool           `gorm:"default:false" json:"skip_validation"`
	Validated      bool           `gorm:"default:false" json:"validated"`
	ValidatedAt    *time.Time     `json:"validated_at"`
	ExpiresAt      *time.Time     `json:"expires_at"`
	MaxUses        int            `json:"max_uses"` // 0 = unlimited
	CurrentUses    int            `gorm:"default:0" json:"current_uses"`
	HWID           string         `gorm:"column:hwid" json:"hwid"` // empty = not yet bound to a device
	LastUsed       *time.Time     `json:"last_used"`
	OwnerID        *uint          `gorm:"index" json:"owner_id"`
	Note           string         `json:"note"`

	// Relationships
	Owner *User `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

// ApplyTierDefaults enforces the tier-dependent default cascade: elevated
// keys always work without the registration step. Must be called on every
// write path that sets or changes the tier.
func ApplyTierDefaults(k *Key, now time.Time) {
	if k.Tier != KeyTierElevated {
		return
	}
	k.SkipValidation = true
	k.Validated = true
	if k.ValidatedAt == nil {
		t := now
		k.ValidatedAt = &t
	}
}

// Expired reports whether the key's expiry, if set, has passed
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}
