package models

import "time"

// UsageLog is an append-only record of one successful validation attempt.
// Entries are never updated or deleted by normal operation.
type UsageLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	KeyID     uint      `gorm:"not null;index" json:"key_id"`
	UsedAt    time.Time `gorm:"index" json:"used_at"`
	IPAddress string    `json:"ip_address"`
	HWID      string    `json:"hwid"`
	GameID    string    `json:"game_id"`
	Executor  string    `json:"executor"`

	// Relationships
	Key Key `gorm:"foreignKey:KeyID" json:"key,omitempty"`
}
