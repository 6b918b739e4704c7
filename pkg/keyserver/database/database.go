package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Connect opens the database at the given path and returns the handle.
// SQLite for now; swappable via GORM driver.
func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
}
