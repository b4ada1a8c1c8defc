package models

import "time"

// RateBucket is a replenishing token counter for one user and limit kind.
// Decrements happen as a single conditional UPDATE so concurrent requests
// from the same user cannot overdraw the bucket.
type RateBucket struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Kind      string `gorm:"primaryKey;size:32"` // "sandbox-creation", "agent"
	Remaining int    `gorm:"not null"`
	ResetAt   time.Time
	UpdatedAt time.Time
}
