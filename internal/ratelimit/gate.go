package ratelimit

import (
	"fmt"

	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/status"
	"gorm.io/gorm"
)

// ActiveThreadCount returns how many of the user's threads currently hold
// an active (non-terminal, non-queued) chat.
func ActiveThreadCount(db *gorm.DB, userID string) (int64, error) {
	var count int64
	err := db.Model(&models.ThreadChat{}).
		Joins("JOIN threads ON threads.id = thread_chats.thread_id").
		Where("threads.user_id = ?", userID).
		Where("thread_chats.status IN ?", status.Strings(status.TransientStatuses())).
		Distinct("thread_chats.thread_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ratelimit: active thread count for %s: %w", userID, err)
	}
	return count, nil
}

// HasConcurrencySlot reports whether the user may start another active
// thread under the given cap. This is an advisory pre-check; the dequeue
// claim re-validates it atomically.
func HasConcurrencySlot(db *gorm.DB, userID string, maxConcurrent int) (bool, error) {
	active, err := ActiveThreadCount(db, userID)
	if err != nil {
		return false, err
	}
	return active < int64(maxConcurrent), nil
}
