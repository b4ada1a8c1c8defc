package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/spindle-dev/spindle/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore keeps bucket counters in the thread store. Every decrement is a
// single conditional UPDATE, so concurrent requests from the same user
// (multiple tabs, webhook retries) cannot overdraw a bucket.
type DBStore struct {
	db     *gorm.DB
	quotas map[string]Quota
}

// NewDBStore creates a DBStore with per-kind quotas.
func NewDBStore(db *gorm.DB, quotas map[string]Quota) *DBStore {
	return &DBStore{db: db, quotas: quotas}
}

func (s *DBStore) quota(kind string) (Quota, error) {
	q, ok := s.quotas[kind]
	if !ok || q.Tokens <= 0 || q.Window <= 0 {
		return Quota{}, fmt.Errorf("ratelimit: no quota configured for kind %q", kind)
	}
	return q, nil
}

// Take implements Store.
func (s *DBStore) Take(userID, kind string) (bool, Remaining, error) {
	q, err := s.quota(kind)
	if err != nil {
		return false, Remaining{}, err
	}

	// Fast path: decrement inside the current window.
	now := time.Now()
	res := s.db.Model(&models.RateBucket{}).
		Where("user_id = ? AND kind = ? AND remaining > 0 AND reset_at > ?", userID, kind, now).
		UpdateColumns(map[string]interface{}{
			"remaining":  gorm.Expr("remaining - 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, Remaining{}, fmt.Errorf("ratelimit: take %s/%s: %w", userID, kind, res.Error)
	}
	if res.RowsAffected == 1 {
		rem, err := s.GetRemaining(userID, kind)
		return true, rem, err
	}

	// Window expired: start a fresh one, consuming the first token. The
	// reset_at guard makes concurrent refills collapse to one winner.
	res = s.db.Model(&models.RateBucket{}).
		Where("user_id = ? AND kind = ? AND reset_at <= ?", userID, kind, now).
		UpdateColumns(map[string]interface{}{
			"remaining":  q.Tokens - 1,
			"reset_at":   now.Add(q.Window),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, Remaining{}, fmt.Errorf("ratelimit: refill %s/%s: %w", userID, kind, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, Remaining{Remaining: q.Tokens - 1, ResetAt: now.Add(q.Window)}, nil
	}

	// First use: create the row. On a concurrent create, defer to the
	// winner and report the bucket it left behind.
	bucket := models.RateBucket{
		UserID:    userID,
		Kind:      kind,
		Remaining: q.Tokens - 1,
		ResetAt:   now.Add(q.Window),
	}
	res = s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&bucket)
	if res.Error != nil {
		return false, Remaining{}, fmt.Errorf("ratelimit: init %s/%s: %w", userID, kind, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, Remaining{Remaining: bucket.Remaining, ResetAt: bucket.ResetAt}, nil
	}

	// Bucket exists, window active, no tokens left.
	rem, err := s.GetRemaining(userID, kind)
	if err != nil {
		return false, Remaining{}, err
	}
	if rem.Remaining > 0 {
		// Lost a race against a refill that freed tokens: take again.
		return s.Take(userID, kind)
	}
	return false, rem, nil
}

// GetRemaining implements Store.
func (s *DBStore) GetRemaining(userID, kind string) (Remaining, error) {
	q, err := s.quota(kind)
	if err != nil {
		return Remaining{}, err
	}

	var bucket models.RateBucket
	if err := s.db.First(&bucket, "user_id = ? AND kind = ?", userID, kind).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Remaining{Remaining: q.Tokens, ResetAt: time.Now().Add(q.Window)}, nil
		}
		return Remaining{}, fmt.Errorf("ratelimit: read %s/%s: %w", userID, kind, err)
	}

	if time.Now().After(bucket.ResetAt) {
		return Remaining{Remaining: q.Tokens, ResetAt: time.Now().Add(q.Window)}, nil
	}
	return Remaining{Remaining: bucket.Remaining, ResetAt: bucket.ResetAt}, nil
}

// Exhaust implements Store.
func (s *DBStore) Exhaust(userID, kind string, resetAt time.Time) error {
	if _, err := s.quota(kind); err != nil {
		return err
	}
	bucket := models.RateBucket{
		UserID:    userID,
		Kind:      kind,
		Remaining: 0,
		ResetAt:   resetAt,
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"remaining", "reset_at"}),
	}).Create(&bucket)
	if res.Error != nil {
		return fmt.Errorf("ratelimit: exhaust %s/%s: %w", userID, kind, res.Error)
	}
	return nil
}
