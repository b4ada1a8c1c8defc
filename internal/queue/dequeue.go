// Package queue implements eligibility scanning and the atomic dequeue
// claim over queued chats. Any number of dequeuers (cron, webhook, CLI)
// may run concurrently: the conditional update keyed on the full status
// string guarantees each chat is claimed exactly once.
package queue

import (
	"fmt"
	"time"

	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/status"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claim is a successfully dequeued chat, ready to hand to the agent.
type Claim struct {
	ThreadID     string
	ThreadChatID string
	OldStatus    status.Status
}

// TierResolver maps a user to their subscription tier. Resolution is
// external (billing); unknown users resolve to "free".
type TierResolver func(userID string) string

// Dequeuer selects and claims eligible queued chats.
type Dequeuer struct {
	db      *gorm.DB
	buckets ratelimit.Store
	cfg     *config.Config
	tierOf  TierResolver
}

// NewDequeuer creates a Dequeuer. tierOf may be nil; everyone is then
// treated as free tier.
func NewDequeuer(db *gorm.DB, buckets ratelimit.Store, cfg *config.Config, tierOf TierResolver) *Dequeuer {
	if tierOf == nil {
		tierOf = func(string) string { return "free" }
	}
	return &Dequeuer{db: db, buckets: buckets, cfg: cfg, tierOf: tierOf}
}

// GetEligibleQueuedThreadChats returns the user's queued chats whose
// specific limiting condition has cleared, oldest queue entry first.
// The checks here are advisory; AtomicDequeue re-validates at claim time.
func (d *Dequeuer) GetEligibleQueuedThreadChats(userID string) ([]models.ThreadChat, error) {
	var queued []models.ThreadChat
	err := d.db.
		Joins("JOIN threads ON threads.id = thread_chats.thread_id").
		Where("threads.user_id = ? AND threads.archived = ?", userID, false).
		Where("thread_chats.status IN ?", status.Strings(status.QueuedStatuses())).
		Where("thread_chats.schedule_at IS NULL OR thread_chats.schedule_at <= ?", time.Now()).
		// At most one chat per thread may be active; a queued chat waits
		// while a sibling is in a transient status.
		Where("thread_chats.thread_id NOT IN (?)",
			d.db.Model(&models.ThreadChat{}).Select("thread_id").
				Where("status IN ?", status.Strings(status.TransientStatuses())),
		).
		Order("thread_chats.updated_at ASC").
		Find(&queued).Error
	if err != nil {
		return nil, fmt.Errorf("queue: list queued chats for %s: %w", userID, err)
	}
	if len(queued) == 0 {
		return nil, nil
	}

	// Evaluate each gate once per scan, not once per chat.
	slot, err := ratelimit.HasConcurrencySlot(d.db, userID, d.cfg.MaxConcurrentTasks(d.tierOf(userID)))
	if err != nil {
		return nil, err
	}
	creation, err := d.buckets.GetRemaining(userID, ratelimit.KindSandboxCreation)
	if err != nil {
		return nil, err
	}
	agent, err := d.buckets.GetRemaining(userID, ratelimit.KindAgent)
	if err != nil {
		return nil, err
	}

	var eligible []models.ThreadChat
	for _, chat := range queued {
		// Every dequeue consumes a concurrency slot, whatever the chat
		// was originally queued for.
		if !slot {
			continue
		}
		switch status.Status(chat.Status).QueueReason() {
		case status.ReasonSandboxCreationRateLimit:
			if creation.Remaining > 0 {
				eligible = append(eligible, chat)
			}
		case status.ReasonAgentRateLimit:
			if agent.Remaining > 0 {
				eligible = append(eligible, chat)
			}
		case status.ReasonTasksConcurrency:
			eligible = append(eligible, chat)
		}
	}
	return eligible, nil
}

// AtomicDequeue claims exactly one candidate, transitioning it from its
// queued status to booting with a single conditional update. It returns
// nil when every candidate was claimed by another process, a sibling
// chat went active, or the concurrency gate closed in the meantime; all
// are expected, non-error outcomes.
func (d *Dequeuer) AtomicDequeue(userID string, candidates []models.ThreadChat) (*Claim, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	maxConcurrent := d.cfg.MaxConcurrentTasks(d.tierOf(userID))

	var claim *Claim
	err := d.db.Transaction(func(tx *gorm.DB) error {
		// Re-validate the concurrency cap inside the claim transaction to
		// close the window between eligibility check and claim.
		active, err := activeThreadCountLocked(tx, userID)
		if err != nil {
			return err
		}
		if active >= int64(maxConcurrent) {
			return nil
		}

		for _, cand := range candidates {
			// Re-check that no sibling went active since the eligibility
			// scan; a stale candidate list must not put a second chat of
			// the same thread in flight.
			siblings, err := transientSiblingCountLocked(tx, cand.ThreadID)
			if err != nil {
				return err
			}
			if siblings > 0 {
				continue
			}

			oldStatus := cand.Status
			res := tx.Model(&models.ThreadChat{}).
				Where("id = ? AND status = ?", cand.ID, oldStatus).
				Updates(map[string]interface{}{
					"status":      string(status.Booting),
					"schedule_at": gorm.Expr("NULL"),
					"updated_at":  time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("queue: claim chat %s: %w", cand.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				// Another process won this chat; try the next candidate.
				continue
			}
			claim = &Claim{
				ThreadID:     cand.ThreadID,
				ThreadChatID: cand.ID,
				OldStatus:    status.Status(oldStatus),
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// activeThreadCountLocked counts active threads inside the claim
// transaction, locking the rows on backends that support it.
func activeThreadCountLocked(tx *gorm.DB, userID string) (int64, error) {
	q := tx.Model(&models.ThreadChat{}).
		Joins("JOIN threads ON threads.id = thread_chats.thread_id").
		Where("threads.user_id = ?", userID).
		Where("thread_chats.status IN ?", status.Strings(status.TransientStatuses()))
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var count int64
	if err := q.Distinct("thread_chats.thread_id").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: recheck active count for %s: %w", userID, err)
	}
	return count, nil
}

// transientSiblingCountLocked counts the thread's chats in a transient
// status inside the claim transaction, locking the rows on backends that
// support it.
func transientSiblingCountLocked(tx *gorm.DB, threadID string) (int64, error) {
	q := tx.Model(&models.ThreadChat{}).
		Where("thread_id = ? AND status IN ?", threadID, status.Strings(status.TransientStatuses()))
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: recheck siblings for thread %s: %w", threadID, err)
	}
	return count, nil
}

// UsersWithQueuedChats returns the distinct users owning at least one
// queued chat, for the cron drain to fan out over.
func (d *Dequeuer) UsersWithQueuedChats() ([]string, error) {
	var userIDs []string
	err := d.db.Model(&models.ThreadChat{}).
		Joins("JOIN threads ON threads.id = thread_chats.thread_id").
		Where("thread_chats.status IN ?", status.Strings(status.QueuedStatuses())).
		Where("threads.archived = ?", false).
		Distinct().
		Pluck("threads.user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("queue: list users with queued chats: %w", err)
	}
	return userIDs, nil
}
