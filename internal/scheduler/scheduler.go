// Package scheduler fires deferred work: one-shot chats parked with a
// schedule_at, and recurring automation rules defined by cron
// expressions. It never runs agents itself; it applies the same start
// transition a live user message would.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/threads"
	"gorm.io/gorm"
)

// cronParser accepts standard 5-field expressions (minute granularity).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron reports whether expr is a parseable 5-field cron
// expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}
	return nil
}

// TierResolver maps a user to their subscription tier.
type TierResolver func(userID string) string

// Scheduler drains due one-shot schedules and fires automation rules.
type Scheduler struct {
	db     *gorm.DB
	svc    *threads.Service
	engine *status.Engine
	tierOf TierResolver
}

// New creates a Scheduler. tierOf may be nil; everyone is then treated
// as free tier.
func New(db *gorm.DB, svc *threads.Service, engine *status.Engine, tierOf TierResolver) *Scheduler {
	if tierOf == nil {
		tierOf = func(string) string { return "free" }
	}
	return &Scheduler{db: db, svc: svc, engine: engine, tierOf: tierOf}
}

// RunDue starts every parked chat whose schedule_at has passed. Each
// chat goes through the normal gate checks, so a due chat may land in a
// queued status rather than booting. Returns the number started.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	var due []models.ThreadChat
	err := s.db.
		Joins("JOIN threads ON threads.id = thread_chats.thread_id").
		Where("threads.archived = ?", false).
		Where("thread_chats.schedule_at IS NOT NULL AND thread_chats.schedule_at <= ?", time.Now()).
		Order("thread_chats.schedule_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("scheduler: scan due chats: %w", err)
	}

	started := 0
	for _, chat := range due {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		if err := s.fire(chat); err != nil {
			log.Printf("scheduler: chat %s: %v", chat.ID, err)
			continue
		}
		started++
	}
	return started, nil
}

// fire applies the start transition for one due chat. A lost race means
// the user beat the schedule with a manual start; the engine clears
// schedule_at either way.
func (s *Scheduler) fire(chat models.ThreadChat) error {
	thread, err := s.svc.Get(chat.ThreadID)
	if err != nil {
		return err
	}
	target, err := s.svc.StartTarget(thread, s.tierOf(thread.UserID))
	if err != nil {
		return err
	}
	_, err = s.engine.ApplyTransition(chat.ID, status.EventUserMessage, status.Updates{
		Target: target,
	})
	return err
}

// CreateRule validates and persists a recurring automation rule against
// an existing thread.
func (s *Scheduler) CreateRule(threadID, cronExpr, message string) (*models.AutomationRule, error) {
	if err := ValidateCron(cronExpr); err != nil {
		return nil, err
	}
	if message == "" {
		return nil, fmt.Errorf("scheduler: rule message is required")
	}
	thread, err := s.svc.Get(threadID)
	if err != nil {
		return nil, err
	}
	rule := models.AutomationRule{
		UserID:   thread.UserID,
		ThreadID: threadID,
		CronExpr: cronExpr,
		Message:  message,
		Enabled:  true,
	}
	if err := s.db.Create(&rule).Error; err != nil {
		return nil, fmt.Errorf("scheduler: create rule: %w", err)
	}
	return &rule, nil
}

// FireRules follows up on every enabled rule whose cron expression has
// matched since its last run. A rule blocked by an active chat is left
// for the next pass rather than skipped outright. Returns the number
// fired.
func (s *Scheduler) FireRules(ctx context.Context, now time.Time) (int, error) {
	var rules []models.AutomationRule
	if err := s.db.Where("enabled = ?", true).Find(&rules).Error; err != nil {
		return 0, fmt.Errorf("scheduler: scan rules: %w", err)
	}

	fired := 0
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		sched, err := cronParser.Parse(rule.CronExpr)
		if err != nil {
			log.Printf("scheduler: rule %d: bad cron %q: %v", rule.ID, rule.CronExpr, err)
			continue
		}
		last := rule.CreatedAt
		if rule.LastRunAt != nil {
			last = *rule.LastRunAt
		}
		if sched.Next(last).After(now) {
			continue
		}

		if _, err := s.svc.FollowUp(rule.ThreadID, s.tierOf(rule.UserID), rule.Message, nil); err != nil {
			log.Printf("scheduler: rule %d: follow up on %s: %v", rule.ID, rule.ThreadID, err)
			continue
		}
		if err := s.db.Model(&models.AutomationRule{}).Where("id = ?", rule.ID).
			Update("last_run_at", now).Error; err != nil {
			return fired, fmt.Errorf("scheduler: mark rule %d run: %w", rule.ID, err)
		}
		fired++
	}
	return fired, nil
}
