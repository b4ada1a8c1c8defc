// Package sweeper detects chats stuck in transient states past their
// deadline, forces them to an error state through the status engine, and
// reclaims their sandboxes. It is the system's defense against provider
// calls that silently hang and processes that die mid-transition.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/sandbox"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/threads"
	"gorm.io/gorm"
)

// Alerter posts operational alerts. Implementations are best-effort.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Result summarizes one sweep cycle.
type Result struct {
	Stalled    int
	Hibernated int
	Failures   int
}

// Sweeper scans for stalled chats and idle sandboxes.
type Sweeper struct {
	db        *gorm.DB
	engine    *status.Engine
	svc       *threads.Service
	sandboxes *sandbox.Manager
	alerter   Alerter
	cfg       *config.Config
}

// New creates a Sweeper. alerter may be nil.
func New(db *gorm.DB, engine *status.Engine, svc *threads.Service, sandboxes *sandbox.Manager, alerter Alerter, cfg *config.Config) *Sweeper {
	return &Sweeper{db: db, engine: engine, svc: svc, sandboxes: sandboxes, alerter: alerter, cfg: cfg}
}

// deadlines maps each transient status to its staleness deadline.
func (s *Sweeper) deadlines() map[status.Status]time.Duration {
	return map[status.Status]time.Duration{
		status.Booting:       s.cfg.Sweep.BootingDeadline.Std(),
		status.Working:       s.cfg.Sweep.WorkingDeadline.Std(),
		status.WorkingDone:   s.cfg.Sweep.StoppingDeadline.Std(),
		status.Stopping:      s.cfg.Sweep.StoppingDeadline.Std(),
		status.Checkpointing: s.cfg.Sweep.StoppingDeadline.Std(),
	}
}

// Sweep runs one full cycle: terminate stalls, then hibernate idle
// sandboxes. Failures on one thread never abort the rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	result := &Result{}

	stalled, err := s.findStalled()
	if err != nil {
		return nil, err
	}
	for _, chat := range stalled {
		if err := s.terminateStall(ctx, chat); err != nil {
			result.Failures++
			log.Printf("sweeper: chat %s: %v", chat.ID, err)
			continue
		}
		result.Stalled++
	}

	idle, err := s.findIdleSandboxes()
	if err != nil {
		return nil, err
	}
	for _, thread := range idle {
		if s.hibernateThread(ctx, thread) {
			result.Hibernated++
		} else {
			result.Failures++
		}
	}

	if s.alerter != nil && (result.Stalled > 0 || result.Failures > 0) {
		s.alerter.Alert(ctx, fmt.Sprintf(
			"Sweep: %d stalled chat(s) terminated, %d sandbox(es) hibernated, %d failure(s).",
			result.Stalled, result.Hibernated, result.Failures))
	}
	return result, nil
}

// findStalled returns chats sitting in a transient status past its
// deadline.
func (s *Sweeper) findStalled() ([]models.ThreadChat, error) {
	now := time.Now()
	var stalled []models.ThreadChat
	for st, deadline := range s.deadlines() {
		cutoff := now.Add(-deadline)
		var chats []models.ThreadChat
		if err := s.db.
			Where("status = ? AND updated_at < ?", string(st), cutoff).
			Find(&chats).Error; err != nil {
			return nil, fmt.Errorf("sweeper: scan %s: %w", st, err)
		}
		stalled = append(stalled, chats...)
	}
	return stalled, nil
}

// terminateStall forces one stalled chat to its error state and reclaims
// the sandbox. The transition goes through the engine's CAS, so a chat
// that made progress since the scan is left alone.
func (s *Sweeper) terminateStall(ctx context.Context, chat models.ThreadChat) error {
	stuck := status.Status(chat.Status)
	res, err := s.engine.ApplyTransition(chat.ID, status.EventSystemStall, status.Updates{
		ErrorMessage:     "The run stalled and was stopped.",
		ErrorMessageInfo: fmt.Sprintf("no progress in status %q since %s", stuck, chat.UpdatedAt.Format(time.RFC3339)),
	})
	if err != nil {
		if errors.Is(err, status.ErrInvalidTransition) || errors.Is(err, status.ErrNotFound) {
			return nil
		}
		return err
	}
	if !res.DidUpdateStatus {
		// The chat moved on between scan and claim.
		return nil
	}

	thread, err := s.svc.Get(chat.ThreadID)
	if err != nil {
		return err
	}
	s.hibernateThread(ctx, *thread)
	return nil
}

// findIdleSandboxes returns threads holding a sandbox with no active or
// queued chat and no recent activity.
func (s *Sweeper) findIdleSandboxes() ([]models.Thread, error) {
	cutoff := time.Now().Add(-s.cfg.Sweep.IdleHibernateAfter.Std())
	busy := status.Strings(append(status.TransientStatuses(), status.QueuedStatuses()...))

	var idle []models.Thread
	err := s.db.
		Where("sandbox_id IS NOT NULL AND sandbox_id != ''").
		Where("updated_at < ?", cutoff).
		Where("id NOT IN (?)", s.db.Model(&models.ThreadChat{}).
			Select("thread_id").
			Where("status IN ? OR updated_at >= ?", busy, cutoff)).
		Find(&idle).Error
	if err != nil {
		return nil, fmt.Errorf("sweeper: scan idle sandboxes: %w", err)
	}
	return idle, nil
}

// hibernateThread parks a thread's sandbox. Hibernation stays
// best-effort, but a sandbox gone at the provider clears the thread's
// binding so the next run provisions fresh.
func (s *Sweeper) hibernateThread(ctx context.Context, thread models.Thread) bool {
	if thread.SandboxID == nil || *thread.SandboxID == "" {
		return true
	}
	err := s.sandboxes.Hibernate(ctx, thread.SandboxProvider, *thread.SandboxID)
	if err == nil {
		return true
	}
	if errors.Is(err, sandbox.ErrNotFound) {
		if cerr := s.svc.ClearSandbox(thread.ID); cerr != nil {
			log.Printf("sweeper: clear sandbox binding for %s: %v", thread.ID, cerr)
		}
		return true
	}
	log.Printf("sweeper: hibernate sandbox for %s: %v", thread.ID, err)
	return false
}
