// Package threads is the store access layer for threads and chats:
// creation, follow-ups, redo forks, archival, and deletion. All status
// changes go through the status engine; this package only decides which
// transition to request.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/sandbox"
	"github.com/spindle-dev/spindle/internal/status"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a thread or chat does not exist.
var ErrNotFound = errors.New("threads: not found")

// Service owns thread/chat persistence and start decisions.
type Service struct {
	db        *gorm.DB
	engine    *status.Engine
	buckets   ratelimit.Store
	sandboxes *sandbox.Manager
	cfg       *config.Config
}

// NewService creates a Service. sandboxes may be nil when deletion should
// skip sandbox teardown (tests).
func NewService(db *gorm.DB, engine *status.Engine, buckets ratelimit.Store, sandboxes *sandbox.Manager, cfg *config.Config) *Service {
	return &Service{db: db, engine: engine, buckets: buckets, sandboxes: sandboxes, cfg: cfg}
}

// CreateOpts holds parameters for creating a thread from a first message.
type CreateOpts struct {
	UserID     string
	Repo       string // owner/name
	BaseBranch string
	Provider   string
	Tier       string
	Message    string
	ScheduleAt *time.Time
}

// Create persists a new thread and its first chat, then starts (or
// schedules, or queues) the run.
func (s *Service) Create(opts CreateOpts) (*models.Thread, *models.ThreadChat, error) {
	if opts.UserID == "" {
		return nil, nil, fmt.Errorf("threads: userID is required")
	}
	if opts.Repo == "" {
		return nil, nil, fmt.Errorf("threads: repo is required")
	}
	if opts.Message == "" {
		return nil, nil, fmt.Errorf("threads: message is required")
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.Provider == "" {
		opts.Provider = s.cfg.Sandbox.Provider
	}

	threadID := uuid.NewString()
	thread := models.Thread{
		ID:                 threadID,
		UserID:             opts.UserID,
		GithubRepoFullName: opts.Repo,
		BranchName:         fmt.Sprintf("spindle/%s", threadID[:8]),
		BaseBranchName:     opts.BaseBranch,
		SandboxProvider:    opts.Provider,
	}
	chat := models.ThreadChat{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Status:   string(status.Complete),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&thread).Error; err != nil {
			return fmt.Errorf("threads: create thread: %w", err)
		}
		if err := tx.Create(&chat).Error; err != nil {
			return fmt.Errorf("threads: create chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := s.start(&thread, &chat, opts.Tier, opts.Message, opts.ScheduleAt); err != nil {
		return nil, nil, err
	}
	if err := s.db.First(&chat, "id = ?", chat.ID).Error; err != nil {
		return nil, nil, fmt.Errorf("threads: reload chat: %w", err)
	}
	return &thread, &chat, nil
}

// FollowUp forks a new chat on an existing thread for a follow-up
// message. The previous chat stays untouched; the new one runs against
// the thread's existing sandbox when there is one.
func (s *Service) FollowUp(threadID, tier, message string, scheduleAt *time.Time) (*models.ThreadChat, error) {
	if message == "" {
		return nil, fmt.Errorf("threads: message is required")
	}

	thread, err := s.Get(threadID)
	if err != nil {
		return nil, err
	}
	if thread.Archived {
		return nil, fmt.Errorf("threads: thread %s is archived", threadID)
	}

	// Refuse while another chat on the thread is still active: at most
	// one chat per thread drives the sandbox at a time.
	var active int64
	if err := s.db.Model(&models.ThreadChat{}).
		Where("thread_id = ? AND status IN ?", threadID, status.Strings(status.TransientStatuses())).
		Count(&active).Error; err != nil {
		return nil, fmt.Errorf("threads: count active chats: %w", err)
	}
	if active > 0 {
		return nil, fmt.Errorf("threads: thread %s already has an active chat", threadID)
	}

	chat := models.ThreadChat{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Status:   string(status.Complete),
	}
	if err := s.db.Create(&chat).Error; err != nil {
		return nil, fmt.Errorf("threads: create follow-up chat: %w", err)
	}

	if err := s.start(thread, &chat, tier, message, scheduleAt); err != nil {
		return nil, err
	}
	if err := s.db.First(&chat, "id = ?", chat.ID).Error; err != nil {
		return nil, fmt.Errorf("threads: reload chat: %w", err)
	}
	return &chat, nil
}

// start applies the initial user.message transition, choosing between an
// immediate boot and the queued statuses based on the gates, or parks the
// chat for the scheduler when scheduleAt is set.
func (s *Service) start(thread *models.Thread, chat *models.ThreadChat, tier, message string, scheduleAt *time.Time) error {
	up := status.Updates{
		Append: []status.Message{{Role: "user", Content: message}},
	}

	if scheduleAt != nil {
		// Park until the scheduler fires: message recorded, status
		// unchanged, schedule_at set.
		up.SetScheduleAt = scheduleAt
		_, err := s.engine.ApplyTransition(chat.ID, status.EventSystemMessage, up)
		return err
	}

	target, err := s.StartTarget(thread, tier)
	if err != nil {
		return err
	}
	up.Target = target

	// A lost race here means another caller already started the chat;
	// that is a no-op, not an error.
	_, err = s.engine.ApplyTransition(chat.ID, status.EventUserMessage, up)
	return err
}

// StartTarget consults the gates and returns where a new run should land:
// booting when all gates pass, otherwise the queued status naming the
// first gate that blocked. These checks are advisory; the atomic claim
// re-validates them.
func (s *Service) StartTarget(thread *models.Thread, tier string) (status.Status, error) {
	// At most one chat per thread may be active. A scheduled fire or a
	// follow-up racing a still-running sibling queues behind it.
	var siblings int64
	if err := s.db.Model(&models.ThreadChat{}).
		Where("thread_id = ? AND status IN ?", thread.ID, status.Strings(status.TransientStatuses())).
		Count(&siblings).Error; err != nil {
		return "", fmt.Errorf("threads: count sibling chats: %w", err)
	}
	if siblings > 0 {
		return status.QueuedTasksConcurrency, nil
	}

	slot, err := ratelimit.HasConcurrencySlot(s.db, thread.UserID, s.cfg.MaxConcurrentTasks(tier))
	if err != nil {
		return "", err
	}
	if !slot {
		return status.QueuedTasksConcurrency, nil
	}

	// Sandbox creation tokens only matter when the thread has no sandbox
	// to resume.
	if thread.SandboxID == nil || *thread.SandboxID == "" {
		rem, err := s.buckets.GetRemaining(thread.UserID, ratelimit.KindSandboxCreation)
		if err != nil {
			return "", err
		}
		if rem.Remaining <= 0 {
			return status.QueuedSandboxCreationRateLimit, nil
		}
	}

	rem, err := s.buckets.GetRemaining(thread.UserID, ratelimit.KindAgent)
	if err != nil {
		return "", err
	}
	if rem.Remaining <= 0 {
		return status.QueuedAgentRateLimit, nil
	}

	return status.Booting, nil
}

// EnsureUserMessage guarantees the chat has a materialized user message
// before it is handed to the agent. Idempotent: a chat that already has
// one is left untouched, so re-invocations and crash recovery converge.
func (s *Service) EnsureUserMessage(chatID, content string) error {
	var count int64
	if err := s.db.Model(&models.ThreadMessage{}).
		Where("chat_id = ? AND role = ?", chatID, "user").
		Count(&count).Error; err != nil {
		return fmt.Errorf("threads: count user messages for %s: %w", chatID, err)
	}
	if count > 0 {
		return nil
	}
	if content == "" {
		// Queued before its message was durably attached; recover with a
		// generic continuation prompt rather than handing the agent an
		// empty history.
		content = "Continue working on this task."
	}
	_, err := s.engine.ApplyTransition(chatID, status.EventSystemMessage, status.Updates{
		Append: []status.Message{{Role: "user", Content: content}},
	})
	return err
}

// CancelSchedule clears a pending scheduleAt and records a system message
// noting the cancellation. In-flight work is not force-killed; the agent
// loop observes status changes cooperatively.
func (s *Service) CancelSchedule(chatID string) error {
	chat, err := s.GetChat(chatID)
	if err != nil {
		return err
	}
	if chat.ScheduleAt == nil {
		return fmt.Errorf("threads: chat %s has no schedule to cancel", chatID)
	}
	_, err = s.engine.ApplyTransition(chatID, status.EventUserCancelSched, status.Updates{
		Append: []status.Message{{Role: "system", Content: "Scheduled run cancelled by user."}},
	})
	return err
}

// Archive marks the thread archived and transitions its finished chats to
// archived. Fails if any chat is still active.
func (s *Service) Archive(threadID string) error {
	thread, err := s.Get(threadID)
	if err != nil {
		return err
	}

	var chats []models.ThreadChat
	if err := s.db.Find(&chats, "thread_id = ?", threadID).Error; err != nil {
		return fmt.Errorf("threads: load chats for %s: %w", threadID, err)
	}
	for _, chat := range chats {
		if status.Status(chat.Status).IsActive() {
			return fmt.Errorf("threads: thread %s has an active chat, stop it first", threadID)
		}
	}

	for _, chat := range chats {
		st := status.Status(chat.Status)
		if st == status.Archived || st.IsQueued() {
			continue
		}
		if _, err := s.engine.ApplyTransition(chat.ID, status.EventUserArchive, status.Updates{}); err != nil {
			return err
		}
	}

	if err := s.db.Model(&models.Thread{}).Where("id = ?", thread.ID).
		Update("archived", true).Error; err != nil {
		return fmt.Errorf("threads: archive %s: %w", threadID, err)
	}
	return nil
}

// Delete removes the thread and everything under it, tearing down the
// sandbox first. Only an explicit user/admin action reaches this.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	thread, err := s.Get(threadID)
	if err != nil {
		return err
	}

	if s.sandboxes != nil && thread.SandboxID != nil && *thread.SandboxID != "" {
		if err := s.sandboxes.Destroy(ctx, thread.SandboxProvider, *thread.SandboxID); err != nil {
			// Teardown is best-effort on delete; the provider reaps
			// orphans on its own schedule.
			log.Printf("threads: destroy sandbox for %s: %v", threadID, err)
		}
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id IN (?)",
			tx.Model(&models.ThreadChat{}).Select("id").Where("thread_id = ?", threadID),
		).Delete(&models.ThreadMessage{}).Error; err != nil {
			return fmt.Errorf("threads: delete messages for %s: %w", threadID, err)
		}
		if err := tx.Where("thread_id = ?", threadID).Delete(&models.ThreadChat{}).Error; err != nil {
			return fmt.Errorf("threads: delete chats for %s: %w", threadID, err)
		}
		if err := tx.Where("thread_id = ?", threadID).Delete(&models.AutomationRule{}).Error; err != nil {
			return fmt.Errorf("threads: delete automation rules for %s: %w", threadID, err)
		}
		if err := tx.Delete(&models.Thread{}, "id = ?", threadID).Error; err != nil {
			return fmt.Errorf("threads: delete thread %s: %w", threadID, err)
		}
		return nil
	})
}

// Get retrieves a thread by ID.
func (s *Service) Get(threadID string) (*models.Thread, error) {
	var thread models.Thread
	if err := s.db.First(&thread, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		return nil, fmt.Errorf("threads: get %s: %w", threadID, err)
	}
	return &thread, nil
}

// GetChat retrieves a chat by ID.
func (s *Service) GetChat(chatID string) (*models.ThreadChat, error) {
	var chat models.ThreadChat
	if err := s.db.First(&chat, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil, fmt.Errorf("threads: get chat %s: %w", chatID, err)
	}
	return &chat, nil
}

// SetSandbox records the sandbox bound to a thread after provisioning.
func (s *Service) SetSandbox(threadID, provider, sandboxID string) error {
	res := s.db.Model(&models.Thread{}).Where("id = ?", threadID).
		Updates(map[string]interface{}{
			"sandbox_id":       sandboxID,
			"sandbox_provider": provider,
		})
	if res.Error != nil {
		return fmt.Errorf("threads: set sandbox for %s: %w", threadID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	return nil
}

// ClearSandbox drops the thread's sandbox binding, used when the provider
// reports the sandbox gone.
func (s *Service) ClearSandbox(threadID string) error {
	res := s.db.Model(&models.Thread{}).Where("id = ?", threadID).
		Update("sandbox_id", gorm.Expr("NULL"))
	if res.Error != nil {
		return fmt.Errorf("threads: clear sandbox for %s: %w", threadID, res.Error)
	}
	return nil
}
