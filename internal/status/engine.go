package status

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spindle-dev/spindle/internal/background"
	"github.com/spindle-dev/spindle/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when the chat does not exist.
var ErrNotFound = errors.New("status: chat not found")

// ErrInvalidTransition matches any InvalidTransitionError via errors.Is.
var ErrInvalidTransition = errors.New("status: invalid transition")

// InvalidTransitionError reports an attempted transition that is not
// legal from the chat's current status. Distinct from losing the CAS
// race, which is a Result with DidUpdateStatus=false and no error.
type InvalidTransitionError struct {
	Event Event
	From  Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("status: event %q not valid from status %q", e.Event, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Message is a history entry appended alongside a transition.
type Message struct {
	Role    string
	Content string
}

// Updates is the partial update payload applied with a transition.
type Updates struct {
	// Target picks the resulting status for events that allow more than
	// one (user.message). Ignored for single-target events.
	Target Status

	ErrorMessage     string
	ErrorMessageInfo string

	// SetScheduleAt defers the run until the given time. The cancel event
	// clears schedule_at on its own.
	SetScheduleAt *time.Time

	// Append is added to the chat's message history in order, only when
	// the transition commits.
	Append []Message
}

// Result reports the outcome of ApplyTransition.
type Result struct {
	// DidUpdateStatus is false when the conditional update matched zero
	// rows: another caller transitioned the chat first, or the event
	// changes no status. Callers treat false as "someone else is handling
	// it", never as an error.
	DidUpdateStatus bool
	UpdatedStatus   Status
}

// Hook runs after a transition into its registered status has durably
// committed. Hooks are dispatched on the background runner so agent
// work never starts for a transition that did not commit.
type Hook func(ctx context.Context, chat models.ThreadChat) error

// Engine validates and applies status transitions atomically.
type Engine struct {
	db    *gorm.DB
	tasks *background.Runner

	mu    sync.RWMutex
	hooks map[Status][]Hook
}

// NewEngine creates an Engine. tasks may be nil, in which case hooks run
// on a plain goroutine.
func NewEngine(db *gorm.DB, tasks *background.Runner) *Engine {
	return &Engine{
		db:    db,
		tasks: tasks,
		hooks: make(map[Status][]Hook),
	}
}

// OnEnter registers a hook invoked after a chat enters the given status.
func (e *Engine) OnEnter(s Status, h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[s] = append(e.hooks[s], h)
}

// errRaceLost aborts the transaction without surfacing an error.
var errRaceLost = errors.New("status: lost transition race")

// ApplyTransition validates the event against the chat's current status
// and applies it as a single conditional update keyed on the full status
// string. Two concurrent callers can never both observe a win: the loser
// gets Result{DidUpdateStatus: false}.
func (e *Engine) ApplyTransition(chatID string, event Event, up Updates) (Result, error) {
	var chat models.ThreadChat
	if err := e.db.First(&chat, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, chatID)
		}
		return Result{}, fmt.Errorf("status: load chat %s: %w", chatID, err)
	}

	cur := Status(chat.Status)
	r, ok := transitions[event]
	if !ok || !r.allows(cur) {
		return Result{}, &InvalidTransitionError{Event: event, From: cur}
	}

	target, changed, err := resolveTarget(r, event, cur, up.Target)
	if err != nil {
		return Result{}, err
	}

	values := buildValues(event, target, changed, up)

	txErr := e.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ThreadChat{}).
			Where("id = ? AND status = ?", chatID, string(cur)).
			Updates(values)
		if res.Error != nil {
			return fmt.Errorf("status: transition %s %s: %w", chatID, event, res.Error)
		}
		if res.RowsAffected == 0 {
			return errRaceLost
		}
		if len(up.Append) > 0 {
			if err := appendMessages(tx, chatID, up.Append); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, errRaceLost) {
			return Result{DidUpdateStatus: false, UpdatedStatus: cur}, nil
		}
		return Result{}, txErr
	}

	if changed {
		chat.Status = string(target)
		e.dispatchHooks(target, chat)
	}
	return Result{DidUpdateStatus: changed, UpdatedStatus: target}, nil
}

// resolveTarget picks the resulting status. For message-only events the
// status is unchanged and changed=false.
func resolveTarget(r rule, event Event, cur, requested Status) (Status, bool, error) {
	if len(r.targets) == 0 {
		return cur, false, nil
	}
	if requested != "" {
		if !r.allowsTarget(requested) {
			return "", false, &InvalidTransitionError{Event: event, From: cur}
		}
		return requested, requested != cur, nil
	}
	target, ok := r.defaultTarget(event, cur)
	if !ok {
		return "", false, fmt.Errorf("status: event %q requires an explicit target", event)
	}
	return target, target != cur, nil
}

// buildValues assembles the column map for the conditional update.
func buildValues(event Event, target Status, changed bool, up Updates) map[string]interface{} {
	values := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if changed {
		values["status"] = string(target)
	}
	// Error fields are written on error targets and cleared when a fresh
	// run starts, so stale messages never leak into a new attempt.
	if up.ErrorMessage != "" || target.IsError() || target == Booting || target.IsQueued() {
		values["error_message"] = up.ErrorMessage
		values["error_message_info"] = up.ErrorMessageInfo
	}
	if up.SetScheduleAt != nil {
		values["schedule_at"] = *up.SetScheduleAt
	} else if event == EventUserMessage || event == EventUserCancelSched {
		// Starting or cancelling consumes any pending schedule so a fired
		// one-shot never fires twice.
		values["schedule_at"] = gorm.Expr("NULL")
	}
	return values
}

// appendMessages adds history entries with the next sequence numbers.
func appendMessages(tx *gorm.DB, chatID string, msgs []Message) error {
	var maxSeq int
	row := tx.Model(&models.ThreadMessage{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("chat_id = ?", chatID).
		Row()
	if err := row.Scan(&maxSeq); err != nil {
		return fmt.Errorf("status: read max seq for %s: %w", chatID, err)
	}
	for i, m := range msgs {
		rec := models.ThreadMessage{
			ChatID:  chatID,
			Seq:     maxSeq + 1 + i,
			Role:    m.Role,
			Content: m.Content,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("status: append message to %s: %w", chatID, err)
		}
	}
	return nil
}

// dispatchHooks schedules the hooks registered for the entered status.
func (e *Engine) dispatchHooks(target Status, chat models.ThreadChat) {
	e.mu.RLock()
	hooks := e.hooks[target]
	e.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	for i, h := range hooks {
		h := h
		name := fmt.Sprintf("hook:%s:%s#%d", target, chat.ID, i)
		if e.tasks != nil {
			if err := e.tasks.Submit(name, func(ctx context.Context) error {
				return h(ctx, chat)
			}); err != nil {
				// Dropped hooks are picked back up by the cron dequeue
				// pass and the sweeper.
				log.Printf("status: %v", err)
			}
			continue
		}
		go func() {
			_ = h(context.Background(), chat)
		}()
	}
}
