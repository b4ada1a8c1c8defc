package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/status"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB creates an in-memory SQLite database with all required tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Thread{},
		&models.ThreadChat{},
		&models.ThreadMessage{},
		&models.RateBucket{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Tiers: map[string]int{"free": 3, "pro": 10},
	}
}

func newTestDequeuer(t *testing.T) (*Dequeuer, *gorm.DB, ratelimit.Store) {
	t.Helper()
	db := testDB(t)
	buckets := ratelimit.NewDBStore(db, map[string]ratelimit.Quota{
		ratelimit.KindSandboxCreation: {Tokens: 5, Window: time.Hour},
		ratelimit.KindAgent:           {Tokens: 60, Window: time.Hour},
	})
	return NewDequeuer(db, buckets, testConfig(), nil), db, buckets
}

// seedChat inserts a thread with one chat in the given status. The chat's
// updated_at is backdated by age so queue ordering is deterministic.
func seedChat(t *testing.T, db *gorm.DB, userID string, st status.Status, age time.Duration) models.ThreadChat {
	t.Helper()
	thread := models.Thread{
		ID:                 uuid.NewString(),
		UserID:             userID,
		GithubRepoFullName: "acme/api",
		BranchName:         "spindle/x",
		BaseBranchName:     "main",
	}
	if err := db.Create(&thread).Error; err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	return seedSiblingChat(t, db, thread.ID, st, age)
}

// seedSiblingChat adds another chat to an existing thread.
func seedSiblingChat(t *testing.T, db *gorm.DB, threadID string, st status.Status, age time.Duration) models.ThreadChat {
	t.Helper()
	chat := models.ThreadChat{ID: uuid.NewString(), ThreadID: threadID, Status: string(st)}
	if err := db.Create(&chat).Error; err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if age > 0 {
		if err := db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
			UpdateColumn("updated_at", time.Now().Add(-age)).Error; err != nil {
			t.Fatalf("backdate chat: %v", err)
		}
	}
	return chat
}

func TestEligibility_PerQueueReason(t *testing.T) {
	dq, db, buckets := newTestDequeuer(t)

	creation := seedChat(t, db, "u1", status.QueuedSandboxCreationRateLimit, 3*time.Minute)
	agent := seedChat(t, db, "u1", status.QueuedAgentRateLimit, 2*time.Minute)
	conc := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)

	// All gates open: everything eligible, oldest first.
	eligible, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 3 {
		t.Fatalf("eligible = %d chats, want 3", len(eligible))
	}
	if eligible[0].ID != creation.ID || eligible[1].ID != agent.ID || eligible[2].ID != conc.ID {
		t.Error("eligible chats not in oldest-first order")
	}

	// Close the agent gate: only the agent-queued chat drops out.
	if err := buckets.Exhaust("u1", ratelimit.KindAgent, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	eligible, err = dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 2 {
		t.Fatalf("eligible = %d chats, want 2", len(eligible))
	}
	for _, chat := range eligible {
		if chat.ID == agent.ID {
			t.Error("agent-rate-limited chat listed while its gate is closed")
		}
	}
}

func TestEligibility_SkipsFutureSchedules(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	chat := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)
	future := time.Now().Add(time.Hour)
	if err := db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		UpdateColumn("schedule_at", future).Error; err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	eligible, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 0 {
		t.Errorf("eligible = %d, want 0 while schedule is in the future", len(eligible))
	}
}

func TestEligibility_SkipsArchivedThreads(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	chat := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)
	if err := db.Model(&models.Thread{}).Where("id = ?", chat.ThreadID).
		Update("archived", true).Error; err != nil {
		t.Fatalf("archive: %v", err)
	}

	eligible, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 0 {
		t.Errorf("eligible = %d, want 0 for archived thread", len(eligible))
	}
}

func TestAtomicDequeue_ClaimsExactlyOnce(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	chat := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)

	candidates, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}

	claim, err := dq.AtomicDequeue("u1", candidates)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claim == nil || claim.ThreadChatID != chat.ID {
		t.Fatalf("claim = %+v, want chat %s", claim, chat.ID)
	}
	if claim.OldStatus != status.QueuedTasksConcurrency {
		t.Errorf("old status = %q", claim.OldStatus)
	}

	var got models.ThreadChat
	if err := db.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != string(status.Booting) {
		t.Errorf("status = %q, want booting", got.Status)
	}

	// A second dequeuer working from the same stale candidate list gets
	// nothing: the conditional update no longer matches.
	claim, err = dq.AtomicDequeue("u1", candidates)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if claim != nil {
		t.Errorf("second claim = %+v, want nil", claim)
	}
}

// The claim consumes a due schedule so a fired one-shot never fires
// again after the run completes.
func TestAtomicDequeue_ConsumesDueSchedule(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	chat := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)
	past := time.Now().Add(-time.Minute)
	if err := db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		UpdateColumn("schedule_at", past).Error; err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	candidates, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	claim, err := dq.AtomicDequeue("u1", candidates)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claim == nil {
		t.Fatal("expected a claim for the due chat")
	}

	var got models.ThreadChat
	if err := db.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ScheduleAt != nil {
		t.Error("claimed chat kept its schedule, would fire again")
	}
}

func TestAtomicDequeue_RespectsConcurrencyCap(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	// Fill the free tier's 3 slots.
	for i := 0; i < 3; i++ {
		seedChat(t, db, "u1", status.Working, 0)
	}
	queued := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)

	claim, err := dq.AtomicDequeue("u1", []models.ThreadChat{queued})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claim != nil {
		t.Fatalf("claim = %+v, want nil at the cap", claim)
	}
}

// Three running, two queued on concurrency; when one run finishes, the
// next drain promotes exactly one of the queued chats.
func TestAtomicDequeue_PromotesOneWhenSlotFrees(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	var running []models.ThreadChat
	for i := 0; i < 3; i++ {
		running = append(running, seedChat(t, db, "u1", status.Working, 0))
	}
	seedChat(t, db, "u1", status.QueuedTasksConcurrency, 2*time.Minute)
	seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)

	// One run completes.
	if err := db.Model(&models.ThreadChat{}).Where("id = ?", running[0].ID).
		Update("status", string(status.Complete)).Error; err != nil {
		t.Fatalf("complete chat: %v", err)
	}

	candidates, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("eligible = %d, want 2", len(candidates))
	}

	first, err := dq.AtomicDequeue("u1", candidates)
	if err != nil {
		t.Fatalf("first dequeue: %v", err)
	}
	if first == nil {
		t.Fatal("expected a claim after a slot freed")
	}

	// The claim filled the slot back up; the second queued chat stays put.
	second, err := dq.AtomicDequeue("u1", candidates)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if second != nil {
		t.Errorf("second claim = %+v, want nil at the cap", second)
	}
}

func TestEligibility_SkipsThreadsWithActiveSibling(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	working := seedChat(t, db, "u1", status.Working, 0)
	seedSiblingChat(t, db, working.ThreadID, status.QueuedTasksConcurrency, 2*time.Minute)
	other := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)

	eligible, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != other.ID {
		t.Fatalf("eligible = %+v, want only the chat without a running sibling", eligible)
	}
}

// Two queued chats on one thread: successive drains promote exactly one,
// the other waits until the first settles.
func TestAtomicDequeue_OneActiveChatPerThread(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	first := seedChat(t, db, "u1", status.QueuedTasksConcurrency, 2*time.Minute)
	second := seedSiblingChat(t, db, first.ThreadID, status.QueuedTasksConcurrency, time.Minute)

	for pass := 0; pass < 2; pass++ {
		candidates, err := dq.GetEligibleQueuedThreadChats("u1")
		if err != nil {
			t.Fatalf("pass %d eligible: %v", pass, err)
		}
		if _, err := dq.AtomicDequeue("u1", candidates); err != nil {
			t.Fatalf("pass %d dequeue: %v", pass, err)
		}
	}

	var active int64
	if err := db.Model(&models.ThreadChat{}).
		Where("thread_id = ? AND status IN ?", first.ThreadID, status.Strings(status.TransientStatuses())).
		Count(&active).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 1 {
		t.Fatalf("thread has %d active chats, want 1", active)
	}

	var got models.ThreadChat
	if err := db.First(&got, "id = ?", second.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != string(status.QueuedTasksConcurrency) {
		t.Errorf("younger sibling = %q, want still queued", got.Status)
	}
}

// A sibling that went active after the eligibility scan blocks the claim
// of a stale candidate.
func TestAtomicDequeue_RechecksSiblingInsideClaim(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	queued := seedChat(t, db, "u1", status.QueuedTasksConcurrency, time.Minute)

	candidates, err := dq.GetEligibleQueuedThreadChats("u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	seedSiblingChat(t, db, queued.ThreadID, status.Working, 0)

	claim, err := dq.AtomicDequeue("u1", candidates)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claim != nil {
		t.Fatalf("claim = %+v, want nil while a sibling is active", claim)
	}
	var got models.ThreadChat
	if err := db.First(&got, "id = ?", queued.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != string(status.QueuedTasksConcurrency) {
		t.Errorf("status = %q, want still queued", got.Status)
	}
}

func TestUsersWithQueuedChats(t *testing.T) {
	dq, db, _ := newTestDequeuer(t)
	seedChat(t, db, "u1", status.QueuedTasksConcurrency, 0)
	seedChat(t, db, "u1", status.QueuedAgentRateLimit, 0)
	seedChat(t, db, "u2", status.QueuedSandboxCreationRateLimit, 0)
	seedChat(t, db, "u3", status.Working, 0)

	users, err := dq.UsersWithQueuedChats()
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("users = %v, want u1 and u2", users)
	}
}
