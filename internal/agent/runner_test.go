package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spindle-dev/spindle/internal/background"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/queue"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/sandbox"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/threads"
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

// fakeProvider scripts exec results: each call shifts the next entry off
// execErrs (nil means success with canned output).
type fakeProvider struct {
	mu       sync.Mutex
	execErrs []error
	execs    int
	created  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &sandbox.Session{Provider: "fake", SandboxID: "sb-1"}, nil
}

func (f *fakeProvider) Resume(ctx context.Context, sandboxID string) (*sandbox.Session, error) {
	return &sandbox.Session{Provider: "fake", SandboxID: sandboxID}, nil
}

func (f *fakeProvider) GetOrNull(ctx context.Context, sandboxID string) (*sandbox.Session, error) {
	return &sandbox.Session{Provider: "fake", SandboxID: sandboxID}, nil
}

func (f *fakeProvider) Exec(ctx context.Context, session *sandbox.Session, cmd []string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader("did the work\n")), nil
}

func (f *fakeProvider) Hibernate(ctx context.Context, session *sandbox.Session) error { return nil }
func (f *fakeProvider) Destroy(ctx context.Context, session *sandbox.Session) error   { return nil }

type fixture struct {
	db       *gorm.DB
	svc      *threads.Service
	runner   *Runner
	provider *fakeProvider
	buckets  ratelimit.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	cfg := &config.Config{
		Tiers:   map[string]int{"free": 3},
		Sandbox: config.SandboxConfig{Provider: "fake"},
		Agent: config.AgentConfig{
			Command:           []string{"agent", "run"},
			CheckpointCommand: []string{"agent", "checkpoint"},
			Timeout:           config.Duration(5 * time.Second),
		},
	}
	engine := status.NewEngine(db, nil)
	buckets := ratelimit.NewDBStore(db, map[string]ratelimit.Quota{
		ratelimit.KindSandboxCreation: {Tokens: 5, Window: time.Hour},
		ratelimit.KindAgent:           {Tokens: 60, Window: time.Hour},
	})
	provider := &fakeProvider{}
	manager := sandbox.NewManager()
	manager.Register(provider)
	svc := threads.NewService(db, engine, buckets, manager, cfg)

	tasks := background.NewRunner(2, 16)
	tasks.Start(context.Background())
	t.Cleanup(tasks.Stop)

	return &fixture{
		db:       db,
		svc:      svc,
		runner:   NewRunner(db, engine, svc, manager, buckets, tasks, cfg),
		provider: provider,
		buckets:  buckets,
	}
}

// seedBootingChat creates a thread whose chat sits in booting, as if just
// started or claimed.
func (f *fixture) seedBootingChat(t *testing.T) (*models.Thread, *models.ThreadChat) {
	t.Helper()
	thread, chat, err := f.svc.Create(threads.CreateOpts{
		UserID: "u1", Repo: "acme/api", Tier: "free", Message: "add dark mode",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if chat.Status != string(status.Booting) {
		t.Fatalf("seed chat status = %q, want booting", chat.Status)
	}
	return thread, chat
}

// waitStatus polls until the chat reaches want or the deadline passes.
func (f *fixture) waitStatus(t *testing.T, chatID string, want status.Status) models.ThreadChat {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var chat models.ThreadChat
		if err := f.db.First(&chat, "id = ?", chatID).Error; err != nil {
			t.Fatalf("reload chat: %v", err)
		}
		if status.Status(chat.Status) == want {
			return chat
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat status = %q, want %q", chat.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_CompletesEndToEnd(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)

	if err := f.runner.StartAgentMessage(context.Background(), queue.StartMessage{
		ThreadID:     thread.ID,
		ThreadChatID: chat.ID,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.waitStatus(t, chat.ID, status.Complete)

	var got models.Thread
	if err := f.db.First(&got, "id = ?", thread.ID).Error; err != nil {
		t.Fatalf("reload thread: %v", err)
	}
	if got.SandboxID == nil || *got.SandboxID != "sb-1" {
		t.Errorf("sandbox_id = %v, want sb-1 bound", got.SandboxID)
	}

	// The run and the checkpoint each exec once.
	f.provider.mu.Lock()
	execs, created := f.provider.execs, f.provider.created
	f.provider.mu.Unlock()
	if execs != 2 || created != 1 {
		t.Errorf("execs = %d, created = %d, want 2 and 1", execs, created)
	}

	var assistant int64
	f.db.Model(&models.ThreadMessage{}).Where("chat_id = ? AND role = ?", chat.ID, "assistant").Count(&assistant)
	if assistant != 1 {
		t.Errorf("assistant messages = %d, want 1", assistant)
	}
}

func TestRun_ExecFailureLandsInWorkingError(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)
	f.provider.execErrs = []error{errors.New("agent exited 1")}

	if err := f.runner.StartAgentMessage(context.Background(), queue.StartMessage{
		ThreadID:     thread.ID,
		ThreadChatID: chat.ID,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := f.waitStatus(t, chat.ID, status.WorkingError)
	if got.ErrorMessage == "" || got.ErrorMessageInfo == "" {
		t.Errorf("error fields empty: %q / %q", got.ErrorMessage, got.ErrorMessageInfo)
	}
}

func TestRun_VendorRateLimitRequeuesAndMirrorsWindow(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)
	f.provider.execErrs = []error{errors.New("upstream returned 429 rate limit")}

	if err := f.runner.StartAgentMessage(context.Background(), queue.StartMessage{
		ThreadID:     thread.ID,
		ThreadChatID: chat.ID,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.waitStatus(t, chat.ID, status.QueuedAgentRateLimit)

	rem, err := f.buckets.GetRemaining("u1", ratelimit.KindAgent)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rem.Remaining != 0 {
		t.Errorf("agent bucket remaining = %d, want 0 after mirroring the vendor window", rem.Remaining)
	}
}

func TestRun_ClosedAgentGateRequeuesBeforeSandbox(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)
	if err := f.buckets.Exhaust("u1", ratelimit.KindAgent, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("exhaust: %v", err)
	}

	if err := f.runner.StartAgentMessage(context.Background(), queue.StartMessage{
		ThreadID:     thread.ID,
		ThreadChatID: chat.ID,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.waitStatus(t, chat.ID, status.QueuedAgentRateLimit)

	f.provider.mu.Lock()
	created := f.provider.created
	f.provider.mu.Unlock()
	if created != 0 {
		t.Errorf("created = %d, want 0: a closed gate must not provision a sandbox", created)
	}
}

func TestRun_SkipsChatThatMovedOn(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)
	if err := f.db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		Update("status", string(status.Complete)).Error; err != nil {
		t.Fatalf("move chat on: %v", err)
	}

	if err := f.runner.StartAgentMessage(context.Background(), queue.StartMessage{
		ThreadID:     thread.ID,
		ThreadChatID: chat.ID,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the background run a moment; nothing should change.
	time.Sleep(50 * time.Millisecond)
	var got models.ThreadChat
	if err := f.db.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != string(status.Complete) {
		t.Errorf("status = %q, want untouched complete", got.Status)
	}
	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if f.provider.execs != 0 {
		t.Errorf("execs = %d, want 0", f.provider.execs)
	}
}

func TestRunCheckpoint_RetriesAfterCheckpointError(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)
	sb := "sb-1"
	if err := f.svc.SetSandbox(thread.ID, "fake", sb); err != nil {
		t.Fatalf("bind sandbox: %v", err)
	}
	// As if a prior checkpoint failed and the user retried.
	if err := f.db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		Update("status", string(status.Checkpointing)).Error; err != nil {
		t.Fatalf("force checkpointing: %v", err)
	}

	if err := f.runner.RunCheckpoint(context.Background(), thread.ID, chat.ID); err != nil {
		t.Fatalf("run checkpoint: %v", err)
	}
	f.waitStatus(t, chat.ID, status.Complete)
}

func TestRunCheckpoint_NoSandboxFailsCleanly(t *testing.T) {
	f := newFixture(t)
	thread, chat := f.seedBootingChat(t)
	if err := f.db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		Update("status", string(status.Checkpointing)).Error; err != nil {
		t.Fatalf("force checkpointing: %v", err)
	}

	if err := f.runner.RunCheckpoint(context.Background(), thread.ID, chat.ID); err != nil {
		t.Fatalf("run checkpoint: %v", err)
	}
	got := f.waitStatus(t, chat.ID, status.CheckpointError)
	if got.ErrorMessage == "" {
		t.Error("no user-facing error message")
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 100); got != "short" {
		t.Errorf("tail = %q", got)
	}
	long := strings.Repeat("line\n", 100)
	got := tail(long, 20)
	if len(got) > 20 {
		t.Errorf("tail length = %d, want <= 20", len(got))
	}
	if strings.HasPrefix(got, "\n") || !strings.HasSuffix(got, "line") {
		t.Errorf("tail = %q, want trimmed on a line boundary", got)
	}
}

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("agent exited 1"), false},
		{errors.New("Rate Limit exceeded"), true},
		{errors.New("upstream status 429"), true},
	}
	for _, tc := range cases {
		if got := isRateLimited(tc.err); got != tc.want {
			t.Errorf("isRateLimited(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
