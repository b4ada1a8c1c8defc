package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/queue"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/scheduler"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/threads"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "shhh"

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
		&models.AutomationRule{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// nullInvoker satisfies the queue's agent handoff without doing work.
type nullInvoker struct{}

func (nullInvoker) StartAgentMessage(ctx context.Context, msg queue.StartMessage) error { return nil }

// recordingCheckpointer captures checkpoint retries.
type recordingCheckpointer struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (r *recordingCheckpointer) RunCheckpoint(ctx context.Context, threadID, chatID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, chatID)
	r.mu.Unlock()
	close(r.done)
	return nil
}

type fixture struct {
	db           *gorm.DB
	svc          *threads.Service
	handler      http.Handler
	checkpointer *recordingCheckpointer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	cfg := &config.Config{
		Tiers:   map[string]int{"free": 3},
		Sandbox: config.SandboxConfig{Provider: "fake"},
		Server:  config.ServerConfig{Port: 0, SharedSecret: testSecret},
	}
	engine := status.NewEngine(db, nil)
	buckets := ratelimit.NewDBStore(db, map[string]ratelimit.Quota{
		ratelimit.KindSandboxCreation: {Tokens: 5, Window: time.Hour},
		ratelimit.KindAgent:           {Tokens: 60, Window: time.Hour},
	})
	svc := threads.NewService(db, engine, buckets, nil, cfg)
	dq := queue.NewDequeuer(db, buckets, cfg, nil)
	checkpointer := &recordingCheckpointer{done: make(chan struct{})}

	srv := New(Deps{
		DB:           db,
		Cfg:          cfg,
		Svc:          svc,
		Engine:       engine,
		Processor:    queue.NewProcessor(dq, svc, nullInvoker{}, 2),
		Scheduler:    scheduler.New(db, svc, engine, nil),
		Checkpointer: checkpointer,
	})
	return &fixture{db: db, svc: svc, handler: srv.Handler(), checkpointer: checkpointer}
}

// do performs a request with the shared secret attached.
func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(secretHeader, testSecret)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestRequireSecret(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/cron/process-queue", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/cron/process-queue", nil)
	req.Header.Set(secretHeader, "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad secret: status = %d, want 401", rec.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestCreateAndGetThread(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/internal/threads",
		`{"user_id":"u1","repo":"acme/api","tier":"free","message":"add dark mode"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Thread models.Thread     `json:"thread"`
		Chat   models.ThreadChat `json:"chat"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Chat.Status != string(status.Booting) {
		t.Errorf("chat status = %q, want booting", created.Chat.Status)
	}

	rec = f.do(t, http.MethodGet, "/internal/threads/"+created.Thread.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var view struct {
		Thread models.Thread `json:"thread"`
		Chats  []struct {
			Chat     models.ThreadChat      `json:"chat"`
			Messages []models.ThreadMessage `json:"messages"`
		} `json:"chats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if len(view.Chats) != 1 || len(view.Chats[0].Messages) != 1 {
		t.Errorf("view = %d chats, want 1 with its user message", len(view.Chats))
	}
}

func TestGetThread_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/internal/threads/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCreateThread_Validation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/threads", `{"user_id":"u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing fields", rec.Code)
	}
}

func TestProcessQueue_Empty(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/cron/process-queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Started int `json:"started"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Started != 0 {
		t.Errorf("started = %d, want 0", resp.Started)
	}
}

func TestSyncPullRequests_Unconfigured(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/cron/sync-pull-requests", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501 without a github token", rec.Code)
	}
}

func TestStopChat_InvalidTransition(t *testing.T) {
	f := newFixture(t)
	_, chat, err := f.svc.Create(threads.CreateOpts{
		UserID: "u1", Repo: "acme/api", Tier: "free", Message: "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Booting cannot be stopped by the user; only working can.
	rec := f.do(t, http.MethodPost, "/internal/chats/"+chat.ID+"/stop", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for invalid transition", rec.Code)
	}
}

func TestRetryCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, chat, err := f.svc.Create(threads.CreateOpts{
		UserID: "u1", Repo: "acme/api", Tier: "free", Message: "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		Update("status", string(status.CheckpointError)).Error; err != nil {
		t.Fatalf("force checkpoint-error: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/internal/chats/"+chat.ID+"/retry-checkpoint", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	select {
	case <-f.checkpointer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint retry never invoked")
	}
	f.checkpointer.mu.Lock()
	defer f.checkpointer.mu.Unlock()
	if len(f.checkpointer.calls) != 1 || f.checkpointer.calls[0] != chat.ID {
		t.Errorf("checkpointer calls = %v", f.checkpointer.calls)
	}

	var got models.ThreadChat
	if err := f.db.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != string(status.Checkpointing) {
		t.Errorf("status = %q, want checkpointing", got.Status)
	}
}

func TestRetryCheckpoint_WrongState(t *testing.T) {
	f := newFixture(t)
	_, chat, err := f.svc.Create(threads.CreateOpts{
		UserID: "u1", Repo: "acme/api", Tier: "free", Message: "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/internal/chats/"+chat.ID+"/retry-checkpoint", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for a chat not in checkpoint-error", rec.Code)
	}
}

func TestArchiveThread(t *testing.T) {
	f := newFixture(t)
	thread, chat, err := f.svc.Create(threads.CreateOpts{
		UserID: "u1", Repo: "acme/api", Tier: "free", Message: "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Active chat blocks archival.
	rec := f.do(t, http.MethodPost, "/internal/threads/"+thread.ID+"/archive", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 while a chat runs", rec.Code)
	}

	if err := f.db.Model(&models.ThreadChat{}).Where("id = ?", chat.ID).
		Update("status", string(status.Complete)).Error; err != nil {
		t.Fatalf("complete chat: %v", err)
	}
	rec = f.do(t, http.MethodPost, "/internal/threads/"+thread.ID+"/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got models.Thread
	if err := f.db.First(&got, "id = ?", thread.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Archived {
		t.Error("thread not archived")
	}
}
