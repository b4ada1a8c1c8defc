// Package server exposes Spindle's internal HTTP surface: cron trigger
// endpoints, thread inspection, and health. Everything except /healthz
// is guarded by a shared secret; this listener is for the platform's
// own cron and frontend, not the public internet.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/ghsync"
	"github.com/spindle-dev/spindle/internal/queue"
	"github.com/spindle-dev/spindle/internal/scheduler"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/sweeper"
	"github.com/spindle-dev/spindle/internal/threads"
	"gorm.io/gorm"
)

// secretHeader carries the shared secret on internal requests.
const secretHeader = "X-Spindle-Secret"

// Checkpointer re-runs the checkpoint phase for a chat. Satisfied by the
// agent runner.
type Checkpointer interface {
	RunCheckpoint(ctx context.Context, threadID, chatID string) error
}

// Deps carries everything the HTTP handlers delegate to. Syncer may be
// nil when no GitHub token is configured.
type Deps struct {
	DB           *gorm.DB
	Cfg          *config.Config
	Svc          *threads.Service
	Engine       *status.Engine
	Processor    *queue.Processor
	Sweeper      *sweeper.Sweeper
	Scheduler    *scheduler.Scheduler
	Syncer       *ghsync.Syncer
	Checkpointer Checkpointer
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	deps Deps
	http *http.Server
}

// New builds the router and returns a Server ready to run.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{deps: deps}

	router.GET("/healthz", s.handleHealthz)

	internal := router.Group("/internal", s.requireSecret)
	{
		internal.POST("/cron/process-queue", s.handleProcessQueue)
		internal.POST("/cron/sweep-stalled", s.handleSweepStalled)
		internal.POST("/cron/run-scheduled", s.handleRunScheduled)
		internal.POST("/cron/sync-pull-requests", s.handleSyncPullRequests)

		internal.POST("/threads", s.handleCreateThread)
		internal.GET("/threads/:id", s.handleGetThread)
		internal.POST("/threads/:id/chats", s.handleFollowUp)
		internal.POST("/threads/:id/archive", s.handleArchiveThread)
		internal.DELETE("/threads/:id", s.handleDeleteThread)

		internal.POST("/chats/:id/stop", s.handleStopChat)
		internal.POST("/chats/:id/cancel-schedule", s.handleCancelSchedule)
		internal.POST("/chats/:id/retry-checkpoint", s.handleRetryCheckpoint)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// requireSecret rejects requests without the shared secret. Comparison
// is constant-time.
func (s *Server) requireSecret(c *gin.Context) {
	got := c.GetHeader(secretHeader)
	want := s.deps.Cfg.Server.SharedSecret
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleHealthz(c *gin.Context) {
	sqlDB, err := s.deps.DB.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
