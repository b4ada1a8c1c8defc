package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/threads"
)

// cron endpoints. Each runs one pass synchronously and reports counts so
// the caller's cron logs show what happened.

func (s *Server) handleProcessQueue(c *gin.Context) {
	started, err := s.deps.Processor.DrainAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

func (s *Server) handleSweepStalled(c *gin.Context) {
	result, err := s.deps.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stalled":    result.Stalled,
		"hibernated": result.Hibernated,
		"failures":   result.Failures,
	})
}

func (s *Server) handleRunScheduled(c *gin.Context) {
	ctx := c.Request.Context()
	started, err := s.deps.Scheduler.RunDue(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	fired, err := s.deps.Scheduler.FireRules(ctx, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started, "rules_fired": fired})
}

func (s *Server) handleSyncPullRequests(c *gin.Context) {
	if s.deps.Syncer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "github sync is not configured"})
		return
	}
	result, err := s.deps.Syncer.Sync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"linked":   result.Linked,
		"archived": result.Archived,
		"failures": result.Failures,
	})
}

// thread endpoints.

type createThreadRequest struct {
	UserID     string     `json:"user_id" binding:"required"`
	Repo       string     `json:"repo" binding:"required"`
	BaseBranch string     `json:"base_branch"`
	Tier       string     `json:"tier"`
	Message    string     `json:"message" binding:"required"`
	ScheduleAt *time.Time `json:"schedule_at"`
}

func (s *Server) handleCreateThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	thread, chat, err := s.deps.Svc.Create(threads.CreateOpts{
		UserID:     req.UserID,
		Repo:       req.Repo,
		BaseBranch: req.BaseBranch,
		Tier:       req.Tier,
		Message:    req.Message,
		ScheduleAt: req.ScheduleAt,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread": thread, "chat": chat})
}

type threadView struct {
	Thread models.Thread `json:"thread"`
	Chats  []chatView    `json:"chats"`
}

type chatView struct {
	Chat     models.ThreadChat      `json:"chat"`
	Messages []models.ThreadMessage `json:"messages"`
}

func (s *Server) handleGetThread(c *gin.Context) {
	thread, err := s.deps.Svc.Get(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}

	var chats []models.ThreadChat
	if err := s.deps.DB.Where("thread_id = ?", thread.ID).
		Order("created_at ASC").Find(&chats).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	view := threadView{Thread: *thread, Chats: make([]chatView, 0, len(chats))}
	for _, chat := range chats {
		var msgs []models.ThreadMessage
		if err := s.deps.DB.Where("chat_id = ?", chat.ID).
			Order("seq ASC").Find(&msgs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		view.Chats = append(view.Chats, chatView{Chat: chat, Messages: msgs})
	}
	c.JSON(http.StatusOK, view)
}

type followUpRequest struct {
	Tier       string     `json:"tier"`
	Message    string     `json:"message" binding:"required"`
	ScheduleAt *time.Time `json:"schedule_at"`
}

func (s *Server) handleFollowUp(c *gin.Context) {
	var req followUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chat, err := s.deps.Svc.FollowUp(c.Param("id"), req.Tier, req.Message, req.ScheduleAt)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat": chat})
}

func (s *Server) handleArchiveThread(c *gin.Context) {
	if err := s.deps.Svc.Archive(c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (s *Server) handleDeleteThread(c *gin.Context) {
	if err := s.deps.Svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// chat endpoints.

func (s *Server) handleStopChat(c *gin.Context) {
	res, err := s.deps.Engine.ApplyTransition(c.Param("id"), status.EventUserStop, status.Updates{})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(res.UpdatedStatus)})
}

func (s *Server) handleCancelSchedule(c *gin.Context) {
	if err := s.deps.Svc.CancelSchedule(c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// handleRetryCheckpoint moves a checkpoint-error chat back to
// checkpointing and re-runs the checkpoint phase in the background.
func (s *Server) handleRetryCheckpoint(c *gin.Context) {
	chatID := c.Param("id")
	chat, err := s.deps.Svc.GetChat(chatID)
	if err != nil {
		s.renderError(c, err)
		return
	}

	res, err := s.deps.Engine.ApplyTransition(chatID, status.EventUserRetry, status.Updates{})
	if err != nil {
		s.renderError(c, err)
		return
	}
	if !res.DidUpdateStatus {
		c.JSON(http.StatusConflict, gin.H{"error": "another retry is already in flight"})
		return
	}

	// Detached from the request context: the retry outlives the HTTP
	// response.
	go func() {
		if err := s.deps.Checkpointer.RunCheckpoint(context.Background(), chat.ThreadID, chatID); err != nil {
			log.Printf("server: retry checkpoint %s: %v", chatID, err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": string(res.UpdatedStatus)})
}

// renderError maps domain errors to HTTP statuses.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, threads.ErrNotFound), errors.Is(err, status.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, status.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
