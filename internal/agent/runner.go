// Package agent drives the AI agent loop inside a thread's sandbox: it
// provisions or resumes the sandbox, execs the agent, routes the outcome
// back through the status engine, and checkpoints the result.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/spindle-dev/spindle/internal/background"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/queue"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/sandbox"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/threads"
	"gorm.io/gorm"
)

// tailLimit bounds how much agent output is kept for error context and
// the final assistant message.
const tailLimit = 4000

// Runner implements queue.AgentInvoker. StartAgentMessage is
// fire-and-forget: the run executes on the background pool and reports
// its outcome exclusively through chat status transitions.
type Runner struct {
	db        *gorm.DB
	engine    *status.Engine
	svc       *threads.Service
	sandboxes *sandbox.Manager
	buckets   ratelimit.Store
	tasks     *background.Runner
	cfg       *config.Config
}

// NewRunner wires the agent runner.
func NewRunner(db *gorm.DB, engine *status.Engine, svc *threads.Service, sandboxes *sandbox.Manager, buckets ratelimit.Store, tasks *background.Runner, cfg *config.Config) *Runner {
	return &Runner{
		db:        db,
		engine:    engine,
		svc:       svc,
		sandboxes: sandboxes,
		buckets:   buckets,
		tasks:     tasks,
		cfg:       cfg,
	}
}

// StartAgentMessage implements queue.AgentInvoker.
func (r *Runner) StartAgentMessage(ctx context.Context, msg queue.StartMessage) error {
	name := fmt.Sprintf("agent-run:%s", msg.ThreadChatID)
	return r.tasks.Submit(name, func(ctx context.Context) error {
		r.run(ctx, msg)
		return nil
	})
}

// run executes one agent session end to end. Every failure mode lands
// the chat in a status the sweeper or the user can recover from.
func (r *Runner) run(ctx context.Context, msg queue.StartMessage) {
	thread, err := r.svc.Get(msg.ThreadID)
	if err != nil {
		log.Printf("agent: load thread %s: %v", msg.ThreadID, err)
		return
	}
	chat, err := r.svc.GetChat(msg.ThreadChatID)
	if err != nil {
		log.Printf("agent: load chat %s: %v", msg.ThreadChatID, err)
		return
	}
	if status.Status(chat.Status) != status.Booting {
		// Another process moved the chat on; whoever did owns the run.
		return
	}

	if msg.Message != nil {
		if err := r.svc.EnsureUserMessage(chat.ID, *msg.Message); err != nil {
			log.Printf("agent: ensure message for %s: %v", chat.ID, err)
		}
	}

	// Consume an agent token before touching the sandbox at all; a
	// closed gate re-queues cheaply instead of resuming for nothing.
	ok, rem, err := r.buckets.Take(thread.UserID, ratelimit.KindAgent)
	if err != nil {
		r.failRun(thread, chat, err, "")
		return
	}
	if !ok {
		r.requeue(chat.ID, status.QueuedAgentRateLimit, rem.ResetAt)
		return
	}

	lease, err := r.ensureSandbox(ctx, thread, chat)
	if err != nil || lease == nil {
		return
	}
	defer lease.Release()

	// booting -> working. Losing this CAS means the chat was cancelled
	// or swept while the sandbox came up; stop cooperatively.
	res, err := r.engine.ApplyTransition(chat.ID, status.EventAgentBooted, status.Updates{})
	if err != nil || !res.DidUpdateStatus {
		r.hibernate(thread)
		return
	}

	output, execErr := r.execStream(ctx, lease, r.cfg.Agent.Command)

	if stopped := r.finishIfStopping(chat.ID); stopped {
		r.hibernate(thread)
		return
	}

	if execErr != nil {
		r.failRun(thread, chat, execErr, output)
		return
	}

	if _, err := r.engine.ApplyTransition(chat.ID, status.EventAgentWorkDone, status.Updates{
		Append: []status.Message{{Role: "assistant", Content: output}},
	}); err != nil {
		log.Printf("agent: mark work done %s: %v", chat.ID, err)
		return
	}

	r.checkpoint(ctx, thread, chat.ID, lease)
	r.hibernate(thread)
}

// ensureSandbox resumes the thread's sandbox or provisions a new one,
// consuming a creation token first. A closed gate re-queues the chat
// instead of failing it.
func (r *Runner) ensureSandbox(ctx context.Context, thread *models.Thread, chat *models.ThreadChat) (*sandbox.Lease, error) {
	creating := thread.SandboxID == nil || *thread.SandboxID == ""
	if creating {
		ok, rem, err := r.buckets.Take(thread.UserID, ratelimit.KindSandboxCreation)
		if err != nil {
			r.failRun(thread, chat, err, "")
			return nil, err
		}
		if !ok {
			r.requeue(chat.ID, status.QueuedSandboxCreationRateLimit, rem.ResetAt)
			return nil, nil
		}
	}

	spec := sandbox.Spec{
		Provider:   thread.SandboxProvider,
		Repo:       thread.GithubRepoFullName,
		Branch:     thread.BranchName,
		BaseBranch: thread.BaseBranchName,
	}
	lease, err := r.sandboxes.CreateOrResume(ctx, spec, thread.SandboxID)
	if err != nil {
		r.failRun(thread, chat, err, "")
		return nil, err
	}

	if thread.SandboxID == nil || *thread.SandboxID != lease.Session.SandboxID {
		if err := r.svc.SetSandbox(thread.ID, lease.Session.Provider, lease.Session.SandboxID); err != nil {
			log.Printf("agent: bind sandbox for %s: %v", thread.ID, err)
		}
		id := lease.Session.SandboxID
		thread.SandboxID = &id
	}
	return lease, nil
}

// checkpoint pushes the agent's work out of the sandbox (branch push, PR
// update) and completes the chat.
func (r *Runner) checkpoint(ctx context.Context, thread *models.Thread, chatID string, lease *sandbox.Lease) {
	res, err := r.engine.ApplyTransition(chatID, status.EventAgentCheckpointStart, status.Updates{})
	if err != nil || !res.DidUpdateStatus {
		return
	}

	output, execErr := r.execStream(ctx, lease, r.cfg.Agent.CheckpointCommand)
	if execErr != nil {
		if _, err := r.engine.ApplyTransition(chatID, status.EventAgentCheckpointError, status.Updates{
			ErrorMessage:     "Failed to save the agent's work.",
			ErrorMessageInfo: tail(execErr.Error()+"\n"+output, tailLimit),
		}); err != nil {
			log.Printf("agent: mark checkpoint error %s: %v", chatID, err)
		}
		return
	}

	if _, err := r.engine.ApplyTransition(chatID, status.EventAgentCheckpointDone, status.Updates{}); err != nil {
		log.Printf("agent: complete %s: %v", chatID, err)
	}
}

// RunCheckpoint re-runs only the checkpoint phase, used by the
// retry-checkpoint flow after the chat is already in checkpointing.
func (r *Runner) RunCheckpoint(ctx context.Context, threadID, chatID string) error {
	thread, err := r.svc.Get(threadID)
	if err != nil {
		return err
	}
	if thread.SandboxID == nil || *thread.SandboxID == "" {
		_, terr := r.engine.ApplyTransition(chatID, status.EventAgentCheckpointError, status.Updates{
			ErrorMessage: "No sandbox is bound to this thread anymore; send a new message to retry.",
		})
		return terr
	}

	lease, err := r.sandboxes.CreateOrResume(ctx, sandbox.Spec{
		Provider: thread.SandboxProvider,
		Repo:     thread.GithubRepoFullName,
		Branch:   thread.BranchName,
	}, thread.SandboxID)
	if err != nil {
		_, terr := r.engine.ApplyTransition(chatID, status.EventAgentCheckpointError, status.Updates{
			ErrorMessage:     "Could not resume the sandbox to save the agent's work.",
			ErrorMessageInfo: tail(err.Error(), tailLimit),
		})
		return terr
	}
	defer lease.Release()

	output, execErr := r.execStream(ctx, lease, r.cfg.Agent.CheckpointCommand)
	if execErr != nil {
		_, terr := r.engine.ApplyTransition(chatID, status.EventAgentCheckpointError, status.Updates{
			ErrorMessage:     "Failed to save the agent's work.",
			ErrorMessageInfo: tail(execErr.Error()+"\n"+output, tailLimit),
		})
		return terr
	}
	_, err = r.engine.ApplyTransition(chatID, status.EventAgentCheckpointDone, status.Updates{})
	r.hibernate(thread)
	return err
}

// execStream runs cmd in the sandbox and drains its output, keeping the
// tail. Bounded by the configured agent timeout.
func (r *Runner) execStream(ctx context.Context, lease *sandbox.Lease, cmd []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Agent.Timeout.Std())
	defer cancel()

	stream, err := r.sandboxes.Exec(ctx, lease, cmd)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var buf strings.Builder
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
		if buf.Len() > 4*tailLimit {
			trimmed := tail(buf.String(), 2*tailLimit)
			buf.Reset()
			buf.WriteString(trimmed)
		}
	}
	out := tail(buf.String(), tailLimit)
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("agent: read output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("agent: run cut short: %w", err)
	}
	return out, nil
}

// finishIfStopping completes a cooperative stop: the user moved the chat
// to stopping while the agent ran.
func (r *Runner) finishIfStopping(chatID string) bool {
	chat, err := r.svc.GetChat(chatID)
	if err != nil {
		return false
	}
	if status.Status(chat.Status) != status.Stopping {
		return false
	}
	if _, err := r.engine.ApplyTransition(chatID, status.EventAgentStopped, status.Updates{
		Append: []status.Message{{Role: "system", Content: "Stopped at the user's request."}},
	}); err != nil {
		log.Printf("agent: finish stop %s: %v", chatID, err)
	}
	return true
}

// failRun routes an execution failure into the chat's error fields.
// Vendor rate limits re-queue instead, mirroring the window into the
// local bucket so the dequeuer does not thrash.
func (r *Runner) failRun(thread *models.Thread, chat *models.ThreadChat, execErr error, output string) {
	if isRateLimited(execErr) {
		resetAt := time.Now().Add(15 * time.Minute)
		if err := r.buckets.Exhaust(thread.UserID, ratelimit.KindAgent, resetAt); err != nil {
			log.Printf("agent: mirror vendor limit for %s: %v", thread.UserID, err)
		}
		if _, err := r.engine.ApplyTransition(chat.ID, status.EventAgentRateLimited, status.Updates{}); err != nil {
			log.Printf("agent: requeue rate-limited %s: %v", chat.ID, err)
		}
		r.hibernate(thread)
		return
	}

	if _, err := r.engine.ApplyTransition(chat.ID, status.EventAgentError, status.Updates{
		ErrorMessage:     "The agent run failed. Retry by sending a new message.",
		ErrorMessageInfo: tail(execErr.Error()+"\n"+output, tailLimit),
	}); err != nil {
		log.Printf("agent: mark error %s: %v", chat.ID, err)
	}
	r.hibernate(thread)
}

// requeue sends a claimed chat back to the queue naming the closed gate.
func (r *Runner) requeue(chatID string, target status.Status, resetAt time.Time) {
	_, err := r.engine.ApplyTransition(chatID, status.EventSystemRequeue, status.Updates{
		Target: target,
	})
	if err != nil {
		log.Printf("agent: requeue %s to %s: %v", chatID, target, err)
		return
	}
	log.Printf("agent: chat %s re-queued as %s until %s", chatID, target, resetAt.Format(time.RFC3339))
}

// hibernate parks the thread's sandbox, best-effort. The sweeper is the
// backstop when this fails.
func (r *Runner) hibernate(thread *models.Thread) {
	if thread.SandboxID == nil || *thread.SandboxID == "" {
		return
	}
	provider, id := thread.SandboxProvider, *thread.SandboxID
	name := fmt.Sprintf("hibernate:%s", thread.ID)
	err := r.tasks.Submit(name, func(ctx context.Context) error {
		if err := r.sandboxes.Hibernate(ctx, provider, id); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		log.Printf("agent: %v", err)
	}
}

// isRateLimited recognizes vendor rate-limit failures from the agent's
// exit output.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}

// tail returns the last n bytes of s on a line boundary where possible.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
