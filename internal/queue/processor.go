package queue

import (
	"context"
	"fmt"
	"log"

	"github.com/spindle-dev/spindle/internal/background"
	"github.com/spindle-dev/spindle/internal/threads"
)

// StartMessage is the payload handed to the agent invocation interface
// after a successful claim.
type StartMessage struct {
	ThreadID     string
	ThreadChatID string
	IsNewThread  bool
	Message      *string
}

// AgentInvoker kicks off the background agent loop for a claimed chat.
// Fire-and-forget: the orchestrator's responsibility ends at invoking it
// with consistent state.
type AgentInvoker interface {
	StartAgentMessage(ctx context.Context, msg StartMessage) error
}

// Processor drains queues: claim, ensure the user message exists, hand
// off to the agent.
type Processor struct {
	dq      *Dequeuer
	svc     *threads.Service
	invoker AgentInvoker
	workers int
}

// NewProcessor creates a Processor. workers bounds the cron drain's
// concurrent per-user processing.
func NewProcessor(dq *Dequeuer, svc *threads.Service, invoker AgentInvoker, workers int) *Processor {
	if workers <= 0 {
		workers = 4
	}
	return &Processor{dq: dq, svc: svc, invoker: invoker, workers: workers}
}

// DrainUser repeatedly claims eligible chats for one user until the
// gates close or the queue is empty. Returns how many chats were started.
func (p *Processor) DrainUser(ctx context.Context, userID string) (int, error) {
	started := 0
	for {
		if err := ctx.Err(); err != nil {
			return started, err
		}

		candidates, err := p.dq.GetEligibleQueuedThreadChats(userID)
		if err != nil {
			return started, err
		}
		if len(candidates) == 0 {
			return started, nil
		}

		claim, err := p.dq.AtomicDequeue(userID, candidates)
		if err != nil {
			return started, err
		}
		if claim == nil {
			// Every candidate was taken by another process, or the
			// concurrency gate closed. Either way, done here.
			return started, nil
		}

		// Recover chats that were queued before their message was
		// durably attached, then hand off.
		if err := p.svc.EnsureUserMessage(claim.ThreadChatID, ""); err != nil {
			log.Printf("queue: ensure message for %s: %v", claim.ThreadChatID, err)
		}
		if err := p.invoker.StartAgentMessage(ctx, StartMessage{
			ThreadID:     claim.ThreadID,
			ThreadChatID: claim.ThreadChatID,
		}); err != nil {
			return started, fmt.Errorf("queue: start agent for %s: %w", claim.ThreadChatID, err)
		}
		started++
	}
}

// DrainAll fans the per-user drain out over every user with queued work,
// bounded by the worker pool so a cron burst cannot stampede the sandbox
// provider. One user's failure never blocks the others.
func (p *Processor) DrainAll(ctx context.Context) (int, error) {
	userIDs, err := p.dq.UsersWithQueuedChats()
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	counts := make([]int, len(userIDs))
	errs := background.ForEach(ctx, p.workers, indexes(userIDs), func(ctx context.Context, i int) error {
		n, err := p.DrainUser(ctx, userIDs[i])
		counts[i] = n
		return err
	})

	total := 0
	for i, n := range counts {
		total += n
		if errs[i] != nil {
			log.Printf("queue: drain user %s: %v", userIDs[i], errs[i])
		}
	}
	return total, nil
}

func indexes(userIDs []string) []int {
	out := make([]int, len(userIDs))
	for i := range out {
		out[i] = i
	}
	return out
}
