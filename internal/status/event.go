package status

// Event tags the cause of a transition. The event plus the chat's current
// status determine the resulting status; a handful of events (user
// messages) let the caller choose among several allowed targets because
// the target depends on gates the engine does not own.
type Event string

const (
	// User-driven.
	EventUserMessage     Event = "user.message"
	EventUserRetry       Event = "user.retry-checkpoint"
	EventUserCancelSched Event = "user.cancel-schedule"
	EventUserArchive     Event = "user.archive"
	EventUserStop        Event = "user.stop"

	// Agent-driven.
	EventAgentBooted          Event = "agent.booted"
	EventAgentWorkDone        Event = "agent.work-done"
	EventAgentError           Event = "agent.error"
	EventAgentRateLimited     Event = "agent.rate-limited"
	EventAgentStopped         Event = "agent.stopped"
	EventAgentCheckpointStart Event = "agent.checkpoint-start"
	EventAgentCheckpointDone  Event = "agent.checkpoint-done"
	EventAgentCheckpointError Event = "agent.checkpoint-error"

	// System-driven. The queue's claim is not an event: the dequeuer
	// promotes queued chats to booting with its own conditional update so
	// the gate re-checks and the claim commit share one transaction.
	EventSystemMessage Event = "system.message"
	EventSystemRequeue Event = "system.requeue"
	EventSystemStall   Event = "system.stall"
)

// rule describes one legal transition: the statuses it may start from and
// the statuses it may land in. Events with multiple targets require the
// caller to name one via Updates.Target.
type rule struct {
	from    []Status
	targets []Status
}

// transitions is the full rule table. Anything absent is invalid.
var transitions = map[Event]rule{
	// A new user message restarts a finished or failed chat. Whether it
	// boots immediately or queues depends on the rate-limit and
	// concurrency gates, so the caller picks the target.
	EventUserMessage: {
		from: []Status{Complete, WorkingError},
		targets: []Status{
			Booting,
			QueuedSandboxCreationRateLimit,
			QueuedAgentRateLimit,
			QueuedTasksConcurrency,
		},
	},
	EventUserRetry: {
		from:    []Status{CheckpointError},
		targets: []Status{Checkpointing},
	},
	// Cancelling a schedule keeps the current status; the engine clears
	// schedule_at and appends a system message.
	EventUserCancelSched: {
		from: []Status{
			Complete, WorkingError, CheckpointError,
			QueuedSandboxCreationRateLimit, QueuedAgentRateLimit, QueuedTasksConcurrency,
		},
	},
	EventUserArchive: {
		from:    []Status{Complete, WorkingError, CheckpointError},
		targets: []Status{Archived},
	},
	EventUserStop: {
		from:    []Status{Working},
		targets: []Status{Stopping},
	},

	EventAgentBooted: {
		from:    []Status{Booting},
		targets: []Status{Working},
	},
	EventAgentWorkDone: {
		from:    []Status{Working},
		targets: []Status{WorkingDone},
	},
	EventAgentError: {
		from:    []Status{Booting, Working, WorkingDone, Stopping},
		targets: []Status{WorkingError},
	},
	EventAgentRateLimited: {
		from:    []Status{Booting, Working},
		targets: []Status{QueuedAgentRateLimit},
	},
	EventAgentStopped: {
		from:    []Status{Stopping},
		targets: []Status{Complete},
	},
	EventAgentCheckpointStart: {
		from:    []Status{WorkingDone},
		targets: []Status{Checkpointing},
	},
	EventAgentCheckpointDone: {
		from:    []Status{Checkpointing},
		targets: []Status{Complete},
	},
	EventAgentCheckpointError: {
		from:    []Status{Checkpointing},
		targets: []Status{CheckpointError},
	},

	// System messages append to history without changing status. Valid
	// from any non-archived state.
	EventSystemMessage: {
		from: []Status{
			Complete, WorkingError, CheckpointError,
			Booting, Working, WorkingDone, Stopping, Checkpointing,
			QueuedSandboxCreationRateLimit, QueuedAgentRateLimit, QueuedTasksConcurrency,
		},
	},
	// A claimed chat goes back to the queue when a gate turns out to be
	// closed at execution time (token taken by a concurrent run).
	EventSystemRequeue: {
		from: []Status{Booting},
		targets: []Status{
			QueuedSandboxCreationRateLimit, QueuedAgentRateLimit, QueuedTasksConcurrency,
		},
	},
	// The sweeper forces stalled transients to an error state. A stalled
	// checkpoint lands in checkpoint-error so retry-checkpoint applies;
	// everything else lands in working-error.
	EventSystemStall: {
		from:    []Status{Booting, Working, WorkingDone, Stopping, Checkpointing},
		targets: []Status{WorkingError, CheckpointError},
	},
}

// allows reports whether the rule permits starting from s.
func (r rule) allows(s Status) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

// allowsTarget reports whether the rule permits landing in t.
func (r rule) allowsTarget(t Status) bool {
	for _, c := range r.targets {
		if c == t {
			return true
		}
	}
	return false
}

// defaultTarget returns the single target for events that have exactly
// one, given the current status. For EventSystemStall the target depends
// on where the chat stalled.
func (r rule) defaultTarget(event Event, from Status) (Status, bool) {
	if event == EventSystemStall {
		if from == Checkpointing {
			return CheckpointError, true
		}
		return WorkingError, true
	}
	if len(r.targets) == 1 {
		return r.targets[0], true
	}
	return "", false
}
