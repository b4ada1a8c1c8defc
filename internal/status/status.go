// Package status implements the chat status machine: the closed status
// set, the transition rules, and the compare-and-swap engine that applies
// transitions atomically against the thread store.
package status

// Status is a chat lifecycle state. The string value is stored verbatim
// in the thread_chats.status column and used as the compare-and-swap key
// for every transition, so values here never change meaning.
type Status string

// The closed status set.
const (
	// Terminal.
	Complete Status = "complete"
	Archived Status = "archived"

	// Error (recoverable by retry or follow-up).
	WorkingError    Status = "working-error"
	CheckpointError Status = "checkpoint-error"

	// Active transient.
	Booting       Status = "booting"
	Working       Status = "working"
	WorkingDone   Status = "working-done"
	Stopping      Status = "stopping"
	Checkpointing Status = "checkpointing"

	// Queued. The status names why the chat is queued so the dequeuer can
	// re-check the specific gate later.
	QueuedSandboxCreationRateLimit Status = "queued-sandbox-creation-rate-limit"
	QueuedAgentRateLimit           Status = "queued-agent-rate-limit"
	QueuedTasksConcurrency         Status = "queued-tasks-concurrency"
)

// QueueReason identifies which gate put a chat in a queued status.
type QueueReason string

const (
	ReasonSandboxCreationRateLimit QueueReason = "sandbox-creation-rate-limit"
	ReasonAgentRateLimit           QueueReason = "agent-rate-limit"
	ReasonTasksConcurrency         QueueReason = "tasks-concurrency"
	ReasonNone                     QueueReason = ""
)

// All returns every valid status.
func All() []Status {
	return []Status{
		Complete, Archived,
		WorkingError, CheckpointError,
		Booting, Working, WorkingDone, Stopping, Checkpointing,
		QueuedSandboxCreationRateLimit, QueuedAgentRateLimit, QueuedTasksConcurrency,
	}
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case Complete, Archived,
		WorkingError, CheckpointError,
		Booting, Working, WorkingDone, Stopping, Checkpointing,
		QueuedSandboxCreationRateLimit, QueuedAgentRateLimit, QueuedTasksConcurrency:
		return true
	}
	return false
}

// IsTerminal reports whether the chat is finished and read-only.
func (s Status) IsTerminal() bool {
	return s == Complete || s == Archived
}

// IsError reports whether the chat ended in an error state.
func (s Status) IsError() bool {
	return s == WorkingError || s == CheckpointError
}

// IsQueued reports whether the chat is waiting on a gate.
func (s Status) IsQueued() bool {
	return s.QueueReason() != ReasonNone
}

// IsTransient reports whether the chat is mid-flight: an operation is (or
// should be) in progress and the sweeper watches it for staleness.
func (s Status) IsTransient() bool {
	switch s {
	case Booting, Working, WorkingDone, Stopping, Checkpointing:
		return true
	}
	return false
}

// IsActive reports whether the chat currently drives a sandbox session:
// non-terminal, non-queued, non-error. At most one chat per thread may be
// active at a time.
func (s Status) IsActive() bool {
	return s.IsTransient()
}

// QueueReason returns which gate a queued status names, or ReasonNone.
func (s Status) QueueReason() QueueReason {
	switch s {
	case QueuedSandboxCreationRateLimit:
		return ReasonSandboxCreationRateLimit
	case QueuedAgentRateLimit:
		return ReasonAgentRateLimit
	case QueuedTasksConcurrency:
		return ReasonTasksConcurrency
	}
	return ReasonNone
}

// QueuedStatuses returns the queued subset, in dequeue-check order.
func QueuedStatuses() []Status {
	return []Status{
		QueuedTasksConcurrency,
		QueuedSandboxCreationRateLimit,
		QueuedAgentRateLimit,
	}
}

// TransientStatuses returns the subset the sweeper watches.
func TransientStatuses() []Status {
	return []Status{Booting, Working, WorkingDone, Stopping, Checkpointing}
}

// Strings converts a status slice to the raw column values for queries.
func Strings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
