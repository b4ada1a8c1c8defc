// Package ratelimit implements the per-user gates consulted before
// sandbox work is started: replenishing token buckets for sandbox
// creation and agent calls, and the active-thread concurrency cap.
package ratelimit

import "time"

// Bucket kinds.
const (
	KindSandboxCreation = "sandbox-creation"
	KindAgent           = "agent"
)

// Quota configures one replenishing bucket.
type Quota struct {
	Tokens int
	Window time.Duration
}

// Remaining reports a bucket's current budget.
type Remaining struct {
	Remaining int
	ResetAt   time.Time
}

// Store is the token-bucket counter store. Take must be atomic under
// concurrent requests from the same user: a conditional decrement, never
// read-then-write.
type Store interface {
	// Take consumes one token. ok=false means the bucket is empty until
	// rem.ResetAt.
	Take(userID, kind string) (ok bool, rem Remaining, err error)
	// GetRemaining reports the budget without consuming.
	GetRemaining(userID, kind string) (Remaining, error)
	// Exhaust zeroes the bucket until resetAt, mirroring an upstream
	// vendor limit into the local gate.
	Exhaust(userID, kind string, resetAt time.Time) error
}
