// Package sandbox wraps provider-specific sandboxes behind a uniform
// capability interface: create, resume, exec, hibernate, destroy. Access
// to a given sandbox is serialized through per-sandbox locks so agent
// execution, admin inspection, and hibernation sweeps never race.
package sandbox

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a sandbox no longer exists at the
// provider, e.g. it expired out-of-band. Never swallowed: callers decide
// whether to re-create or to surface it.
var ErrNotFound = errors.New("sandbox: not found")

// Spec describes the sandbox to create for a thread.
type Spec struct {
	Provider   string
	Repo       string // owner/name
	Branch     string
	BaseBranch string
	Env        map[string]string
}

// Session identifies a live sandbox at a provider.
type Session struct {
	Provider  string
	SandboxID string
}

// Provider is the capability interface implemented per sandbox backend.
// Resume tolerates "already running" and "stopped" (stopped sandboxes are
// started transparently); a missing sandbox surfaces ErrNotFound.
type Provider interface {
	Name() string
	Create(ctx context.Context, spec Spec) (*Session, error)
	Resume(ctx context.Context, sandboxID string) (*Session, error)
	// GetOrNull returns (nil, nil) when the sandbox does not exist.
	GetOrNull(ctx context.Context, sandboxID string) (*Session, error)
	Exec(ctx context.Context, session *Session, cmd []string) (io.ReadCloser, error)
	Hibernate(ctx context.Context, session *Session) error
	Destroy(ctx context.Context, session *Session) error
}
