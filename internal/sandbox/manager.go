package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/spindle-dev/spindle/internal/retry"
)

// Lease is an exclusively held sandbox session. Only one lease per
// sandbox ID exists at a time; Release must be called when done.
type Lease struct {
	Session *Session
	release func()
}

// Release gives up the per-sandbox lock. Safe to call more than once.
func (l *Lease) Release() {
	if l.release != nil {
		l.release()
	}
}

// Manager routes sandbox operations to registered providers, serializes
// them per sandbox ID, and retries transient provider failures.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	locks     *keyedLocks
	policy    retry.Policy
}

// NewManager creates a Manager with the default retry policy.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		locks:     newKeyedLocks(),
		policy:    retry.DefaultPolicy(),
	}
}

// Register adds a provider implementation.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
}

// provider resolves a provider by name.
func (m *Manager) provider(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown provider %q", name)
	}
	return p, nil
}

// Acquire takes the per-sandbox lock and resolves the session. A sandbox
// missing at the provider surfaces ErrNotFound with the lock already
// released.
func (m *Manager) Acquire(ctx context.Context, providerName, sandboxID string) (*Lease, error) {
	p, err := m.provider(providerName)
	if err != nil {
		return nil, err
	}

	release := m.locks.acquire(sandboxID)
	session, err := p.GetOrNull(ctx, sandboxID)
	if err != nil {
		release()
		return nil, fmt.Errorf("sandbox: acquire %s/%s: %w", providerName, sandboxID, err)
	}
	if session == nil {
		release()
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, providerName, sandboxID)
	}
	return &Lease{Session: session, release: release}, nil
}

// CreateOrResume returns a held lease for the thread's sandbox. With a
// known sandbox ID it resumes (transparently starting a stopped sandbox);
// when the sandbox has expired out-of-band or no ID is known, it creates
// a fresh one. Transient provider failures are retried with backoff.
func (m *Manager) CreateOrResume(ctx context.Context, spec Spec, sandboxID *string) (*Lease, error) {
	p, err := m.provider(spec.Provider)
	if err != nil {
		return nil, err
	}

	if sandboxID != nil && *sandboxID != "" {
		release := m.locks.acquire(*sandboxID)
		var session *Session
		err := retry.Do(ctx, m.policy, func() error {
			var rerr error
			session, rerr = p.Resume(ctx, *sandboxID)
			if errors.Is(rerr, ErrNotFound) {
				return &retry.Permanent{Err: rerr}
			}
			return rerr
		})
		if err == nil {
			return &Lease{Session: session, release: release}, nil
		}
		release()
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("sandbox: resume %s/%s: %w", spec.Provider, *sandboxID, err)
		}
		// Expired out-of-band: fall through and provision a new sandbox.
		log.Printf("sandbox: %s/%s gone, creating replacement", spec.Provider, *sandboxID)
	}

	var session *Session
	err = retry.Do(ctx, m.policy, func() error {
		var cerr error
		session, cerr = p.Create(ctx, spec)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: create on %s: %w", spec.Provider, err)
	}
	release := m.locks.acquire(session.SandboxID)
	return &Lease{Session: session, release: release}, nil
}

// Exec runs cmd inside the leased sandbox and returns the output stream.
func (m *Manager) Exec(ctx context.Context, lease *Lease, cmd []string) (io.ReadCloser, error) {
	p, err := m.provider(lease.Session.Provider)
	if err != nil {
		return nil, err
	}
	stream, err := p.Exec(ctx, lease.Session, cmd)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec in %s/%s: %w", lease.Session.Provider, lease.Session.SandboxID, err)
	}
	return stream, nil
}

// Hibernate stops the sandbox to save cost, holding the per-sandbox lock
// so it cannot interleave with an exec. Callers treat failures as
// best-effort and log them; the sweeper retries on its next cycle.
func (m *Manager) Hibernate(ctx context.Context, providerName, sandboxID string) error {
	p, err := m.provider(providerName)
	if err != nil {
		return err
	}

	release := m.locks.acquire(sandboxID)
	defer release()

	session, err := p.GetOrNull(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("sandbox: hibernate lookup %s/%s: %w", providerName, sandboxID, err)
	}
	if session == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, providerName, sandboxID)
	}
	if err := p.Hibernate(ctx, session); err != nil {
		return fmt.Errorf("sandbox: hibernate %s/%s: %w", providerName, sandboxID, err)
	}
	return nil
}

// Destroy tears the sandbox down permanently (user/admin deletion cascade).
func (m *Manager) Destroy(ctx context.Context, providerName, sandboxID string) error {
	p, err := m.provider(providerName)
	if err != nil {
		return err
	}

	release := m.locks.acquire(sandboxID)
	defer release()

	session, err := p.GetOrNull(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("sandbox: destroy lookup %s/%s: %w", providerName, sandboxID, err)
	}
	if session == nil {
		return nil
	}
	if err := p.Destroy(ctx, session); err != nil {
		return fmt.Errorf("sandbox: destroy %s/%s: %w", providerName, sandboxID, err)
	}
	return nil
}
