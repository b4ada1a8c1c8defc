package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemStore is an in-process Store for single-instance deployments and
// tests. Each (user, kind) pair gets its own token bucket via
// golang.org/x/time/rate.
type MemStore struct {
	quotas map[string]Quota

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	blocked  map[string]time.Time // explicit Exhaust windows
}

// NewMemStore creates a MemStore with per-kind quotas.
func NewMemStore(quotas map[string]Quota) *MemStore {
	return &MemStore{
		quotas:   quotas,
		limiters: make(map[string]*rate.Limiter),
		blocked:  make(map[string]time.Time),
	}
}

func (s *MemStore) key(userID, kind string) string { return userID + "/" + kind }

// limiter returns the bucket for (user, kind), creating it full.
func (s *MemStore) limiter(userID, kind string, q Quota) *rate.Limiter {
	key := s.key(userID, kind)
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(q.Window/time.Duration(q.Tokens)), q.Tokens)
		s.limiters[key] = lim
	}
	return lim
}

// Take implements Store.
func (s *MemStore) Take(userID, kind string) (bool, Remaining, error) {
	q, ok := s.quotas[kind]
	if !ok || q.Tokens <= 0 || q.Window <= 0 {
		return false, Remaining{}, fmt.Errorf("ratelimit: no quota configured for kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, blocked := s.blocked[s.key(userID, kind)]; blocked {
		if time.Now().Before(until) {
			return false, Remaining{Remaining: 0, ResetAt: until}, nil
		}
		delete(s.blocked, s.key(userID, kind))
	}

	lim := s.limiter(userID, kind, q)
	if !lim.Allow() {
		return false, s.snapshot(lim, q), nil
	}
	return true, s.snapshot(lim, q), nil
}

// GetRemaining implements Store.
func (s *MemStore) GetRemaining(userID, kind string) (Remaining, error) {
	q, ok := s.quotas[kind]
	if !ok || q.Tokens <= 0 || q.Window <= 0 {
		return Remaining{}, fmt.Errorf("ratelimit: no quota configured for kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, blocked := s.blocked[s.key(userID, kind)]; blocked && time.Now().Before(until) {
		return Remaining{Remaining: 0, ResetAt: until}, nil
	}
	return s.snapshot(s.limiter(userID, kind, q), q), nil
}

// Exhaust implements Store.
func (s *MemStore) Exhaust(userID, kind string, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[s.key(userID, kind)] = resetAt
	return nil
}

// snapshot approximates the bucket state from the limiter's float tokens.
func (s *MemStore) snapshot(lim *rate.Limiter, q Quota) Remaining {
	tokens := int(lim.Tokens())
	if tokens < 0 {
		tokens = 0
	}
	resetAt := time.Now()
	if tokens < q.Tokens {
		perToken := q.Window / time.Duration(q.Tokens)
		resetAt = resetAt.Add(perToken)
	}
	return Remaining{Remaining: tokens, ResetAt: resetAt}
}
