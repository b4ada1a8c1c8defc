// Package retry provides the shared backoff helper for transient
// provider failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Default policy values, tuned for sandbox provider calls.
const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.25
	DefaultMaxAttempts = 4
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay randomized, 0..1
	MaxAttempts int
}

// DefaultPolicy returns the policy used for sandbox create/resume/exec.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Permanent wraps an error to signal that retrying cannot help.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn up to p.MaxAttempts times, sleeping between attempts with
// exponential backoff and jitter. It stops early when ctx is cancelled or
// fn returns a *Permanent error.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		sleep := jittered(delay, p.Jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return fmt.Errorf("retry: %d attempts: %w", p.MaxAttempts, lastErr)
}

// jittered randomizes d by +/- (frac/2), keeping the mean at d.
func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	span := float64(d) * frac
	return time.Duration(float64(d) - span/2 + rand.Float64()*span)
}
