// Package backoff provides the reconnect delay sequence and a bounded retry
// helper.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Policy configures a delay sequence. Delays start at Base, double per
// attempt, are jittered downwards by up to Randomization and never exceed Max.
type Policy struct {
	Base          time.Duration
	Max           time.Duration
	Randomization float64
}

// DefaultPolicy matches the dispatch server's client defaults.
var DefaultPolicy = Policy{Base: 2 * time.Second, Max: 10 * time.Second, Randomization: 0.5}

// Sequence yields non-decreasing delays. It is safe for concurrent use.
type Sequence struct {
	mu      sync.Mutex
	p       Policy
	attempt uint
	prev    time.Duration
	jitter  func() float64
}

func New(p Policy) *Sequence {
	if p.Base <= 0 {
		p.Base = DefaultPolicy.Base
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Randomization < 0 {
		p.Randomization = 0
	}
	if p.Randomization > 1 {
		p.Randomization = 1
	}
	return &Sequence{p: p, jitter: rand.Float64} //nolint:gosec // jitter doesn't need crypto rand
}

// Next returns the delay before the next attempt and advances the sequence.
func (s *Sequence) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.p.Max
	if s.attempt < 32 {
		if d := s.p.Base << s.attempt; d > 0 && d < s.p.Max {
			raw = d
		}
	}
	d := raw - time.Duration(float64(raw)*s.p.Randomization*s.jitter())
	if d < s.p.Base {
		d = s.p.Base
	}
	if d < s.prev {
		d = s.prev
	}
	if d > s.p.Max {
		d = s.p.Max
	}
	s.prev = d
	s.attempt++
	return d
}

// Attempt is the number of delays handed out since the last Reset.
func (s *Sequence) Attempt() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Reset returns the sequence to Base; called after a successful connect.
func (s *Sequence) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.prev = 0
	s.mu.Unlock()
}

// DelayFunc maps a zero-based attempt number to the wait before the next one.
type DelayFunc func(attempt int) time.Duration

// Linear waits step*(attempt+1).
func Linear(step time.Duration) DelayFunc {
	return func(attempt int) time.Duration { return step * time.Duration(attempt+1) }
}

// Constant always waits d.
func Constant(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn up to maxAttempts times, sleeping delay(attempt) between
// failures. It stops early on a Permanent error or when ctx is done.
func Retry(ctx context.Context, maxAttempts int, delay DelayFunc, fn func(ctx context.Context, attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == maxAttempts-1 {
			break
		}
		t := time.NewTimer(delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry: %w", ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("retry: gave up after %d attempts: %w", maxAttempts, err)
}
