// Package retry computes backoff delays and attempt ceilings for agent
// attempts.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/joescharf/hound/internal/failure"
)

// Defaults used when a Policy field is zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultJitter      = 0.2
)

// Policy is an exponential backoff policy with a cap, jitter and an
// attempt ceiling.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay, in [0, 1].
	Jitter float64

	// rand returns a float in [0, 1); replaceable in tests.
	rand func() float64
}

// NewPolicy returns a policy with defaults applied to zero fields.
func NewPolicy(maxAttempts int, base, maxDelay time.Duration) *Policy {
	p := &Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: maxDelay, Jitter: DefaultJitter}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// NextDelay returns the wait before the attempt following the given one
// (1-based): base * 2^(attempt-1), capped at MaxDelay, then jittered. The
// jittered value never exceeds MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		offset := (r()*2 - 1) * p.Jitter * float64(d)
		d = time.Duration(float64(d) + offset)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry reports whether another attempt may follow attempt number
// attempt that failed with kind. It is false once the ceiling is reached,
// even for retryable kinds.
func (p *Policy) ShouldRetry(attempt int, kind failure.Kind) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return kind.Retryable()
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
