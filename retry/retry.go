package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseWait is the delay before the second attempt.
	BaseWait time.Duration

	// MaxWait caps the delay between attempts.
	MaxWait time.Duration

	// Multiplier is applied to the delay after each attempt.
	Multiplier float64

	// Jitter is the fraction of the delay to randomize (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy returns the policy used when no options are given.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseWait:    200 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Option modifies a Policy.
type Option func(*Policy)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n + 1 }
}

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

// WithBaseWait sets the initial backoff.
func WithBaseWait(d time.Duration) Option {
	return func(p *Policy) { p.BaseWait = d }
}

// WithMaxWait caps the backoff.
func WithMaxWait(d time.Duration) Option {
	return func(p *Policy) { p.MaxWait = d }
}

// WithJitter sets the jitter fraction.
func WithJitter(f float64) Option {
	return func(p *Policy) { p.Jitter = f }
}

// New builds a policy from the defaults and the given options.
func New(opts ...Option) Policy {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay returns the wait before the given attempt. Attempts are 1-based, so
// Delay(1) is always zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseWait <= 0 {
		return 0
	}
	wait := float64(p.BaseWait)
	for i := 2; i < attempt; i++ {
		wait *= p.Multiplier
		if p.MaxWait > 0 && wait >= float64(p.MaxWait) {
			wait = float64(p.MaxWait)
			break
		}
	}
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	if wait < 0 {
		return 0
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// or the policy runs out of attempts. The last error is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	p := New(opts...)
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
	}
	return err
}

// Sleep waits for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
