// Package retry provides the centralized retry policy used for every handler
// invocation: bounded attempts with capped exponential backoff and optional
// jitter. Only errors classified as recoverable are retried.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	multiplier float64
	jitter     bool
}

// Option configures a call to Do.
type Option func(*config)

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the delay before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the delay between retries.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithMultiplier sets the backoff growth factor between retries.
func WithMultiplier(f float64) Option {
	return func(c *config) { c.multiplier = f }
}

// WithJitter toggles randomization of retry delays.
func WithJitter(enabled bool) Option {
	return func(c *config) { c.jitter = enabled }
}

// Do invokes fn, retrying recoverable errors up to the configured number of
// retries with exponential backoff between attempts. The first attempt is
// always made, even with zero retries. A non-recoverable error, a success,
// or context cancellation ends the loop immediately.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := &config{
		maxRetries: 3,
		baseWait:   time.Second,
		maxWait:    30 * time.Second,
		multiplier: 2.0,
		jitter:     true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
		if attempt >= cfg.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.wait(attempt)):
		}
	}
}

// wait computes the delay before the retry following the given zero-indexed
// attempt.
func (c *config) wait(attempt int) time.Duration {
	wait := float64(c.baseWait) * math.Pow(c.multiplier, float64(attempt))
	if c.maxWait > 0 {
		wait = math.Min(wait, float64(c.maxWait))
	}
	if c.jitter {
		// Half fixed, half random: [0.5w, 1.0w].
		wait = wait/2 + rand.Float64()*wait/2
	}
	return time.Duration(wait)
}
