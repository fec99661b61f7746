// Package retry provides bounded retry with exponential backoff and full
// jitter for browser interaction primitives.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Option configures a call to Do.
type Option func(*config)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	jitter     bool
	rand       *rand.Rand
}

// WithMaxRetries sets how many times the operation is retried after the
// first attempt. Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the initial backoff delay.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the backoff delay.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithJitter enables full jitter: each delay is drawn uniformly from
// (0, backoff].
func WithJitter() Option {
	return func(c *config) { c.jitter = true }
}

// WithRand sets the random source used for jitter. Defaults to a
// time-seeded source.
func WithRand(r *rand.Rand) Option {
	return func(c *config) { c.rand = r }
}

// Do runs the operation, retrying recoverable failures with exponential
// backoff until the retry budget or the context is exhausted. The last
// error is returned unwrapped.
func Do(ctx context.Context, op func() error, opts ...Option) error {
	cfg := &config{
		maxRetries: 2,
		baseWait:   250 * time.Millisecond,
		maxWait:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.rand == nil {
		cfg.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var err error
	wait := cfg.baseWait
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempt >= cfg.maxRetries {
			return err
		}
		delay := wait
		if cfg.jitter {
			delay = time.Duration(cfg.rand.Int63n(int64(wait))) + 1
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		wait *= 2
		if wait > cfg.maxWait {
			wait = cfg.maxWait
		}
	}
}
