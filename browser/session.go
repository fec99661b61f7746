package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/deepnoodle-ai/portalflow/retry"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	Driver Driver
	Logger *slog.Logger

	// MaxAttempts bounds retries per selector candidate. Defaults to 3.
	MaxAttempts int

	// ActionTimeout bounds each individual driver call. Defaults to 10s.
	ActionTimeout time.Duration

	// MinDelay/MaxDelay bound the jittered pause before each page write,
	// mimicking human pacing. Defaults 100ms-500ms.
	MinDelay time.Duration
	MaxDelay time.Duration

	// DisablePacing turns off the pre-write pause entirely. Tests use it.
	DisablePacing bool

	Rand *rand.Rand
}

// Session owns one browser page for the lifetime of a run and wraps every
// driver primitive with bounded retries, jittered delays, and ordered
// locator fallback. All methods are mutually exclusive within a run: a
// single mutex serializes driver access.
type Session struct {
	driver        Driver
	logger        *slog.Logger
	maxAttempts   int
	actionTimeout time.Duration
	minDelay      time.Duration
	maxDelay      time.Duration
	rand          *rand.Rand

	mutex  sync.Mutex
	writes int
	closed bool
}

// NewSession creates a retry-safe wrapper around a browser driver.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("browser driver is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.MinDelay == 0 && opts.MaxDelay == 0 {
		opts.MinDelay = 100 * time.Millisecond
		opts.MaxDelay = 500 * time.Millisecond
	}
	if opts.DisablePacing {
		opts.MinDelay = 0
		opts.MaxDelay = 0
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Session{
		driver:        opts.Driver,
		logger:        opts.Logger,
		maxAttempts:   opts.MaxAttempts,
		actionTimeout: opts.ActionTimeout,
		minDelay:      opts.MinDelay,
		maxDelay:      opts.MaxDelay,
		rand:          opts.Rand,
	}, nil
}

// WriteCount returns the number of page writes performed so far. Used to
// verify fill idempotence.
func (s *Session) WriteCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writes
}

// Navigate loads the URL, retrying transient failures.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
		defer cancel()
		return s.driver.Navigate(opCtx, url)
	}, retry.WithMaxRetries(s.maxAttempts-1), retry.WithJitter(), retry.WithRand(s.rand))
}

// Click clicks the first resolvable candidate of the locator.
func (s *Session) Click(ctx context.Context, locator Locator) error {
	return s.write(ctx, locator, s.driver.Click)
}

// Fill writes text into the element referenced by the locator.
func (s *Session) Fill(ctx context.Context, locator Locator, text string) error {
	return s.write(ctx, locator, func(opCtx context.Context, selector string) error {
		return s.driver.Fill(opCtx, selector, text)
	})
}

// SelectOption picks a value in the dropdown referenced by the locator.
func (s *Session) SelectOption(ctx context.Context, locator Locator, value string) error {
	return s.write(ctx, locator, func(opCtx context.Context, selector string) error {
		return s.driver.SelectOption(opCtx, selector, value)
	})
}

// UploadFile attaches the file at path to the input referenced by the
// locator.
func (s *Session) UploadFile(ctx context.Context, locator Locator, path string) error {
	return s.write(ctx, locator, func(opCtx context.Context, selector string) error {
		return s.driver.UploadFile(opCtx, selector, path)
	})
}

// Probe reports whether any candidate of the locator resolves to a visible
// element within the given timeout. No retries, no pacing: probes are used
// for cheap presence checks (CAPTCHA indicators, logged-in markers).
func (s *Session) Probe(ctx context.Context, locator Locator, timeout time.Duration) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if locator.IsZero() {
		return false
	}
	for _, selector := range locator.Candidates() {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.driver.WaitVisible(opCtx, selector)
		cancel()
		if err == nil {
			return true
		}
	}
	return false
}

// Screenshot captures the page and returns the saved file path.
func (s *Session) Screenshot(ctx context.Context) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	return s.driver.Screenshot(opCtx)
}

// ExtractStructure returns a textual snapshot of the page structure.
func (s *Session) ExtractStructure(ctx context.Context) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	return s.driver.ExtractStructure(opCtx)
}

// Close releases the underlying driver. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.driver.Close(ctx)
}

// write runs a page-mutating primitive against the locator's candidates in
// order, with bounded retries per candidate and a jittered pre-write pause.
func (s *Session) write(ctx context.Context, locator Locator, op func(ctx context.Context, selector string) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if locator.IsZero() {
		return &LocatorError{Locator: locator, Last: fmt.Errorf("empty locator")}
	}

	var lastErr error
	for _, selector := range locator.Candidates() {
		err := retry.Do(ctx, func() error {
			s.pause(ctx)
			opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
			defer cancel()
			return op(opCtx, selector)
		}, retry.WithMaxRetries(s.maxAttempts-1), retry.WithJitter(), retry.WithRand(s.rand))
		if err == nil {
			s.writes++
			return nil
		}
		lastErr = err
		s.logger.Debug("selector candidate failed", "selector", selector, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return &LocatorError{Locator: locator, Last: lastErr}
}

// pause sleeps a jittered interval before a page write.
func (s *Session) pause(ctx context.Context) {
	if s.maxDelay <= 0 {
		return
	}
	delay := s.minDelay
	if span := s.maxDelay - s.minDelay; span > 0 {
		delay += time.Duration(s.rand.Int63n(int64(span)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
