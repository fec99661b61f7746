// Package chromedriver implements the browser.Driver contract on a real
// Chrome instance via the DevTools protocol.
package chromedriver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/deepnoodle-ai/portalflow/browser"
)

// Options configures a Chrome-backed driver.
type Options struct {
	// Headless runs Chrome without a visible window. HITL flows usually
	// want a visible browser so the operator can see the CAPTCHA.
	Headless bool

	UserAgent string

	// ScreenshotDir receives captured screenshots. Defaults to a temp dir.
	ScreenshotDir string

	// ViewportWidth/Height override the default 1366x900 viewport.
	ViewportWidth  int64
	ViewportHeight int64

	Logger *slog.Logger
}

// Driver drives one Chrome page through chromedp. It satisfies the
// double-invocation tolerance the Session retry wrapper requires: every
// action waits for visibility and is safe to repeat.
type Driver struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	screenshotDir string
	logger        *slog.Logger
}

// New starts a Chrome instance and opens its initial page.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ScreenshotDir == "" {
		dir, err := os.MkdirTemp("", "portalflow-screenshots-")
		if err != nil {
			return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
		}
		opts.ScreenshotDir = dir
	} else if err := os.MkdirAll(opts.ScreenshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1366
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 900
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !opts.Headless {
		allocOpts = append(allocOpts,
			chromedp.Flag("headless", false),
			chromedp.Flag("hide-scrollbars", false),
			chromedp.Flag("mute-audio", false),
		)
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// Start the browser and pin the viewport so screenshots are stable.
	if err := chromedp.Run(browserCtx,
		emulation.SetDeviceMetricsOverride(opts.ViewportWidth, opts.ViewportHeight, 1.0, false),
	); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Driver{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		screenshotDir: opts.ScreenshotDir,
		logger:        opts.Logger,
	}, nil
}

// run executes actions on the browser context while honoring the caller's
// deadline and cancellation.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(d.browserCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		opCtx, cancel = context.WithDeadline(opCtx, deadline)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("navigating", "url", url)
	if err := d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation failed for %q: %w", url, err)
	}
	return nil
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	if err := d.run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("click failed for %q: %w", selector, err)
	}
	return nil
}

func (d *Driver) Fill(ctx context.Context, selector, text string) error {
	// Clearing first keeps re-fills idempotent.
	if err := d.run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("fill failed for %q: %w", selector, err)
	}
	return nil
}

func (d *Driver) SelectOption(ctx context.Context, selector, value string) error {
	if err := d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("select failed for %q: %w", selector, err)
	}
	return nil
}

func (d *Driver) UploadFile(ctx context.Context, selector, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid upload path %q: %w", path, err)
	}
	if err := d.run(ctx,
		chromedp.SetUploadFiles(selector, []string{abs}, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("upload failed for %q: %w", selector, err)
	}
	return nil
}

func (d *Driver) WaitVisible(ctx context.Context, selector string) error {
	return d.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (d *Driver) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	path := filepath.Join(d.screenshotDir, fmt.Sprintf("page-%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

func (d *Driver) ExtractStructure(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to extract page structure: %w", err)
	}
	return html, nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.cancelBrowser()
	d.cancelAlloc()
	return nil
}

var _ browser.Driver = (*Driver)(nil)
