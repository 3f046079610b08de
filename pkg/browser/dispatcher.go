package browser

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	terrors "github.com/odvcencio/termium/pkg/errors"
	"github.com/odvcencio/termium/pkg/observability"
)

// Acknowledgements returned by successful commands.
const (
	AckTabOpened    = "New tab opened"
	AckTabClosed    = "Tab closed"
	AckViewportSet  = "Viewport set"
	AckMouseClicked = "Mouse clicked"
	AckKeyboardSent = "Keyboard input sent"
	AckNavigated    = "Navigated to URL"
)

// DispatcherConfig bounds the driver calls made for each command.
type DispatcherConfig struct {
	CommandTimeout    time.Duration
	NavigationTimeout time.Duration
	CaptureTimeout    time.Duration
}

// DefaultDispatcherConfig returns the default command deadlines.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		CommandTimeout:    10 * time.Second,
		NavigationTimeout: 30 * time.Second,
		CaptureTimeout:    10 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	defaults := DefaultDispatcherConfig()
	if c.CommandTimeout > 0 {
		defaults.CommandTimeout = c.CommandTimeout
	}
	if c.NavigationTimeout > 0 {
		defaults.NavigationTimeout = c.NavigationTimeout
	}
	if c.CaptureTimeout > 0 {
		defaults.CaptureTimeout = c.CaptureTimeout
	}
	return defaults
}

// Dispatcher runs one-shot commands against the active page. Each command
// needs an active page, makes exactly one driver call under a deadline and
// is never retried. Commands are not serialized against each other.
type Dispatcher struct {
	manager *Manager
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics *Metrics
}

// NewDispatcher creates a Dispatcher over manager.
func NewDispatcher(manager *Manager, cfg DispatcherConfig, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		manager: manager,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "browser.dispatcher"),
		metrics: metrics,
	}
}

type command struct {
	name    string
	failure string
	timeout time.Duration
	invalid error
	capture bool
}

func (d *Dispatcher) run(ctx context.Context, cmd command, fn func(ctx context.Context, page Page) error) (err error) {
	ctx, span := observability.StartSpan(ctx, "browser."+cmd.name,
		trace.WithAttributes(observability.AttrCommand.String(cmd.name)))
	start := time.Now()
	pageID := ""
	defer func() {
		latency := time.Since(start)
		d.metrics.RecordCommand(cmd.name, err, latency)
		observability.EndSpan(span, err)
		if err != nil {
			d.logger.Warn("command failed", "command", cmd.name, "page_id", pageID,
				"code", terrors.GetCode(err), "error", err)
			return
		}
		d.logger.Debug("command completed", "command", cmd.name, "page_id", pageID, "latency", latency)
	}()

	page, ok := d.manager.CurrentPage()
	if !ok {
		return noActiveSession()
	}
	if cmd.invalid != nil {
		return cmd.invalid
	}
	pageID = page.ID()
	span.SetAttributes(observability.AttrPageID.String(pageID))

	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.timeout)
		defer cancel()
	}
	if err := fn(ctx, page); err != nil {
		if cmd.capture {
			return captureFailed(err, cmd.failure)
		}
		return commandFailed(err, cmd.failure)
	}
	return nil
}

// OpenTab opens a new page and makes it the active one.
func (d *Dispatcher) OpenTab(ctx context.Context) (string, error) {
	ctx, span := observability.StartSpan(ctx, "browser.open_tab",
		trace.WithAttributes(observability.AttrCommand.String("open_tab")))
	start := time.Now()

	page, err := d.manager.OpenTab(ctx)
	if err != nil {
		err = terrors.Wrap(err, terrors.ErrCodeBrowserUnavailable, "Failed to open new tab")
	}
	d.metrics.RecordCommand("open_tab", err, time.Since(start))
	observability.EndSpan(span, err)
	if err != nil {
		d.logger.Warn("command failed", "command", "open_tab", "error", err)
		return "", err
	}
	d.logger.Debug("command completed", "command", "open_tab", "page_id", page.ID())
	return AckTabOpened, nil
}

// CloseTab closes the active page.
func (d *Dispatcher) CloseTab(ctx context.Context) (string, error) {
	ctx, span := observability.StartSpan(ctx, "browser.close_tab",
		trace.WithAttributes(observability.AttrCommand.String("close_tab")))
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()
	start := time.Now()

	err := d.manager.CloseTab(ctx)
	d.metrics.RecordCommand("close_tab", err, time.Since(start))
	observability.EndSpan(span, err)
	if err != nil {
		d.logger.Warn("command failed", "command", "close_tab", "error", err)
		return "", err
	}
	return AckTabClosed, nil
}

// SetViewport resizes the active page.
func (d *Dispatcher) SetViewport(ctx context.Context, vp Viewport) (string, error) {
	var invalid error
	if vp.Width <= 0 || vp.Height <= 0 {
		invalid = invalidInput("viewport must be positive, got %dx%d", vp.Width, vp.Height)
	}
	err := d.run(ctx, command{
		name:    "set_viewport",
		failure: "Failed to set viewport",
		timeout: d.cfg.CommandTimeout,
		invalid: invalid,
	}, func(ctx context.Context, page Page) error {
		if err := page.SetViewport(ctx, vp); err != nil {
			return err
		}
		d.manager.rememberViewport(page, vp)
		return nil
	})
	if err != nil {
		return "", err
	}
	return AckViewportSet, nil
}

// Click clicks at a point in viewport coordinates.
func (d *Dispatcher) Click(ctx context.Context, at Point) (string, error) {
	err := d.run(ctx, command{
		name:    "click",
		failure: "Failed to click mouse",
		timeout: d.cfg.CommandTimeout,
	}, func(ctx context.Context, page Page) error {
		return page.Click(ctx, at)
	})
	if err != nil {
		return "", err
	}
	return AckMouseClicked, nil
}

// Type sends text as keyboard input.
func (d *Dispatcher) Type(ctx context.Context, text string) (string, error) {
	err := d.run(ctx, command{
		name:    "type",
		failure: "Failed to send keyboard input",
		timeout: d.cfg.CommandTimeout,
	}, func(ctx context.Context, page Page) error {
		return page.Type(ctx, text)
	})
	if err != nil {
		return "", err
	}
	return AckKeyboardSent, nil
}

// Navigate loads rawURL in the active page.
func (d *Dispatcher) Navigate(ctx context.Context, rawURL string) (string, error) {
	target := strings.TrimSpace(rawURL)
	err := d.run(ctx, command{
		name:    "navigate",
		failure: "Failed to navigate to URL",
		timeout: d.cfg.NavigationTimeout,
		invalid: validateURL(target),
	}, func(ctx context.Context, page Page) error {
		trace.SpanFromContext(ctx).SetAttributes(observability.AttrURL.String(target))
		return page.Navigate(ctx, target)
	})
	if err != nil {
		return "", err
	}
	return AckNavigated, nil
}

// Screenshot captures the active page as a PNG.
func (d *Dispatcher) Screenshot(ctx context.Context) (*Frame, error) {
	var frame *Frame
	err := d.run(ctx, command{
		name:    "screenshot",
		failure: "Failed to take screenshot",
		timeout: d.cfg.CaptureTimeout,
		capture: true,
	}, func(ctx context.Context, page Page) error {
		data, err := page.Capture(ctx, CaptureOptions{Format: FrameFormatPNG})
		if err != nil {
			return err
		}
		frame = &Frame{
			Sequence:  1,
			PageID:    page.ID(),
			Format:    FrameFormatPNG,
			Data:      data,
			Timestamp: time.Now(),
		}
		if vp, ok := d.manager.Viewport(); ok {
			frame.Width, frame.Height = vp.Width, vp.Height
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return invalidInput("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalidInput("invalid url %q: %v", raw, err)
	}
	if u.Scheme == "" {
		return invalidInput("url %q has no scheme", raw)
	}
	return nil
}
