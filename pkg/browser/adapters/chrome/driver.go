// Package chrome implements the browser driver port on top of go-rod and
// the Chrome DevTools Protocol.
package chrome

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/termium/pkg/browser"
)

// Driver launches or attaches to Chrome.
type Driver struct {
	cfg Config
}

// NewDriver creates a Chrome driver.
func NewDriver(cfg Config) (*Driver, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: merged}, nil
}

// Launch starts a new Chrome process owned by the returned connection.
func (d *Driver) Launch(ctx context.Context) (browser.Connection, error) {
	l := launcher.New().Context(ctx).Headless(d.cfg.Headless).Leakless(true)
	if d.cfg.BinPath != "" {
		l = l.Bin(d.cfg.BinPath)
	}
	if d.cfg.UserDataDir != "" {
		l = l.UserDataDir(d.cfg.UserDataDir)
	}
	if d.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	for _, raw := range d.cfg.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	conn, err := connect(ctx, controlURL, d.cfg)
	if err != nil {
		l.Kill()
		l.Cleanup()
		return nil, err
	}
	conn.launcher = l
	return conn, nil
}

// Attach connects to a running Chrome. addr may be a DevTools websocket
// URL, an http://host:port endpoint or a bare host:port.
func (d *Driver) Attach(ctx context.Context, addr string) (browser.Connection, error) {
	controlURL, err := launcher.ResolveURL(addr)
	if err != nil {
		return nil, fmt.Errorf("resolve devtools url %s: %w", addr, err)
	}
	return connect(ctx, controlURL, d.cfg)
}

func connect(ctx context.Context, controlURL string, cfg Config) (*Connection, error) {
	// The connection outlives ctx, which only bounds the dial.
	connCtx, cancel := context.WithCancel(context.Background())
	b := rod.New().ControlURL(controlURL).Context(connCtx)

	done := make(chan error, 1)
	go func() { done <- b.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect to chrome: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("connect to chrome: %w", ctx.Err())
	}

	return &Connection{
		browser:    b,
		ctx:        connCtx,
		cancel:     cancel,
		controlURL: controlURL,
		waitLoad:   cfg.WaitLoad,
	}, nil
}

// Connection is a live DevTools connection.
type Connection struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	ctx        context.Context
	cancel     context.CancelFunc
	controlURL string
	waitLoad   bool

	mu     sync.Mutex
	closed bool
}

// Owned reports whether this connection launched the browser.
func (c *Connection) Owned() bool {
	return c.launcher != nil
}

// ControlURL returns the DevTools websocket URL.
func (c *Connection) ControlURL() string {
	return c.controlURL
}

// NewPage opens a blank tab.
func (c *Connection) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, browser.ErrUnavailable
	}

	rp, err := c.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &Page{
		page:     rp.Context(c.ctx),
		id:       string(rp.TargetID),
		waitLoad: c.waitLoad,
	}, nil
}

// Close terminates an owned browser or disconnects from an attached one.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if c.launcher != nil {
		err = c.browser.Close()
		c.launcher.Kill()
		c.launcher.Cleanup()
	}
	c.cancel()
	return err
}
