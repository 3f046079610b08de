// Package browsertest provides an in-memory browser driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/termium/pkg/browser"
)

// Operation names accepted by Page.Fail and Page.Block.
const (
	OpSetViewport = "set_viewport"
	OpClick       = "click"
	OpType        = "type"
	OpNavigate    = "navigate"
	OpCapture     = "capture"
	OpClose       = "close"
)

// ErrTargetClosed is returned by held operations once their page closes.
var ErrTargetClosed = errors.New("target closed")

// Driver is a fake browser.Driver. The zero value is ready to use.
type Driver struct {
	mu        sync.Mutex
	launchErr error
	attachErr error
	launches  int
	attaches  int
	conns     []*Connection
	pages     []*Page

	// BeforeNewPage, when set, runs inside NewPage before the page is
	// returned. n counts NewPage calls starting at 1.
	BeforeNewPage func(ctx context.Context, n int) error
	// PNG is returned by Capture when set; otherwise frames are synthetic.
	PNG []byte
}

// NewDriver returns an empty fake driver.
func NewDriver() *Driver {
	return &Driver{}
}

// FailLaunch makes Launch return err.
func (d *Driver) FailLaunch(err error) {
	d.mu.Lock()
	d.launchErr = err
	d.mu.Unlock()
}

// FailAttach makes Attach return err.
func (d *Driver) FailAttach(err error) {
	d.mu.Lock()
	d.attachErr = err
	d.mu.Unlock()
}

// Launch implements browser.Driver.
func (d *Driver) Launch(ctx context.Context) (browser.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	conn := &Connection{driver: d, owned: true}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Attach implements browser.Driver.
func (d *Driver) Attach(ctx context.Context, addr string) (browser.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attaches++
	if d.attachErr != nil {
		return nil, d.attachErr
	}
	conn := &Connection{driver: d, addr: addr}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Launches returns how many times Launch was called.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Attaches returns how many times Attach was called.
func (d *Driver) Attaches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attaches
}

// Connections returns every connection handed out so far.
func (d *Driver) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Pages returns every page created so far, in creation order.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// Connection is a fake browser.Connection.
type Connection struct {
	driver *Driver
	owned  bool
	addr   string

	mu     sync.Mutex
	closed bool
}

// Owned implements browser.Connection.
func (c *Connection) Owned() bool { return c.owned }

// Addr returns the address an attached connection was opened with.
func (c *Connection) Addr() string { return c.addr }

// NewPage implements browser.Connection.
func (c *Connection) NewPage(ctx context.Context) (browser.Page, error) {
	d := c.driver
	d.mu.Lock()
	n := len(d.pages) + 1
	hook := d.BeforeNewPage
	page := &Page{
		id:       uuid.NewString(),
		png:      d.PNG,
		errs:     map[string]error{},
		blocks:   map[string]bool{},
		holds:    map[string]bool{},
		closedCh: make(chan struct{}),
	}
	d.pages = append(d.pages, page)
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, n); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// Close implements browser.Connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Page is a fake browser.Page that records every call.
type Page struct {
	id  string
	png []byte

	mu       sync.Mutex
	closed   bool
	viewport browser.Viewport
	clicks   []browser.Point
	typed    []string
	urls     []string
	captures []browser.CaptureOptions
	errs     map[string]error
	blocks   map[string]bool
	holds    map[string]bool
	closedCh chan struct{}
	calls    int
}

// ID implements browser.Page.
func (p *Page) ID() string { return p.id }

// Fail makes op return err until cleared with a nil err.
func (p *Page) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, op)
		return
	}
	p.errs[op] = err
}

// Block makes op wait for its context to end.
func (p *Page) Block(op string) {
	p.mu.Lock()
	p.blocks[op] = true
	p.mu.Unlock()
}

// HoldUntilClosed makes op wait until the page is closed and then fail
// with ErrTargetClosed, the way a real target fails under a closing tab.
func (p *Page) HoldUntilClosed(op string) {
	p.mu.Lock()
	p.holds[op] = true
	p.mu.Unlock()
}

func (p *Page) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls++
	err := p.errs[op]
	blocked := p.blocks[op]
	held := p.holds[op]
	p.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if held {
		select {
		case <-p.closedCh:
			return ErrTargetClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SetViewport implements browser.Page.
func (p *Page) SetViewport(ctx context.Context, vp browser.Viewport) error {
	if err := p.enter(ctx, OpSetViewport); err != nil {
		return err
	}
	p.mu.Lock()
	p.viewport = vp
	p.mu.Unlock()
	return nil
}

// Click implements browser.Page.
func (p *Page) Click(ctx context.Context, at browser.Point) error {
	if err := p.enter(ctx, OpClick); err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, at)
	p.mu.Unlock()
	return nil
}

// Type implements browser.Page.
func (p *Page) Type(ctx context.Context, text string) error {
	if err := p.enter(ctx, OpType); err != nil {
		return err
	}
	p.mu.Lock()
	p.typed = append(p.typed, text)
	p.mu.Unlock()
	return nil
}

// Navigate implements browser.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.enter(ctx, OpNavigate); err != nil {
		return err
	}
	p.mu.Lock()
	p.urls = append(p.urls, url)
	p.mu.Unlock()
	return nil
}

// Capture implements browser.Page. Without a configured PNG each frame's
// payload is "<format>:<page id>:<n>".
func (p *Page) Capture(ctx context.Context, opts browser.CaptureOptions) ([]byte, error) {
	if err := p.enter(ctx, OpCapture); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures = append(p.captures, opts)
	if len(p.png) > 0 && opts.Format == browser.FrameFormatPNG {
		return append([]byte(nil), p.png...), nil
	}
	return []byte(fmt.Sprintf("%s:%s:%d", opts.Format, p.id, len(p.captures))), nil
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	return p.errs[OpClose]
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Viewport returns the last viewport applied.
func (p *Page) Viewport() browser.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// Clicks returns the recorded clicks.
func (p *Page) Clicks() []browser.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Point(nil), p.clicks...)
}

// Typed returns the recorded keyboard input.
func (p *Page) Typed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.typed...)
}

// URLs returns the recorded navigations.
func (p *Page) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

// Captures returns the options of every capture.
func (p *Page) Captures() []browser.CaptureOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.CaptureOptions(nil), p.captures...)
}

// Calls counts driver calls made on the page, failed ones included.
func (p *Page) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Ticker is a manually driven browser.Ticker.
type Ticker struct {
	C        chan time.Time
	Interval time.Duration

	mu      sync.Mutex
	stopped bool
}

// Chan implements browser.Ticker.
func (t *Ticker) Chan() <-chan time.Time { return t.C }

// Stop implements browser.Ticker.
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *Ticker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Tick delivers one tick. It reports false when the stream's loop did not
// take the tick within a second, which means the loop has exited.
func (t *Ticker) Tick() bool {
	select {
	case t.C <- time.Now():
		return true
	case <-time.After(time.Second):
		return false
	}
}

// Clock hands out Tickers and remembers them so tests can drive streams.
type Clock struct {
	mu      sync.Mutex
	tickers []*Ticker
	created chan *Ticker
}

// NewClock returns a Clock whose Factory can be passed to
// browser.WithTickerFactory.
func NewClock() *Clock {
	return &Clock{created: make(chan *Ticker, 16)}
}

// Factory implements browser.TickerFactory.
func (c *Clock) Factory(interval time.Duration) browser.Ticker {
	t := &Ticker{C: make(chan time.Time), Interval: interval}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	c.created <- t
	return t
}

// Next waits for the next ticker to be created.
func (c *Clock) Next(ctx context.Context) (*Ticker, error) {
	select {
	case t := <-c.created:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
