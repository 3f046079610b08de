package chrome

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/termium/pkg/browser"
)

// Page drives one Chrome tab. Every call is bound to the caller's ctx.
type Page struct {
	page     *rod.Page
	id       string
	waitLoad bool

	mu     sync.Mutex
	closed bool
}

// ID returns the DevTools target id.
func (p *Page) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

func (p *Page) bind(ctx context.Context) (*rod.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("page %s is closed", p.id)
	}
	return p.page.Context(ctx), nil
}

// SetViewport overrides the device metrics of the tab.
func (p *Page) SetViewport(ctx context.Context, vp browser.Viewport) error {
	rp, err := p.bind(ctx)
	if err != nil {
		return err
	}
	scale := vp.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	return proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: scale,
		Mobile:            false,
	}.Call(rp)
}

// Click moves the mouse to at and clicks the left button once.
func (p *Page) Click(ctx context.Context, at browser.Point) error {
	rp, err := p.bind(ctx)
	if err != nil {
		return err
	}
	events := []proto.InputDispatchMouseEvent{
		{Type: proto.InputDispatchMouseEventTypeMouseMoved, X: at.X, Y: at.Y},
		{Type: proto.InputDispatchMouseEventTypeMousePressed, X: at.X, Y: at.Y, Button: proto.InputMouseButtonLeft, ClickCount: 1},
		{Type: proto.InputDispatchMouseEventTypeMouseReleased, X: at.X, Y: at.Y, Button: proto.InputMouseButtonLeft, ClickCount: 1},
	}
	for _, ev := range events {
		if err := ev.Call(rp); err != nil {
			return err
		}
	}
	return nil
}

// Type inserts text at the focused element.
func (p *Page) Type(ctx context.Context, text string) error {
	rp, err := p.bind(ctx)
	if err != nil {
		return err
	}
	return rp.InsertText(text)
}

// Navigate loads url and, when configured, waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	rp, err := p.bind(ctx)
	if err != nil {
		return err
	}
	if err := rp.Navigate(url); err != nil {
		return err
	}
	if p.waitLoad {
		return rp.WaitLoad()
	}
	return nil
}

// Capture screenshots the visible viewport.
func (p *Page) Capture(ctx context.Context, opts browser.CaptureOptions) ([]byte, error) {
	rp, err := p.bind(ctx)
	if err != nil {
		return nil, err
	}
	req := &proto.PageCaptureScreenshot{Format: captureFormat(opts.Format)}
	if opts.Format != browser.FrameFormatPNG && opts.Quality > 0 {
		quality := opts.Quality
		req.Quality = &quality
	}
	return rp.Screenshot(false, req)
}

// Close closes the tab. Calling it twice is a no-op.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.page.Close()
}

func captureFormat(format browser.FrameFormat) proto.PageCaptureScreenshotFormat {
	switch format {
	case browser.FrameFormatJPEG:
		return proto.PageCaptureScreenshotFormatJpeg
	case browser.FrameFormatWebP:
		return proto.PageCaptureScreenshotFormatWebp
	default:
		return proto.PageCaptureScreenshotFormatPng
	}
}
