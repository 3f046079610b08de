// Package viewer shows a termium screenshot stream in a terminal and
// forwards mouse and keyboard input to the page.
package viewer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"github.com/odvcencio/termium/pkg/ipc"
)

const (
	DefaultCellWidth   = 8
	DefaultCellHeight  = 16
	DefaultCallTimeout = 10 * time.Second

	commandQueueSize = 64
)

// Remote is the part of the termium client the viewer drives.
type Remote interface {
	OpenTab(ctx context.Context) (string, error)
	SetViewport(ctx context.Context, width, height int) (string, error)
	Click(ctx context.Context, x, y float64) (string, error)
	Type(ctx context.Context, text string) (string, error)
	Navigate(ctx context.Context, url string) (string, error)
	StreamScreenshots(ctx context.Context, req ipc.ScreenshotRequest, fn func(*ipc.Screenshot) error) error
}

// Options tune a Viewer.
type Options struct {
	FPS   int
	Scope string
	// OpenTab opens a fresh page before streaming.
	OpenTab bool
	// CellWidth and CellHeight are the page pixels one terminal cell
	// stands for when sizing the viewport.
	CellWidth   int
	CellHeight  int
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CellWidth <= 0 {
		o.CellWidth = DefaultCellWidth
	}
	if o.CellHeight <= 0 {
		o.CellHeight = DefaultCellHeight
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

type inputMode int

const (
	modeNormal inputMode = iota
	modeURL
)

// Events posted to the screen from other goroutines.
type (
	frameEvent struct {
		img           image.Image
		width, height int
		sequence      uint64
	}
	statusEvent string
	streamEnded  struct{ err error }
)

// Viewer owns the terminal while Run is active. All fields are touched by
// the event loop only.
type Viewer struct {
	screen tcell.Screen
	remote Remote
	opts   Options
	logger *slog.Logger

	commands chan func(ctx context.Context)

	mode    inputMode
	url     []rune
	status  string
	frames  uint64
	frame   *frameEvent
	buttons tcell.ButtonMask
	pasting bool
	paste   strings.Builder
}

// New returns a viewer drawing on screen. The screen is initialised by Run.
func New(screen tcell.Screen, remote Remote, opts Options) *Viewer {
	opts = opts.withDefaults()
	return &Viewer{
		screen:   screen,
		remote:   remote,
		opts:     opts,
		logger:   opts.Logger,
		commands: make(chan func(ctx context.Context), commandQueueSize),
	}
}

// Run shows the stream until the user quits or ctx is cancelled. A stream
// that ends leaves the last frame on screen.
func (v *Viewer) Run(ctx context.Context) error {
	if err := v.screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer v.screen.Fini()
	v.screen.EnableMouse()
	v.screen.EnablePaste()
	v.screen.HideCursor()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if v.opts.OpenTab {
		callCtx, callCancel := context.WithTimeout(ctx, v.opts.CallTimeout)
		_, err := v.remote.OpenTab(callCtx)
		callCancel()
		if err != nil {
			return err
		}
	}

	go v.runCommands(ctx)
	v.resize()
	go v.stream(ctx)
	go func() {
		<-ctx.Done()
		_ = v.screen.PostEvent(tcell.NewEventInterrupt(nil))
	}()

	v.status = "Ctrl+L url  Esc quit"
	v.draw()
	for {
		ev := v.screen.PollEvent()
		if ev == nil || ctx.Err() != nil {
			return nil
		}
		switch ev := ev.(type) {
		case *tcell.EventResize:
			v.screen.Sync()
			v.resize()
		case *tcell.EventKey:
			if v.handleKey(ev) {
				return nil
			}
		case *tcell.EventPaste:
			v.handlePaste(ev)
		case *tcell.EventMouse:
			v.handleMouse(ev)
		case *tcell.EventInterrupt:
			v.handleInterrupt(ev.Data())
		}
		v.draw()
	}
}

// runCommands issues remote calls one at a time so keystrokes reach the
// page in order.
func (v *Viewer) runCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-v.commands:
			fn(ctx)
		}
	}
}

func (v *Viewer) enqueue(name string, call func(ctx context.Context) (string, error)) {
	fn := func(ctx context.Context) {
		callCtx, cancel := context.WithTimeout(ctx, v.opts.CallTimeout)
		defer cancel()
		ack, err := call(callCtx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			v.logger.Warn("viewer call failed", "call", name, "error", err)
			v.post(statusEvent(fmt.Sprintf("%s: %v", name, err)))
			return
		}
		v.logger.Debug("viewer call", "call", name, "ack", ack)
	}
	select {
	case v.commands <- fn:
	default:
		v.status = "input dropped, server is not keeping up"
	}
}

func (v *Viewer) post(data any) {
	if err := v.screen.PostEvent(tcell.NewEventInterrupt(data)); err != nil {
		v.logger.Debug("viewer event dropped", "error", err)
	}
}

func (v *Viewer) stream(ctx context.Context) {
	req := ipc.ScreenshotRequest{FPS: int32(v.opts.FPS), Scope: v.opts.Scope}
	err := v.remote.StreamScreenshots(ctx, req, func(shot *ipc.Screenshot) error {
		img, _, err := image.Decode(bytes.NewReader(shot.Data))
		if err != nil {
			v.logger.Debug("undecodable frame", "sequence", shot.Sequence, "error", err)
			return nil
		}
		v.post(&frameEvent{
			img:      img,
			width:    int(shot.Width),
			height:   int(shot.Height),
			sequence: shot.Sequence,
		})
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	v.post(streamEnded{err: err})
}

func (v *Viewer) handleInterrupt(data any) {
	switch data := data.(type) {
	case *frameEvent:
		v.frame = data
		v.frames++
	case statusEvent:
		v.status = string(data)
	case streamEnded:
		if data.err != nil {
			v.status = "stream failed: " + errorText(data.err)
			return
		}
		v.status = "stream ended"
	}
}

// viewSize is the cell area frames are drawn into; the last row holds the
// status line.
func (v *Viewer) viewSize() (cols, rows int) {
	cols, rows = v.screen.Size()
	return cols, rows - 1
}

func (v *Viewer) resize() {
	cols, rows := v.viewSize()
	if cols <= 0 || rows <= 0 {
		return
	}
	width, height := cols*v.opts.CellWidth, rows*v.opts.CellHeight
	v.enqueue("viewport", func(ctx context.Context) (string, error) {
		return v.remote.SetViewport(ctx, width, height)
	})
}

func (v *Viewer) handleKey(ev *tcell.EventKey) (quit bool) {
	if ev.Key() == tcell.KeyCtrlC {
		return true
	}
	if v.pasting {
		switch ev.Key() {
		case tcell.KeyRune:
			v.paste.WriteRune(ev.Rune())
		case tcell.KeyEnter:
			v.paste.WriteRune('\n')
		case tcell.KeyTab:
			v.paste.WriteRune('\t')
		}
		return false
	}
	if v.mode == modeURL {
		v.handleURLKey(ev)
		return false
	}

	switch ev.Key() {
	case tcell.KeyEscape:
		return true
	case tcell.KeyCtrlL:
		v.mode = modeURL
		v.url = v.url[:0]
	case tcell.KeyEnter:
		v.sendText("\n")
	case tcell.KeyTab:
		v.sendText("\t")
	case tcell.KeyRune:
		v.sendText(string(ev.Rune()))
	}
	return false
}

func (v *Viewer) handleURLKey(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyEscape:
		v.mode = modeNormal
	case tcell.KeyEnter:
		v.mode = modeNormal
		target := normalizeURL(string(v.url))
		if target == "" {
			return
		}
		v.status = "loading " + target
		v.enqueue("navigate", func(ctx context.Context) (string, error) {
			return v.remote.Navigate(ctx, target)
		})
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if len(v.url) > 0 {
			v.url = v.url[:len(v.url)-1]
		}
	case tcell.KeyCtrlU:
		v.url = v.url[:0]
	case tcell.KeyRune:
		v.url = append(v.url, ev.Rune())
	}
}

func (v *Viewer) handlePaste(ev *tcell.EventPaste) {
	if ev.Start() {
		v.pasting = true
		v.paste.Reset()
		return
	}
	v.pasting = false
	text := v.paste.String()
	v.paste.Reset()
	if text == "" {
		return
	}
	if v.mode == modeURL {
		v.url = append(v.url, []rune(strings.TrimSpace(text))...)
		return
	}
	v.sendText(text)
}

func (v *Viewer) sendText(text string) {
	v.enqueue("type", func(ctx context.Context) (string, error) {
		return v.remote.Type(ctx, text)
	})
}

// handleMouse clicks on the press of the primary button only; motion with
// the button held is not a new click.
func (v *Viewer) handleMouse(ev *tcell.EventMouse) {
	buttons := ev.Buttons()
	pressed := buttons&tcell.Button1 != 0 && v.buttons&tcell.Button1 == 0
	v.buttons = buttons
	if !pressed {
		return
	}
	cx, cy := ev.Position()
	x, y, ok := v.pagePoint(cx, cy)
	if !ok {
		return
	}
	v.enqueue("click", func(ctx context.Context) (string, error) {
		return v.remote.Click(ctx, x, y)
	})
}

// pagePoint maps the centre of a cell to page coordinates, scaled by the
// size of the frame on screen.
func (v *Viewer) pagePoint(cx, cy int) (x, y float64, ok bool) {
	cols, rows := v.viewSize()
	if cx < 0 || cy < 0 || cx >= cols || cy >= rows {
		return 0, 0, false
	}
	pageW, pageH := float64(cols*v.opts.CellWidth), float64(rows*v.opts.CellHeight)
	if f := v.frame; f != nil {
		pageW, pageH = f.pageSize()
	}
	x = (float64(cx) + 0.5) * pageW / float64(cols)
	y = (float64(cy) + 0.5) * pageH / float64(rows)
	return x, y, true
}

func (f *frameEvent) pageSize() (float64, float64) {
	if f.width > 0 && f.height > 0 {
		return float64(f.width), float64(f.height)
	}
	b := f.img.Bounds()
	return float64(b.Dx()), float64(b.Dy())
}

func (v *Viewer) draw() {
	v.screen.Clear()
	if v.frame != nil {
		v.drawFrame(v.frame.img)
	}
	v.drawStatus()
	v.screen.Show()
}

// drawFrame paints the image with upper half blocks: each cell shows two
// vertically stacked samples, the top one as foreground.
func (v *Viewer) drawFrame(img image.Image) {
	cols, rows := v.viewSize()
	if cols <= 0 || rows <= 0 {
		return
	}
	b := img.Bounds()
	if b.Empty() {
		return
	}
	for cy := 0; cy < rows; cy++ {
		top := b.Min.Y + (2*cy*b.Dy())/(2*rows)
		bottom := b.Min.Y + ((2*cy+1)*b.Dy())/(2*rows)
		for cx := 0; cx < cols; cx++ {
			px := b.Min.X + (cx*b.Dx()+b.Dx()/2)/cols
			style := tcell.StyleDefault.
				Foreground(cellColor(img, px, top)).
				Background(cellColor(img, px, bottom))
			v.screen.SetContent(cx, cy, '▀', nil, style)
		}
	}
}

func cellColor(img image.Image, x, y int) tcell.Color {
	r, g, b, _ := img.At(x, y).RGBA()
	return tcell.NewRGBColor(int32(r>>8), int32(g>>8), int32(b>>8))
}

func (v *Viewer) drawStatus() {
	cols, rows := v.screen.Size()
	if rows <= 0 {
		return
	}
	y := rows - 1
	style := tcell.StyleDefault.Background(tcell.ColorNavy).Foreground(tcell.ColorWhite)

	var line string
	if v.mode == modeURL {
		line = "URL: " + string(v.url) + "_"
	} else {
		line = fmt.Sprintf("termium  frames %d  %s", v.frames, v.status)
	}
	line = runewidth.Truncate(line, cols, "…")

	x := 0
	for _, r := range line {
		v.screen.SetContent(x, y, r, nil, style)
		x += runewidth.RuneWidth(r)
	}
	for ; x < cols; x++ {
		v.screen.SetContent(x, y, ' ', nil, style)
	}
}

// normalizeURL adds https:// to bare host names typed into the prompt.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "about:") {
		return "https://" + raw
	}
	return raw
}

func errorText(err error) string {
	type displayer interface{ Display() string }
	if d, ok := err.(displayer); ok {
		return d.Display()
	}
	return err.Error()
}
