package browser

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	terrors "github.com/odvcencio/termium/pkg/errors"
	"github.com/odvcencio/termium/pkg/observability"
)

// StreamConfig controls screenshot streams.
type StreamConfig struct {
	DefaultFPS     int
	MaxFPS         int
	Format         FrameFormat
	Quality        int
	BufferFrames   int
	Backpressure   BackpressurePolicy
	Scope          StreamScope
	CaptureTimeout time.Duration
}

// DefaultStreamConfig returns the default stream settings: 10 fps capped
// at 60, JPEG at quality 60, four buffered frames, drop_oldest, follow.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		DefaultFPS:     10,
		MaxFPS:         60,
		Format:         FrameFormatJPEG,
		Quality:        60,
		BufferFrames:   4,
		Backpressure:   BackpressureDropOldest,
		Scope:          StreamScopeFollow,
		CaptureTimeout: 5 * time.Second,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	defaults := DefaultStreamConfig()
	if c.DefaultFPS > 0 {
		defaults.DefaultFPS = c.DefaultFPS
	}
	if c.MaxFPS > 0 {
		defaults.MaxFPS = c.MaxFPS
	}
	if c.Format.Valid() {
		defaults.Format = c.Format
	}
	if c.Quality > 0 && c.Quality <= 100 {
		defaults.Quality = c.Quality
	}
	if c.BufferFrames > 0 {
		defaults.BufferFrames = c.BufferFrames
	}
	switch c.Backpressure {
	case BackpressureDropOldest, BackpressureDropNewest, BackpressureBlock:
		defaults.Backpressure = c.Backpressure
	}
	switch c.Scope {
	case StreamScopeFollow, StreamScopePinned:
		defaults.Scope = c.Scope
	}
	if c.CaptureTimeout > 0 {
		defaults.CaptureTimeout = c.CaptureTimeout
	}
	if defaults.DefaultFPS > defaults.MaxFPS {
		defaults.DefaultFPS = defaults.MaxFPS
	}
	return defaults
}

// StreamRequest opens a stream. FPS <= 0 selects the default rate; an
// empty Scope uses the configured one.
type StreamRequest struct {
	FPS   int
	Scope StreamScope
}

// FrameSink receives streamed frames, typically an RPC server stream.
type FrameSink interface {
	Send(frame *Frame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame *Frame) error

// Send calls f(frame).
func (f FrameSinkFunc) Send(frame *Frame) error { return f(frame) }

// StreamState is the lifecycle state of a stream.
type StreamState int32

const (
	StreamStarting StreamState = iota
	StreamStreaming
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStarting:
		return "starting"
	case StreamStreaming:
		return "streaming"
	case StreamClosed:
		return "closed"
	}
	return "unknown"
}

// Reasons a stream ended, as reported to metrics and logs.
const (
	EndPageGone        = "page_gone"
	EndPageReplaced    = "page_replaced"
	EndCancelled       = "cancelled"
	EndCaptureFailed   = "capture_failed"
	EndTransportFailed = "transport_failed"
)

// StreamInfo is a snapshot of a running stream.
type StreamInfo struct {
	ID        string      `json:"id"`
	FPS       int         `json:"fps"`
	Scope     StreamScope `json:"scope"`
	State     StreamState `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	Captured  uint64      `json:"captured"`
	Sent      uint64      `json:"sent"`
	Dropped   uint64      `json:"dropped"`
}

// Ticker is the clock driving a stream's capture loop.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct{ *time.Ticker }

func (t timeTicker) Chan() <-chan time.Time { return t.C }

func newTimeTicker(interval time.Duration) Ticker {
	return timeTicker{time.NewTicker(interval)}
}

// StreamerOption customizes a Streamer.
type StreamerOption func(*Streamer)

// WithTickerFactory replaces the wall-clock ticker.
func WithTickerFactory(factory TickerFactory) StreamerOption {
	return func(s *Streamer) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// Streamer runs screenshot streams against the Manager's active page.
type Streamer struct {
	manager   *Manager
	cfg       StreamConfig
	logger    *slog.Logger
	metrics   *Metrics
	newTicker TickerFactory

	mu      sync.Mutex
	streams map[string]*streamSession
	closed  bool
}

// NewStreamer creates a Streamer over manager.
func NewStreamer(manager *Manager, cfg StreamConfig, logger *slog.Logger, metrics *Metrics, opts ...StreamerOption) *Streamer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Streamer{
		manager:   manager,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "browser.stream"),
		metrics:   metrics,
		newTicker: newTimeTicker,
		streams:   make(map[string]*streamSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type streamSession struct {
	id        string
	fps       int
	interval  time.Duration
	scope     StreamScope
	pinned    Page
	pinnedGen uint64
	startedAt time.Time
	cancel    context.CancelFunc

	state    atomic.Int32
	captured atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	seq      uint64

	// endReason is written by the capture goroutine before it returns.
	endReason string
}

func (ss *streamSession) setState(state StreamState) {
	ss.state.Store(int32(state))
}

func (ss *streamSession) info() StreamInfo {
	return StreamInfo{
		ID:        ss.id,
		FPS:       ss.fps,
		Scope:     ss.scope,
		State:     StreamState(ss.state.Load()),
		StartedAt: ss.startedAt,
		Captured:  ss.captured.Load(),
		Sent:      ss.sent.Load(),
		Dropped:   ss.dropped.Load(),
	}
}

// NormalizeFPS applies the default rate to fps <= 0 and caps it at MaxFPS.
func (s *Streamer) NormalizeFPS(fps int) int {
	if fps <= 0 {
		return s.cfg.DefaultFPS
	}
	if fps > s.cfg.MaxFPS {
		return s.cfg.MaxFPS
	}
	return fps
}

// Stream captures frames from the active page at the requested rate and
// hands them to sink until the stream ends. It returns nil when the page
// goes away or ctx is cancelled, a CaptureFailure when a capture fails and
// a TransportFailure when sink rejects a frame.
func (s *Streamer) Stream(ctx context.Context, req StreamRequest, sink FrameSink) error {
	fps := s.NormalizeFPS(req.FPS)
	scope := s.cfg.Scope
	if req.Scope == StreamScopeFollow || req.Scope == StreamScopePinned {
		scope = req.Scope
	}

	page, gen, ok := s.manager.activePage()
	if !ok {
		return noActiveSession()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &streamSession{
		id:        ulid.Make().String(),
		fps:       fps,
		interval:  time.Second / time.Duration(fps),
		scope:     scope,
		pinned:    page,
		pinnedGen: gen,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	if !s.register(sess) {
		return terrors.New(terrors.ErrCodeBrowserUnavailable, "streamer is shut down")
	}
	defer s.unregister(sess)

	streamCtx, span := observability.StartSpan(streamCtx, "browser.stream", trace.WithAttributes(
		observability.AttrStreamID.String(sess.id),
		observability.AttrFPS.Int(fps),
		observability.AttrPageID.String(page.ID()),
	))
	logger := s.logger.With("stream_id", sess.id, "fps", fps, "scope", string(scope))
	logger.Info("stream started", "page_id", page.ID())
	s.metrics.RecordStreamStarted()

	queue := newFrameQueue(s.cfg.BufferFrames, s.cfg.Backpressure)
	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error {
		defer queue.close()
		return s.captureLoop(gctx, sess, queue, logger)
	})
	g.Go(func() error {
		return s.sendLoop(gctx, sess, queue, sink)
	})
	err := g.Wait()
	sess.setState(StreamClosed)

	reason := sess.endReason
	switch {
	case err != nil && ctx.Err() != nil:
		// The client went away; whatever failed afterwards is noise.
		err, reason = nil, EndCancelled
	case IsCaptureFailure(err):
		reason = EndCaptureFailed
	case IsTransportFailure(err):
		reason = EndTransportFailed
	case err != nil:
		reason = EndCaptureFailed
	case reason == "":
		reason = EndCancelled
	}

	s.metrics.RecordStreamEnded(reason)
	span.SetAttributes(
		observability.AttrReason.String(reason),
		observability.AttrFrames.Int64(int64(sess.sent.Load())),
	)
	observability.EndSpan(span, err)

	attrs := []any{
		"reason", reason,
		"captured", sess.captured.Load(),
		"sent", sess.sent.Load(),
		"dropped", sess.dropped.Load(),
	}
	if err != nil {
		logger.Warn("stream failed", append(attrs, "error", err)...)
		return err
	}
	logger.Info("stream ended", attrs...)
	return nil
}

func (s *Streamer) captureLoop(ctx context.Context, sess *streamSession, queue *frameQueue, logger *slog.Logger) error {
	ticker := s.newTicker(sess.interval)
	defer ticker.Stop()
	sess.setState(StreamStreaming)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		if ctx.Err() != nil {
			return nil
		}

		page, gen, ok := s.manager.activePage()
		if !ok {
			sess.endReason = EndPageGone
			return nil
		}
		if sess.scope == StreamScopePinned && (gen != sess.pinnedGen || page != sess.pinned) {
			sess.endReason = EndPageReplaced
			return nil
		}

		frame, err := s.capture(ctx, sess, page)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A page replaced or closed mid-capture is not a capture failure.
			current, currentGen, ok := s.manager.activePage()
			switch {
			case !ok:
				sess.endReason = EndPageGone
				return nil
			case currentGen != gen || current != page:
				if sess.scope == StreamScopePinned {
					sess.endReason = EndPageReplaced
					return nil
				}
				logger.Debug("capture lost to page replacement", "page_id", page.ID(), "error", err)
				continue
			}
			return captureFailed(err, "Failed to capture frame")
		}

		dropped, err := queue.push(ctx, frame)
		if err != nil {
			return nil
		}
		if dropped {
			sess.dropped.Add(1)
		}
		if queue.congested() {
			s.metrics.RecordBackpressure(s.cfg.Backpressure)
			logger.Debug("stream backpressure", "policy", string(s.cfg.Backpressure),
				"sequence", frame.Sequence, "dropped", dropped)
		}
	}
}

func (s *Streamer) capture(ctx context.Context, sess *streamSession, page Page) (*Frame, error) {
	captureCtx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout)
	defer cancel()

	start := time.Now()
	data, err := page.Capture(captureCtx, CaptureOptions{Format: s.cfg.Format, Quality: s.cfg.Quality})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordFrameCaptured(time.Since(start))
	sess.captured.Add(1)
	sess.seq++

	frame := &Frame{
		Sequence:  sess.seq,
		PageID:    page.ID(),
		Format:    s.cfg.Format,
		Data:      data,
		Timestamp: time.Now(),
	}
	if vp, ok := s.manager.Viewport(); ok {
		frame.Width, frame.Height = vp.Width, vp.Height
	}
	return frame, nil
}

func (s *Streamer) sendLoop(ctx context.Context, sess *streamSession, queue *frameQueue, sink FrameSink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-queue.frames:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := sink.Send(frame); err != nil {
				return transportFailed(err)
			}
			sess.sent.Add(1)
			s.metrics.RecordFrameSent()
		}
	}
}

func (s *Streamer) register(sess *streamSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams[sess.id] = sess
	return true
}

func (s *Streamer) unregister(sess *streamSession) {
	s.mu.Lock()
	delete(s.streams, sess.id)
	s.mu.Unlock()
}

// Active returns a snapshot of the running streams, oldest first.
func (s *Streamer) Active() []StreamInfo {
	s.mu.Lock()
	infos := make([]StreamInfo, 0, len(s.streams))
	for _, sess := range s.streams {
		infos = append(infos, sess.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Shutdown cancels every running stream and rejects new ones.
func (s *Streamer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*streamSession, 0, len(s.streams))
	for _, sess := range s.streams {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
}

// frameQueue is the bounded hand-off between the capture and send
// goroutines. Only the capture goroutine pushes and closes.
type frameQueue struct {
	frames  chan *Frame
	policy  BackpressurePolicy
	wasFull bool
}

func newFrameQueue(size int, policy BackpressurePolicy) *frameQueue {
	if size <= 0 {
		size = 1
	}
	return &frameQueue{frames: make(chan *Frame, size), policy: policy}
}

// push enqueues frame, applying the backpressure policy when the queue is
// full. It reports whether a frame was discarded.
func (q *frameQueue) push(ctx context.Context, frame *Frame) (bool, error) {
	q.wasFull = false
	select {
	case q.frames <- frame:
		return false, nil
	default:
	}
	q.wasFull = true

	switch q.policy {
	case BackpressureDropNewest:
		return true, nil
	case BackpressureBlock:
		select {
		case q.frames <- frame:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	default:
		dropped := false
		select {
		case <-q.frames:
			dropped = true
		default:
		}
		select {
		case q.frames <- frame:
			return dropped, nil
		default:
			return true, nil
		}
	}
}

// congested reports whether the last push found the queue full.
func (q *frameQueue) congested() bool {
	return q.wasFull
}

func (q *frameQueue) close() {
	close(q.frames)
}
