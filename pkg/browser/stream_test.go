package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/termium/pkg/browser"
	"github.com/odvcencio/termium/pkg/browser/browsertest"
)

const waitFor = 2 * time.Second

type streamFixture struct {
	driver   *browsertest.Driver
	manager  *browser.Manager
	streamer *browser.Streamer
	clock    *browsertest.Clock
	metrics  *browser.Metrics
}

func newStreamFixture(t *testing.T, cfg browser.StreamConfig) *streamFixture {
	t.Helper()
	driver := browsertest.NewDriver()
	metrics := browser.NewMetrics(prometheus.NewRegistry())
	manager := browser.NewManager(driver, browser.ManagerConfig{}, nil, metrics)
	t.Cleanup(func() { _ = manager.Close() })
	clock := browsertest.NewClock()
	return &streamFixture{
		driver:   driver,
		manager:  manager,
		streamer: browser.NewStreamer(manager, cfg, nil, metrics, browser.WithTickerFactory(clock.Factory)),
		clock:    clock,
		metrics:  metrics,
	}
}

func (f *streamFixture) openTab(t *testing.T) browser.Page {
	t.Helper()
	page, err := f.manager.OpenTab(context.Background())
	require.NoError(t, err)
	return page
}

func (f *streamFixture) start(t *testing.T, ctx context.Context, req browser.StreamRequest, sink browser.FrameSink) (<-chan error, *browsertest.Ticker) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.streamer.Stream(ctx, req, sink) }()

	waitCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ticker, err := f.clock.Next(waitCtx)
	require.NoError(t, err, "stream never armed its ticker")
	return done, ticker
}

type chanSink struct {
	frames chan *browser.Frame

	mu  sync.Mutex
	err error
}

func newChanSink() *chanSink {
	return &chanSink{frames: make(chan *browser.Frame, 64)}
}

func (s *chanSink) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *chanSink) Send(frame *browser.Frame) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.frames <- frame
	return nil
}

func (s *chanSink) next(t *testing.T) *browser.Frame {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return nil
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("stream did not end")
		return nil
	}
}

func TestStreamer_NormalizeFPS(t *testing.T) {
	s := browser.NewStreamer(nil, browser.StreamConfig{}, nil, nil)

	assert.Equal(t, 10, s.NormalizeFPS(0))
	assert.Equal(t, 10, s.NormalizeFPS(-4))
	assert.Equal(t, 24, s.NormalizeFPS(24))
	assert.Equal(t, 60, s.NormalizeFPS(60))
	assert.Equal(t, 60, s.NormalizeFPS(1000))
}

func TestStreamer_IntervalFromFPS(t *testing.T) {
	cases := []struct {
		fps  int
		want time.Duration
	}{
		{fps: 0, want: 100 * time.Millisecond},
		{fps: 4, want: 250 * time.Millisecond},
		{fps: 500, want: time.Second / 60},
	}
	for _, tc := range cases {
		f := newStreamFixture(t, browser.StreamConfig{})
		f.openTab(t)

		ctx, cancel := context.WithCancel(context.Background())
		done, ticker := f.start(t, ctx, browser.StreamRequest{FPS: tc.fps}, newChanSink())
		assert.Equal(t, tc.want, ticker.Interval, "fps=%d", tc.fps)

		cancel()
		require.NoError(t, waitDone(t, done))
	}
}

func TestStreamer_NoActiveSessionAtStart(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})

	err := f.streamer.Stream(context.Background(), browser.StreamRequest{FPS: 5}, newChanSink())
	require.Error(t, err)
	assert.True(t, browser.IsNoActiveSession(err))
	assert.Empty(t, f.streamer.Active())
}

func TestStreamer_FramesInOrderAsJPEG(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	page := f.openTab(t)
	sink := newChanSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, ticker := f.start(t, ctx, browser.StreamRequest{}, sink)

	for i := 1; i <= 3; i++ {
		require.True(t, ticker.Tick())
		frame := sink.next(t)
		assert.Equal(t, uint64(i), frame.Sequence)
		assert.Equal(t, browser.FrameFormatJPEG, frame.Format)
		assert.Equal(t, page.ID(), frame.PageID)
		assert.NotEmpty(t, frame.Data)
	}

	fake := f.driver.Pages()[0]
	for _, opts := range fake.Captures() {
		assert.Equal(t, browser.CaptureOptions{Format: browser.FrameFormatJPEG, Quality: 60}, opts)
	}

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.True(t, ticker.Stopped())
}

func TestStreamer_EndsCleanlyWhenPageCloses(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)
	sink := newChanSink()

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{FPS: 5}, sink)
	require.True(t, ticker.Tick())
	sink.next(t)

	require.NoError(t, f.manager.CloseTab(context.Background()))
	require.True(t, ticker.Tick())

	require.NoError(t, waitDone(t, done))
	assert.True(t, ticker.Stopped())
	assert.Empty(t, f.streamer.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsEnded.WithLabelValues(browser.EndPageGone)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveStreams))
}

func TestStreamer_FollowScopeSwitchesPages(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	first := f.openTab(t)
	sink := newChanSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, ticker := f.start(t, ctx, browser.StreamRequest{}, sink)

	require.True(t, ticker.Tick())
	assert.Equal(t, first.ID(), sink.next(t).PageID)

	second := f.openTab(t)
	require.True(t, ticker.Tick())
	assert.Equal(t, second.ID(), sink.next(t).PageID)

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestStreamer_PinnedScopeEndsOnReplace(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{Scope: browser.StreamScopePinned})
	f.openTab(t)
	sink := newChanSink()

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{}, sink)
	require.True(t, ticker.Tick())
	sink.next(t)

	f.openTab(t)
	require.True(t, ticker.Tick())

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsEnded.WithLabelValues(browser.EndPageReplaced)))
}

func TestStreamer_FollowScopeOutlivesClosingReplacedPage(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)
	first := f.driver.Pages()[0]
	first.HoldUntilClosed(browsertest.OpCapture)
	sink := newChanSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, ticker := f.start(t, ctx, browser.StreamRequest{FPS: 10}, sink)

	require.True(t, ticker.Tick())
	require.Eventually(t, func() bool { return first.Calls() == 1 }, waitFor, time.Millisecond,
		"capture is in flight on the first page")

	second := f.openTab(t)
	require.True(t, ticker.Tick(), "stream keeps running after the replaced page closed")
	assert.Equal(t, second.ID(), sink.next(t).PageID)
	assert.True(t, first.Closed())

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.StreamsEnded.WithLabelValues(browser.EndCaptureFailed)))
}

func TestStreamer_PinnedScopeEndsWhenCapturedPageIsReplaced(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{Scope: browser.StreamScopePinned})
	f.openTab(t)
	first := f.driver.Pages()[0]
	first.HoldUntilClosed(browsertest.OpCapture)

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{}, newChanSink())
	require.True(t, ticker.Tick())
	require.Eventually(t, func() bool { return first.Calls() == 1 }, waitFor, time.Millisecond)

	f.openTab(t)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsEnded.WithLabelValues(browser.EndPageReplaced)))
}

func TestStreamer_CloseTabDuringCaptureEndsCleanly(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)
	page := f.driver.Pages()[0]
	page.HoldUntilClosed(browsertest.OpCapture)

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{}, newChanSink())
	require.True(t, ticker.Tick())
	require.Eventually(t, func() bool { return page.Calls() == 1 }, waitFor, time.Millisecond)

	require.NoError(t, f.manager.CloseTab(context.Background()))
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsEnded.WithLabelValues(browser.EndPageGone)))
}

func TestStreamer_RequestScopeOverridesConfig(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{Scope: browser.StreamScopeFollow})
	f.openTab(t)

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{Scope: browser.StreamScopePinned}, newChanSink())
	f.openTab(t)
	require.True(t, ticker.Tick())
	require.NoError(t, waitDone(t, done))
}

func TestStreamer_CaptureFailureEndsStream(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)
	f.driver.Pages()[0].Fail(browsertest.OpCapture, errors.New("target crashed"))

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{}, newChanSink())
	require.True(t, ticker.Tick())

	err := waitDone(t, done)
	require.Error(t, err)
	assert.True(t, browser.IsCaptureFailure(err))
	assert.Contains(t, err.Error(), "target crashed")
	assert.True(t, ticker.Stopped())
}

func TestStreamer_CaptureDeadline(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{CaptureTimeout: 20 * time.Millisecond})
	f.openTab(t)
	f.driver.Pages()[0].Block(browsertest.OpCapture)

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{}, newChanSink())
	require.True(t, ticker.Tick())

	err := waitDone(t, done)
	assert.True(t, browser.IsCaptureFailure(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamer_TransportFailureEndsStream(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)
	sink := newChanSink()
	sink.failWith(errors.New("broken pipe"))

	done, ticker := f.start(t, context.Background(), browser.StreamRequest{}, sink)
	require.True(t, ticker.Tick())

	err := waitDone(t, done)
	require.Error(t, err)
	assert.True(t, browser.IsTransportFailure(err))
	assert.True(t, ticker.Stopped())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamsEnded.WithLabelValues(browser.EndTransportFailed)))
}

func TestStreamer_ClientCancelEndsCleanly(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)
	sink := newChanSink()

	ctx, cancel := context.WithCancel(context.Background())
	done, ticker := f.start(t, ctx, browser.StreamRequest{}, sink)
	require.True(t, ticker.Tick())
	sink.next(t)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.True(t, ticker.Stopped())
	assert.False(t, ticker.Tick(), "no tick is consumed after cancellation")
	assert.Empty(t, sink.frames, "no frame is written after cancellation")
}

func TestStreamer_ActiveAndShutdown(t *testing.T) {
	f := newStreamFixture(t, browser.StreamConfig{})
	f.openTab(t)

	done, _ := f.start(t, context.Background(), browser.StreamRequest{FPS: 15}, newChanSink())

	require.Eventually(t, func() bool {
		active := f.streamer.Active()
		return len(active) == 1 && active[0].State == browser.StreamStreaming
	}, waitFor, time.Millisecond)
	info := f.streamer.Active()[0]
	assert.Equal(t, 15, info.FPS)
	assert.Equal(t, browser.StreamScopeFollow, info.Scope)
	assert.Len(t, info.ID, 26, "stream ids are ULIDs")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveStreams))

	f.streamer.Shutdown()
	require.NoError(t, waitDone(t, done))
	assert.Empty(t, f.streamer.Active())

	err := f.streamer.Stream(context.Background(), browser.StreamRequest{}, newChanSink())
	assert.Error(t, err, "a shut down streamer rejects new streams")
}

func TestStreamer_WallClockTicker(t *testing.T) {
	driver := browsertest.NewDriver()
	manager := browser.NewManager(driver, browser.ManagerConfig{}, nil, nil)
	defer manager.Close()
	_, err := manager.OpenTab(context.Background())
	require.NoError(t, err)

	streamer := browser.NewStreamer(manager, browser.StreamConfig{}, nil, nil)
	sink := newChanSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- streamer.Stream(ctx, browser.StreamRequest{FPS: 60}, sink) }()

	first := sink.next(t)
	second := sink.next(t)
	assert.Less(t, first.Sequence, second.Sequence)

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestStreamState_String(t *testing.T) {
	assert.Equal(t, "starting", browser.StreamStarting.String())
	assert.Equal(t, "streaming", browser.StreamStreaming.String())
	assert.Equal(t, "closed", browser.StreamClosed.String())
}
