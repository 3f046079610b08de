//go:build integration
// +build integration

package browser_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/odvcencio/termium/pkg/browser"
	"github.com/odvcencio/termium/pkg/browser/adapters/chrome"
)

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// TestChromeSessionLifecycle drives a real headless Chrome through every command.
func TestChromeSessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := chrome.DefaultConfig()
	cfg.BinPath = findChromePath(t)
	cfg.NoSandbox = os.Getenv("CI") != ""

	driver, err := chrome.NewDriver(cfg)
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}

	manager := browser.NewManager(driver, browser.ManagerConfig{ConnectTimeout: 30 * time.Second}, nil, nil)
	defer manager.Close()
	dispatcher := browser.NewDispatcher(manager, browser.DispatcherConfig{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	t.Run("open_tab", func(t *testing.T) {
		ack, err := dispatcher.OpenTab(ctx)
		if err != nil {
			t.Fatalf("open tab failed: %v", err)
		}
		if ack != browser.AckTabOpened {
			t.Errorf("ack = %q", ack)
		}
		st := manager.Status()
		if !st.Connected || !st.Owned {
			t.Errorf("expected an owned connection, got %+v", st)
		}
		t.Logf("opened page %s", st.ActivePageID)
	})

	t.Run("set_viewport", func(t *testing.T) {
		if _, err := dispatcher.SetViewport(ctx, browser.Viewport{Width: 800, Height: 600}); err != nil {
			t.Fatalf("set viewport failed: %v", err)
		}
	})

	t.Run("navigate", func(t *testing.T) {
		if _, err := dispatcher.Navigate(ctx, "data:text/html,<input autofocus id=q>"); err != nil {
			t.Fatalf("navigate failed: %v", err)
		}
	})

	t.Run("click_and_type", func(t *testing.T) {
		if _, err := dispatcher.Click(ctx, browser.Point{X: 20, Y: 15}); err != nil {
			t.Fatalf("click failed: %v", err)
		}
		if _, err := dispatcher.Type(ctx, "hello world"); err != nil {
			t.Fatalf("type failed: %v", err)
		}
	})

	t.Run("screenshot", func(t *testing.T) {
		frame, err := dispatcher.Screenshot(ctx)
		if err != nil {
			t.Fatalf("screenshot failed: %v", err)
		}
		if !bytes.HasPrefix(frame.Data, pngMagic) {
			t.Error("expected PNG data")
		}
		if frame.Width != 800 || frame.Height != 600 {
			t.Errorf("frame size = %dx%d", frame.Width, frame.Height)
		}
	})

	t.Run("stream", func(t *testing.T) {
		streamer := browser.NewStreamer(manager, browser.StreamConfig{}, nil, nil)
		streamCtx, stop := context.WithCancel(ctx)
		defer stop()

		var frames []*browser.Frame
		err := streamer.Stream(streamCtx, browser.StreamRequest{FPS: 10}, browser.FrameSinkFunc(func(f *browser.Frame) error {
			frames = append(frames, f)
			if len(frames) == 3 {
				stop()
			}
			return nil
		}))
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		if len(frames) < 3 {
			t.Fatalf("expected 3 frames, got %d", len(frames))
		}
		for i, f := range frames {
			if !bytes.HasPrefix(f.Data, jpegMagic) {
				t.Errorf("frame %d is not JPEG", i)
			}
			if i > 0 && f.Sequence <= frames[i-1].Sequence {
				t.Errorf("frames out of order: %d after %d", f.Sequence, frames[i-1].Sequence)
			}
		}
	})

	t.Run("close_tab", func(t *testing.T) {
		if _, err := dispatcher.CloseTab(ctx); err != nil {
			t.Fatalf("close tab failed: %v", err)
		}
		if _, err := dispatcher.Click(ctx, browser.Point{X: 1, Y: 1}); !browser.IsNoActiveSession(err) {
			t.Errorf("expected no active session, got %v", err)
		}
	})
}

// TestChromeOpenTabReplacesPage checks that the second tab becomes active.
func TestChromeOpenTabReplacesPage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := chrome.DefaultConfig()
	cfg.BinPath = findChromePath(t)
	driver, err := chrome.NewDriver(cfg)
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	manager := browser.NewManager(driver, browser.ManagerConfig{}, nil, nil)
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first, err := manager.OpenTab(ctx)
	if err != nil {
		t.Fatalf("first tab: %v", err)
	}
	second, err := manager.OpenTab(ctx)
	if err != nil {
		t.Fatalf("second tab: %v", err)
	}
	if first.ID() == second.ID() {
		t.Fatal("expected distinct target ids")
	}
	current, ok := manager.CurrentPage()
	if !ok || current.ID() != second.ID() {
		t.Errorf("expected %s to be active", second.ID())
	}
}

func findChromePath(t *testing.T) string {
	t.Helper()

	if path := os.Getenv("CHROME_PATH"); path != "" {
		return path
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chrome binary not found; set CHROME_PATH")
	return ""
}
