package ipc

import (
	"time"

	"github.com/odvcencio/termium/pkg/browser"
)

// Empty is the request of parameterless procedures.
type Empty struct{}

// Message carries a human-readable acknowledgement.
type Message struct {
	Text string `cbor:"text"`
}

// ViewportSize is the SetViewport request.
type ViewportSize struct {
	Width  int32 `cbor:"width"`
	Height int32 `cbor:"height"`
}

// Coordinate is the ClickMouse request, in CSS pixels.
type Coordinate struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
}

// Text is the SendKeyboardInput request.
type Text struct {
	Content string `cbor:"content"`
}

// URL is the NavigateToUrl request.
type URL struct {
	URL string `cbor:"url"`
}

// Screenshot is one captured frame.
type Screenshot struct {
	Data      []byte    `cbor:"data"`
	Format    string    `cbor:"format"`
	Sequence  uint64    `cbor:"sequence"`
	Timestamp time.Time `cbor:"timestamp"`
	Width     int32     `cbor:"width,omitempty"`
	Height    int32     `cbor:"height,omitempty"`
	PageID    string    `cbor:"page_id,omitempty"`
}

// ScreenshotRequest opens a screenshot stream. Zero FPS selects the
// server default; Scope is "follow", "pinned" or empty for the default.
type ScreenshotRequest struct {
	FPS   int32  `cbor:"fps"`
	Scope string `cbor:"scope,omitempty"`
}

// StreamInfo describes one running screenshot stream.
type StreamInfo struct {
	ID        string    `cbor:"id"`
	FPS       int32     `cbor:"fps"`
	Scope     string    `cbor:"scope"`
	State     string    `cbor:"state"`
	StartedAt time.Time `cbor:"started_at"`
	Captured  uint64    `cbor:"captured"`
	Sent      uint64    `cbor:"sent"`
	Dropped   uint64    `cbor:"dropped"`
}

// Status is the GetStatus response.
type Status struct {
	Connected    bool         `cbor:"connected"`
	Owned        bool         `cbor:"owned"`
	ActivePageID string       `cbor:"active_page_id,omitempty"`
	Generation   uint64       `cbor:"generation"`
	Streams      []StreamInfo `cbor:"streams,omitempty"`
}

func screenshotFromFrame(f *browser.Frame) *Screenshot {
	return &Screenshot{
		Data:      f.Data,
		Format:    string(f.Format),
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Width:     int32(f.Width),
		Height:    int32(f.Height),
		PageID:    f.PageID,
	}
}

func statusFrom(st browser.Status, streams []browser.StreamInfo) *Status {
	out := &Status{
		Connected:    st.Connected,
		Owned:        st.Owned,
		ActivePageID: st.ActivePageID,
		Generation:   st.Generation,
	}
	for _, s := range streams {
		out.Streams = append(out.Streams, StreamInfo{
			ID:        s.ID,
			FPS:       int32(s.FPS),
			Scope:     string(s.Scope),
			State:     s.State.String(),
			StartedAt: s.StartedAt,
			Captured:  s.Captured,
			Sent:      s.Sent,
			Dropped:   s.Dropped,
		})
	}
	return out
}
