package browser

import (
	"time"
)

// Viewport defines the browser viewport size.
type Viewport struct {
	Width             int     `json:"width" yaml:"width"`
	Height            int     `json:"height" yaml:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty" yaml:"device_scale_factor,omitempty"`
}

// Point describes a coordinate in viewport space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FrameFormat identifies the image format for a frame payload.
type FrameFormat string

const (
	FrameFormatPNG  FrameFormat = "png"
	FrameFormatJPEG FrameFormat = "jpeg"
	FrameFormatWebP FrameFormat = "webp"
)

// Valid reports whether f is a format the driver can encode.
func (f FrameFormat) Valid() bool {
	switch f {
	case FrameFormatPNG, FrameFormatJPEG, FrameFormatWebP:
		return true
	}
	return false
}

// CaptureOptions selects the encoding for a captured frame. Quality is
// ignored for PNG.
type CaptureOptions struct {
	Format  FrameFormat `json:"format"`
	Quality int         `json:"quality,omitempty"`
}

// Frame is a single visual frame from the browser.
type Frame struct {
	Sequence  uint64      `json:"sequence"`
	PageID    string      `json:"page_id,omitempty"`
	Format    FrameFormat `json:"format"`
	Data      []byte      `json:"data,omitempty"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StreamScope decides what a stream follows when the active page changes.
type StreamScope string

const (
	// StreamScopeFollow resolves the active page on every tick, so the
	// stream survives an OpenTab and switches to the new page.
	StreamScopeFollow StreamScope = "follow"
	// StreamScopePinned ends the stream cleanly once the page that was
	// active at stream-open is replaced or closed.
	StreamScopePinned StreamScope = "pinned"
)

// BackpressurePolicy decides what happens to a captured frame when the
// outbound queue is full.
type BackpressurePolicy string

const (
	// BackpressureDropOldest evicts the oldest queued frame.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureDropNewest discards the frame that was just captured.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureBlock pauses capture until the queue drains.
	BackpressureBlock BackpressurePolicy = "block"
)

// ReplacePolicy decides what happens to the previous page when OpenTab
// installs a new one.
type ReplacePolicy string

const (
	// ReplaceClose closes the replaced page in the background.
	ReplaceClose ReplacePolicy = "close"
	// ReplaceKeep drops the reference and leaves the page open.
	ReplaceKeep ReplacePolicy = "keep"
)

// Status is a point-in-time view of the manager.
type Status struct {
	Connected    bool   `json:"connected"`
	Owned        bool   `json:"owned"`
	ActivePageID string `json:"active_page_id,omitempty"`
	Generation   uint64 `json:"generation"`
}
