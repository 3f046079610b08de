package browser

import "context"

//go:generate mockgen -package=mocks -destination=mocks/mock_session.go github.com/odvcencio/termium/pkg/browser Driver,Connection,Page

// Driver establishes browser connections. Implementations live under
// adapters/.
type Driver interface {
	// Launch starts a new headless browser owned by this process.
	Launch(ctx context.Context) (Connection, error)
	// Attach connects to an externally managed browser at addr.
	Attach(ctx context.Context, addr string) (Connection, error)
}

// Connection is a live link to one browser.
type Connection interface {
	// Owned reports whether closing the connection also kills the browser.
	Owned() bool
	NewPage(ctx context.Context) (Page, error)
	// Close releases the connection. Owned connections terminate the
	// browser; attached ones only disconnect.
	Close() error
}

// Page is the port implemented by driver adapters for a single tab. Every
// method must honour ctx cancellation and deadlines.
type Page interface {
	ID() string
	SetViewport(ctx context.Context, vp Viewport) error
	Click(ctx context.Context, at Point) error
	Type(ctx context.Context, text string) error
	Navigate(ctx context.Context, url string) error
	Capture(ctx context.Context, opts CaptureOptions) ([]byte, error)
	Close() error
}
