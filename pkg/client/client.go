// Package client talks to a running termium server over gRPC.
package client

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	terrors "github.com/odvcencio/termium/pkg/errors"
	"github.com/odvcencio/termium/pkg/ipc"
)

func init() {
	encoding.RegisterCodec(ipc.Codec{})
}

// DefaultDialTimeout bounds Dial when ctx carries no deadline.
const DefaultDialTimeout = 5 * time.Second

var errorCodeKey = strings.ToLower(ipc.ErrorCodeHeader)

// Client is a browser control client.
type Client struct {
	conn *grpc.ClientConn
}

// Target converts a network/address pair into a gRPC dial target.
func Target(network, address string) string {
	if network == "tcp" {
		return address
	}
	if filepath.IsAbs(address) {
		return "unix://" + address
	}
	return "unix:" + address
}

// Dial connects to the server and waits until the connection is ready.
func Dial(ctx context.Context, network, address string, opts ...grpc.DialOption) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(ipc.CodecName)),
		grpc.WithBlock(),
		grpc.FailOnNonTempDialError(true),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.DialContext(ctx, Target(network, address), dialOpts...)
	if err != nil {
		return nil, terrors.Wrap(err, terrors.ErrCodeTransportFailed, "cannot reach termium at "+address).
			WithRetryable(true)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	var header, trailer metadata.MD
	err := c.conn.Invoke(ctx, method, req, resp, grpc.Header(&header), grpc.Trailer(&trailer))
	return fromRPCError(err, header, trailer)
}

func (c *Client) ack(ctx context.Context, method string, req any) (string, error) {
	var msg ipc.Message
	if err := c.invoke(ctx, method, req, &msg); err != nil {
		return "", err
	}
	return msg.Text, nil
}

// OpenTab opens a new page and makes it active.
func (c *Client) OpenTab(ctx context.Context) (string, error) {
	return c.ack(ctx, ipc.OpenTabProcedure, &ipc.Empty{})
}

// CloseTab closes the active page.
func (c *Client) CloseTab(ctx context.Context) (string, error) {
	return c.ack(ctx, ipc.CloseTabProcedure, &ipc.Empty{})
}

// SetViewport resizes the active page.
func (c *Client) SetViewport(ctx context.Context, width, height int) (string, error) {
	return c.ack(ctx, ipc.SetViewportProcedure, &ipc.ViewportSize{Width: int32(width), Height: int32(height)})
}

// Click presses and releases the left mouse button at x, y.
func (c *Client) Click(ctx context.Context, x, y float64) (string, error) {
	return c.ack(ctx, ipc.ClickMouseProcedure, &ipc.Coordinate{X: x, Y: y})
}

// Type inserts text into the focused element.
func (c *Client) Type(ctx context.Context, text string) (string, error) {
	return c.ack(ctx, ipc.SendKeyboardInputProcedure, &ipc.Text{Content: text})
}

// Navigate loads url in the active page.
func (c *Client) Navigate(ctx context.Context, url string) (string, error) {
	return c.ack(ctx, ipc.NavigateToURLProcedure, &ipc.URL{URL: url})
}

// Screenshot captures the active page as PNG.
func (c *Client) Screenshot(ctx context.Context) (*ipc.Screenshot, error) {
	var shot ipc.Screenshot
	if err := c.invoke(ctx, ipc.TakeScreenshotProcedure, &ipc.Empty{}, &shot); err != nil {
		return nil, err
	}
	return &shot, nil
}

// Status reports the server's browser and stream state.
func (c *Client) Status(ctx context.Context) (*ipc.Status, error) {
	var st ipc.Status
	if err := c.invoke(ctx, ipc.GetStatusProcedure, &ipc.Empty{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

var streamDesc = &grpc.StreamDesc{StreamName: "StreamScreenshots", ServerStreams: true}

// StreamScreenshots calls fn with every received frame until the server
// ends the stream, ctx is cancelled or fn returns an error. A stream the
// server ends cleanly, or one stopped through ctx, returns nil.
func (c *Client) StreamScreenshots(ctx context.Context, req ipc.ScreenshotRequest, fn func(*ipc.Screenshot) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, streamDesc, ipc.StreamScreenshotsProcedure)
	if err != nil {
		return fromRPCError(err, nil, nil)
	}
	if err := stream.SendMsg(&req); err != nil {
		return fromRPCError(err, nil, stream.Trailer())
	}
	if err := stream.CloseSend(); err != nil {
		return fromRPCError(err, nil, stream.Trailer())
	}

	for {
		var shot ipc.Screenshot
		err := stream.RecvMsg(&shot)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			header, _ := stream.Header()
			return fromRPCError(err, header, stream.Trailer())
		}
		if err := fn(&shot); err != nil {
			return err
		}
	}
}

// fromRPCError restores the server's termium error code from response
// metadata. Failures without one are reported as transport failures.
func fromRPCError(err error, header, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	for _, md := range []metadata.MD{trailer, header} {
		if vals := md.Get(errorCodeKey); len(vals) > 0 && vals[0] != "" {
			return terrors.Wrap(err, terrors.ErrorCode(vals[0]), "remote call failed").
				WithUserMessage(st.Message())
		}
	}
	switch st.Code() {
	case codes.Canceled:
		return terrors.Wrap(err, terrors.ErrCodeTransportFailed, "call cancelled")
	case codes.DeadlineExceeded:
		return terrors.Wrap(err, terrors.ErrCodeTransportFailed, "call timed out").WithRetryable(true)
	case codes.Unavailable:
		return terrors.Wrap(err, terrors.ErrCodeTransportFailed, "termium unavailable").WithRetryable(true)
	}
	return terrors.Wrap(err, terrors.ErrCodeInternal, st.Message())
}
