package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/odvcencio/termium/pkg/browser"
	terrors "github.com/odvcencio/termium/pkg/errors"
)

// ServiceName is the fully-qualified name of the browser control service.
const ServiceName = "termium.v1.BrowserControl"

// Procedure paths, usable as gRPC method names.
const (
	OpenTabProcedure           = "/" + ServiceName + "/OpenTab"
	CloseTabProcedure          = "/" + ServiceName + "/CloseTab"
	SetViewportProcedure       = "/" + ServiceName + "/SetViewport"
	ClickMouseProcedure        = "/" + ServiceName + "/ClickMouse"
	SendKeyboardInputProcedure = "/" + ServiceName + "/SendKeyboardInput"
	NavigateToURLProcedure     = "/" + ServiceName + "/NavigateToUrl"
	TakeScreenshotProcedure    = "/" + ServiceName + "/TakeScreenshot"
	StreamScreenshotsProcedure = "/" + ServiceName + "/StreamScreenshots"
	GetStatusProcedure         = "/" + ServiceName + "/GetStatus"
)

// ErrorCodeHeader carries the termium error code of a failed call.
const ErrorCodeHeader = "Termium-Error-Code"

// BrowserControlHandler is implemented by the browser control service.
type BrowserControlHandler interface {
	OpenTab(context.Context, *connect.Request[Empty]) (*connect.Response[Message], error)
	CloseTab(context.Context, *connect.Request[Empty]) (*connect.Response[Message], error)
	SetViewport(context.Context, *connect.Request[ViewportSize]) (*connect.Response[Message], error)
	ClickMouse(context.Context, *connect.Request[Coordinate]) (*connect.Response[Message], error)
	SendKeyboardInput(context.Context, *connect.Request[Text]) (*connect.Response[Message], error)
	NavigateToURL(context.Context, *connect.Request[URL]) (*connect.Response[Message], error)
	TakeScreenshot(context.Context, *connect.Request[Empty]) (*connect.Response[Screenshot], error)
	StreamScreenshots(context.Context, *connect.Request[ScreenshotRequest], *connect.ServerStream[Screenshot]) error
	GetStatus(context.Context, *connect.Request[Empty]) (*connect.Response[Status], error)
}

// LegacyServiceName is the service of clients generated from bc.proto.
// Only its procedures are answered on that path.
const LegacyServiceName = "pb.BrowserControl"

// NewBrowserControlHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and
// the handler itself. The CBOR and proto codecs are always installed.
func NewBrowserControlHandler(svc BrowserControlHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	return newBrowserControlHandler(ServiceName, svc, false, opts...)
}

// NewLegacyBrowserControlHandler serves the bc.proto service name
// (OpenTab, SetViewport, ClickMouse, SendKeyboardInput, NavigateToUrl,
// TakeScreenshot and StreamScreenshots) from the same implementation.
func NewLegacyBrowserControlHandler(svc BrowserControlHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	return newBrowserControlHandler(LegacyServiceName, svc, true, opts...)
}

func newBrowserControlHandler(service string, svc BrowserControlHandler, legacy bool, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(Codec{}),
		connect.WithCodec(ProtoCodec{}),
	}, opts...)
	prefix := "/" + service + "/"

	handlers := map[string]http.Handler{
		"OpenTab":           connect.NewUnaryHandler(prefix+"OpenTab", svc.OpenTab, opts...),
		"SetViewport":       connect.NewUnaryHandler(prefix+"SetViewport", svc.SetViewport, opts...),
		"ClickMouse":        connect.NewUnaryHandler(prefix+"ClickMouse", svc.ClickMouse, opts...),
		"SendKeyboardInput": connect.NewUnaryHandler(prefix+"SendKeyboardInput", svc.SendKeyboardInput, opts...),
		"NavigateToUrl":     connect.NewUnaryHandler(prefix+"NavigateToUrl", svc.NavigateToURL, opts...),
		"TakeScreenshot":    connect.NewUnaryHandler(prefix+"TakeScreenshot", svc.TakeScreenshot, opts...),
		"StreamScreenshots": connect.NewServerStreamHandler(prefix+"StreamScreenshots", svc.StreamScreenshots, opts...),
	}
	if !legacy {
		handlers["CloseTab"] = connect.NewUnaryHandler(prefix+"CloseTab", svc.CloseTab, opts...)
		handlers["GetStatus"] = connect.NewUnaryHandler(prefix+"GetStatus", svc.GetStatus, opts...)
	}

	return prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[strings.TrimPrefix(r.URL.Path, prefix)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Service adapts the dispatcher and streamer to the RPC surface.
type Service struct {
	manager    *browser.Manager
	dispatcher *browser.Dispatcher
	streamer   *browser.Streamer
	logger     *slog.Logger
}

var _ BrowserControlHandler = (*Service)(nil)

// NewService wires the browser components into an RPC service.
func NewService(manager *browser.Manager, dispatcher *browser.Dispatcher, streamer *browser.Streamer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		manager:    manager,
		dispatcher: dispatcher,
		streamer:   streamer,
		logger:     logger,
	}
}

func (s *Service) ack(text string, err error) (*connect.Response[Message], error) {
	if err != nil {
		return nil, s.fail(err)
	}
	return connect.NewResponse(&Message{Text: text}), nil
}

func (s *Service) OpenTab(ctx context.Context, _ *connect.Request[Empty]) (*connect.Response[Message], error) {
	return s.ack(s.dispatcher.OpenTab(ctx))
}

func (s *Service) CloseTab(ctx context.Context, _ *connect.Request[Empty]) (*connect.Response[Message], error) {
	return s.ack(s.dispatcher.CloseTab(ctx))
}

func (s *Service) SetViewport(ctx context.Context, req *connect.Request[ViewportSize]) (*connect.Response[Message], error) {
	return s.ack(s.dispatcher.SetViewport(ctx, browser.Viewport{
		Width:  int(req.Msg.Width),
		Height: int(req.Msg.Height),
	}))
}

func (s *Service) ClickMouse(ctx context.Context, req *connect.Request[Coordinate]) (*connect.Response[Message], error) {
	return s.ack(s.dispatcher.Click(ctx, browser.Point{X: req.Msg.X, Y: req.Msg.Y}))
}

func (s *Service) SendKeyboardInput(ctx context.Context, req *connect.Request[Text]) (*connect.Response[Message], error) {
	return s.ack(s.dispatcher.Type(ctx, req.Msg.Content))
}

func (s *Service) NavigateToURL(ctx context.Context, req *connect.Request[URL]) (*connect.Response[Message], error) {
	return s.ack(s.dispatcher.Navigate(ctx, req.Msg.URL))
}

func (s *Service) TakeScreenshot(ctx context.Context, _ *connect.Request[Empty]) (*connect.Response[Screenshot], error) {
	frame, err := s.dispatcher.Screenshot(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	return connect.NewResponse(screenshotFromFrame(frame)), nil
}

// StreamScreenshots pushes frames until the page goes away, the client
// cancels or a capture or write fails.
func (s *Service) StreamScreenshots(ctx context.Context, req *connect.Request[ScreenshotRequest], stream *connect.ServerStream[Screenshot]) error {
	streamReq := browser.StreamRequest{
		FPS:   int(req.Msg.FPS),
		Scope: browser.StreamScope(req.Msg.Scope),
	}
	err := s.streamer.Stream(ctx, streamReq, browser.FrameSinkFunc(func(frame *browser.Frame) error {
		return stream.Send(screenshotFromFrame(frame))
	}))
	if err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Service) GetStatus(_ context.Context, _ *connect.Request[Empty]) (*connect.Response[Status], error) {
	return connect.NewResponse(statusFrom(s.manager.Status(), s.streamer.Active())), nil
}

// fail converts err for the wire. The origin's stack is kept in debug logs
// only; clients see the display message.
func (s *Service) fail(err error) error {
	if e, ok := terrors.As(err); ok {
		s.logger.Debug("call failed", "code", e.Code, "error", err, "stack", e.StackTrace())
	} else {
		s.logger.Debug("call failed", "error", err)
	}
	return toConnectError(err)
}

// toConnectError maps every failure onto CodeInternal. The message is the
// error's display form and the termium code travels in ErrorCodeHeader.
func toConnectError(err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return connectErr
	}
	msg := err.Error()
	if e, ok := terrors.As(err); ok {
		msg = e.Display()
	}
	out := connect.NewError(connect.CodeInternal, errors.New(msg))
	out.Meta().Set(ErrorCodeHeader, string(terrors.GetCode(err)))
	return out
}
