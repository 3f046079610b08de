package browser

import (
	"context"
	"errors"

	terrors "github.com/odvcencio/termium/pkg/errors"
)

var (
	// ErrUnavailable is returned when neither attaching to nor launching a
	// browser succeeded.
	ErrUnavailable = terrors.New(terrors.ErrCodeBrowserUnavailable, "browser unavailable")
	// ErrNoActivePage is returned when a command needs a page and none is open.
	ErrNoActivePage = terrors.New(terrors.ErrCodeNoActiveSession, "No active page")
)

func browserUnavailable(err error, message string) error {
	return terrors.Wrap(err, terrors.ErrCodeBrowserUnavailable, message)
}

func noActiveSession() error {
	return terrors.New(terrors.ErrCodeNoActiveSession, "No active page")
}

func commandFailed(err error, message string) error {
	wrapped := terrors.Wrap(err, terrors.ErrCodeCommandFailed, message)
	if isTimeout(err) {
		wrapped.WithContext("timeout", true)
	}
	return wrapped
}

func captureFailed(err error, message string) error {
	wrapped := terrors.Wrap(err, terrors.ErrCodeCaptureFailed, message)
	if isTimeout(err) {
		wrapped.WithContext("timeout", true)
	}
	return wrapped
}

func transportFailed(err error) error {
	return terrors.Wrap(err, terrors.ErrCodeTransportFailed, "stream write failed")
}

func invalidInput(format string, args ...any) error {
	return terrors.Newf(terrors.ErrCodeInvalidInput, format, args...)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsBrowserUnavailable reports whether err means the browser could not be
// reached or launched.
func IsBrowserUnavailable(err error) bool {
	return terrors.IsCode(err, terrors.ErrCodeBrowserUnavailable)
}

// IsNoActiveSession reports whether err means no page was open.
func IsNoActiveSession(err error) bool {
	return terrors.IsCode(err, terrors.ErrCodeNoActiveSession)
}

// IsCommandFailure reports whether err came from a failed driver action.
func IsCommandFailure(err error) bool {
	return terrors.IsCode(err, terrors.ErrCodeCommandFailed)
}

// IsCaptureFailure reports whether err came from a failed frame capture.
func IsCaptureFailure(err error) bool {
	return terrors.IsCode(err, terrors.ErrCodeCaptureFailed)
}

// IsTransportFailure reports whether err came from the outbound stream.
func IsTransportFailure(err error) bool {
	return terrors.IsCode(err, terrors.ErrCodeTransportFailed)
}

// IsInvalidInput reports whether err was a rejected request parameter.
func IsInvalidInput(err error) bool {
	return terrors.IsCode(err, terrors.ErrCodeInvalidInput)
}
