package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeNoActiveSession, "no active page")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}
	if err.Code != ErrCodeNoActiveSession {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNoActiveSession)
	}
	if err.Message != "no active page" {
		t.Errorf("Message = %v, want 'no active page'", err.Message)
	}
	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}
	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeInvalidInput, "width must be positive, got %d", -3)
	if err.Message != "width must be positive, got -3" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("websocket closed")
	err := Wrap(underlying, ErrCodeCommandFailed, "failed to click mouse")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}
	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}
	if err.Code != ErrCodeCommandFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCommandFailed)
	}
	if !strings.Contains(err.Error(), "websocket closed") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext_SortedInErrorString(t *testing.T) {
	err := New(ErrCodeCommandFailed, "navigate failed").
		WithContext("url", "https://example.com").
		WithContext("timeout", true)

	got := err.Error()
	want := "[COMMAND_FAILED] navigate failed {timeout: true, url: https://example.com}"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDisplay(t *testing.T) {
	plain := New(ErrCodeNoActiveSession, "No active page")
	if plain.Display() != "No active page" {
		t.Errorf("Display() = %q", plain.Display())
	}

	wrapped := Wrap(errors.New("boom"), ErrCodeCaptureFailed, "Failed to take screenshot")
	if wrapped.Display() != "Failed to take screenshot: boom" {
		t.Errorf("Display() = %q", wrapped.Display())
	}

	nested := Wrap(Wrap(errors.New("chrome not found"), ErrCodeBrowserUnavailable, "failed to launch browser"),
		ErrCodeBrowserUnavailable, "Failed to open new tab")
	if nested.Display() != "Failed to open new tab: failed to launch browser: chrome not found" {
		t.Errorf("Display() = %q", nested.Display())
	}

	custom := New(ErrCodeInternal, "internal").WithUserMessage("try again")
	if custom.Display() != "try again" {
		t.Errorf("Display() = %q", custom.Display())
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := Wrap(underlying, ErrCodeInternal, "wrapped")

	if err.Unwrap() != underlying {
		t.Error("Unwrap should return underlying error")
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see through the wrapper")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(ErrCodeNoActiveSession, "no page"))

	if !errors.Is(err, New(ErrCodeNoActiveSession, "")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, New(ErrCodeCommandFailed, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeCaptureFailed, "capture error")

	if !IsCode(err, ErrCodeCaptureFailed) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeCommandFailed) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeCaptureFailed) {
		t.Error("IsCode should return false for nil error")
	}
	if IsCode(errors.New("standard error"), ErrCodeInternal) {
		t.Error("IsCode should return false for plain errors")
	}
	if !IsCode(fmt.Errorf("outer: %w", err), ErrCodeCaptureFailed) {
		t.Error("IsCode should look through wrapping")
	}
}

func TestGetCode(t *testing.T) {
	if code := GetCode(New(ErrCodeTransportFailed, "send")); code != ErrCodeTransportFailed {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeTransportFailed)
	}
	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}
	if GetCode(errors.New("standard")) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for plain errors")
	}
}

func TestIsRetryable_Function(t *testing.T) {
	retryable := New(ErrCodeBrowserUnavailable, "launch failed").WithRetryable(true)
	notRetryable := New(ErrCodeConfigInvalid, "bad config")

	if !IsRetryable(retryable) {
		t.Error("IsRetryable should return true for retryable error")
	}
	if IsRetryable(notRetryable) {
		t.Error("IsRetryable should return false for non-retryable error")
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable should return false for nil")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	trace := err.StackTrace()
	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should contain header")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should have frames")
	}
}

func TestCaptureStack(t *testing.T) {
	frames := captureStack(0)
	if len(frames) == 0 {
		t.Fatal("captureStack should return at least one frame")
	}

	found := false
	for _, frame := range frames {
		if strings.Contains(frame.Function, "Test") || strings.Contains(frame.Function, "errors") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Stack should contain test or errors package frames")
	}
}
