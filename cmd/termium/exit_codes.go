package main

import (
	"errors"

	terrors "github.com/odvcencio/termium/pkg/errors"
)

const (
	exitFailure      = 1
	exitUsage        = 2
	exitNoSession    = 3
	exitBrowserDown  = 4
	exitServerAbsent = 5
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch terrors.GetCode(err) {
	case terrors.ErrCodeConfigLoad, terrors.ErrCodeConfigParse, terrors.ErrCodeConfigInvalid, terrors.ErrCodeInvalidInput:
		return exitUsage
	case terrors.ErrCodeNoActiveSession:
		return exitNoSession
	case terrors.ErrCodeBrowserUnavailable:
		return exitBrowserDown
	case terrors.ErrCodeTransportFailed:
		return exitServerAbsent
	}
	return exitFailure
}

// errorMessage prefers the user-facing rendering of structured errors.
func errorMessage(err error) string {
	if e, ok := terrors.As(err); ok {
		return e.Display()
	}
	return err.Error()
}

// errorHint suggests a next step for failures that may clear up on their own.
func errorHint(err error) string {
	if !terrors.IsRetryable(err) {
		return ""
	}
	return "is `termium serve` running? the command can be retried once it is"
}
