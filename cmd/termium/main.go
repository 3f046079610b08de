// Command termium runs the browser control server and drives it from the
// shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

type commandFunc func(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error

var commands = map[string]commandFunc{
	"serve":      runServeCommand,
	"open":       runOpenCommand,
	"close":      runCloseCommand,
	"viewport":   runViewportCommand,
	"click":      runClickCommand,
	"type":       runTypeCommand,
	"goto":       runGotoCommand,
	"screenshot": runScreenshotCommand,
	"stream":     runStreamCommand,
	"status":     runStatusCommand,
	"view":       runViewCommand,
}

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(err))
		if hint := errorHint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
	}
	os.Exit(exitCodeForError(err))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseGlobalOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return withExitCode(err, exitUsage)
	}

	// With no command the server runs, as a bare invocation always has.
	name, rest := "serve", []string(nil)
	if len(opts.args) > 0 {
		name, rest = opts.args[0], opts.args[1:]
	}
	if name == "help" {
		newGlobalFlagSet(&globalOptions{}, stdout).Usage()
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return usageError("unknown command %q (run termium help)", name)
	}
	return cmd(ctx, opts, rest, stdout)
}
