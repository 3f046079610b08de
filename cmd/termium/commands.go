package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gdamore/tcell/v2"

	"github.com/odvcencio/termium/pkg/client"
	"github.com/odvcencio/termium/pkg/ipc"
	"github.com/odvcencio/termium/pkg/observability"
	"github.com/odvcencio/termium/pkg/viewer"
)

// dialFn and newScreen are swapped in tests.
var (
	dialFn    = client.Dial
	newScreen = tcell.NewScreen
)

func withClient(ctx context.Context, opts *globalOptions, fn func(*client.Client) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	network, address := cfg.Server.Network()
	c, err := dialFn(ctx, network, address)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func usageError(format string, args ...any) error {
	return withExitCode(fmt.Errorf(format, args...), exitUsage)
}

func parseInts(args []string, names ...string) ([]int, error) {
	if len(args) != len(names) {
		return nil, usageError("expected %s", strings.Join(names, " "))
	}
	out := make([]int, len(args))
	for i, raw := range args {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, usageError("%s must be an integer, got %q", names[i], raw)
		}
		out[i] = n
	}
	return out, nil
}

func parseFloats(args []string, names ...string) ([]float64, error) {
	if len(args) != len(names) {
		return nil, usageError("expected %s", strings.Join(names, " "))
	}
	out := make([]float64, len(args))
	for i, raw := range args {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, usageError("%s must be a number, got %q", names[i], raw)
		}
		out[i] = f
	}
	return out, nil
}

func runAckCommand(ctx context.Context, opts *globalOptions, stdout io.Writer, call func(*client.Client) (string, error)) error {
	return withClient(ctx, opts, func(c *client.Client) error {
		ack, err := call(c)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, ack)
		return nil
	})
}

func runOpenCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	if len(args) != 0 {
		return usageError("open takes no arguments")
	}
	return runAckCommand(ctx, opts, stdout, func(c *client.Client) (string, error) {
		return c.OpenTab(ctx)
	})
}

func runCloseCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	if len(args) != 0 {
		return usageError("close takes no arguments")
	}
	return runAckCommand(ctx, opts, stdout, func(c *client.Client) (string, error) {
		return c.CloseTab(ctx)
	})
}

func runViewportCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	size, err := parseInts(args, "WIDTH", "HEIGHT")
	if err != nil {
		return err
	}
	return runAckCommand(ctx, opts, stdout, func(c *client.Client) (string, error) {
		return c.SetViewport(ctx, size[0], size[1])
	})
}

func runClickCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	at, err := parseFloats(args, "X", "Y")
	if err != nil {
		return err
	}
	return runAckCommand(ctx, opts, stdout, func(c *client.Client) (string, error) {
		return c.Click(ctx, at[0], at[1])
	})
}

func runTypeCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError("expected TEXT")
	}
	text := strings.Join(args, " ")
	return runAckCommand(ctx, opts, stdout, func(c *client.Client) (string, error) {
		return c.Type(ctx, text)
	})
}

func runGotoCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return usageError("expected URL")
	}
	return runAckCommand(ctx, opts, stdout, func(c *client.Client) (string, error) {
		return c.Navigate(ctx, args[0])
	})
}

func runScreenshotCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("screenshot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	output := fs.String("o", "screenshot.png", "output file")
	if err := fs.Parse(args); err != nil {
		return usageError("screenshot: %v", err)
	}

	return withClient(ctx, opts, func(c *client.Client) error {
		shot, err := c.Screenshot(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*output, shot.Data, 0o644); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
		fmt.Fprintf(stdout, "wrote %s (%d bytes, %dx%d)\n", *output, len(shot.Data), shot.Width, shot.Height)
		return nil
	})
}

func runStreamCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fps := fs.Int("fps", 0, "frames per second (0 uses the server default)")
	count := fs.Int("n", 0, "stop after COUNT frames (0 runs until the stream ends)")
	dir := fs.String("dir", "frames", "directory for frame files")
	scope := fs.String("scope", "", "follow or pinned (default from server config)")
	if err := fs.Parse(args); err != nil {
		return usageError("stream: %v", err)
	}
	if *fps < 0 || *count < 0 {
		return usageError("stream: -fps and -n must not be negative")
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	written := 0
	err := withClient(ctx, opts, func(c *client.Client) error {
		req := ipc.ScreenshotRequest{FPS: int32(*fps), Scope: *scope}
		return c.StreamScreenshots(ctx, req, func(shot *ipc.Screenshot) error {
			name := filepath.Join(*dir, fmt.Sprintf("frame-%06d.%s", shot.Sequence, extension(shot.Format)))
			if err := os.WriteFile(name, shot.Data, 0o644); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			written++
			if *count > 0 && written >= *count {
				cancel()
			}
			return nil
		})
	})
	fmt.Fprintf(stdout, "wrote %d frames to %s\n", written, *dir)
	return err
}

func runViewCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fps := fs.Int("fps", 10, "frames per second (0 uses the server default)")
	scope := fs.String("scope", "", "follow or pinned (default from server config)")
	newTab := fs.Bool("new-tab", false, "open a new tab before viewing")
	cellWidth := fs.Int("cell-width", viewer.DefaultCellWidth, "page pixels per terminal column")
	cellHeight := fs.Int("cell-height", viewer.DefaultCellHeight, "page pixels per terminal row")
	if err := fs.Parse(args); err != nil {
		return usageError("view: %v", err)
	}
	if *fps < 0 || *cellWidth <= 0 || *cellHeight <= 0 {
		return usageError("view: -fps must not be negative and cell sizes must be positive")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// The terminal belongs to the viewer; logs go to the configured file or nowhere.
	logOpts := cfg.Logging.LogOptions()
	logOpts.Output = io.Discard
	logger, err := observability.NewLogger("viewer", logOpts)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	defer logger.Close()

	return withClient(ctx, opts, func(c *client.Client) error {
		screen, err := newScreen()
		if err != nil {
			return fmt.Errorf("open terminal: %w", err)
		}
		return viewer.New(screen, c, viewer.Options{
			FPS:        *fps,
			Scope:      *scope,
			OpenTab:    *newTab,
			CellWidth:  *cellWidth,
			CellHeight: *cellHeight,
			Logger:     logger.Logger,
		}).Run(ctx)
	})
}

func extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	if format == "" {
		return "bin"
	}
	return format
}

func runStatusCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	if len(args) != 0 {
		return usageError("status takes no arguments")
	}
	return withClient(ctx, opts, func(c *client.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "connected:\t%t\n", st.Connected)
		fmt.Fprintf(tw, "owned:\t%t\n", st.Owned)
		fmt.Fprintf(tw, "active page:\t%s\n", orNone(st.ActivePageID))
		fmt.Fprintf(tw, "generation:\t%d\n", st.Generation)
		fmt.Fprintf(tw, "streams:\t%d\n", len(st.Streams))
		for _, s := range st.Streams {
			fmt.Fprintf(tw, "  %s\t%s %s %dfps sent=%d dropped=%d\n", s.ID, s.State, s.Scope, s.FPS, s.Sent, s.Dropped)
		}
		return tw.Flush()
	})
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
