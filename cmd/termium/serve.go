package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/termium/pkg/browser"
	"github.com/odvcencio/termium/pkg/browser/adapters/chrome"
	"github.com/odvcencio/termium/pkg/config"
	"github.com/odvcencio/termium/pkg/ipc"
	"github.com/odvcencio/termium/pkg/observability"
)

// newDriverFn is swapped in tests to avoid launching Chrome.
var newDriverFn = func(cfg chrome.Config) (browser.Driver, error) {
	return chrome.NewDriver(cfg)
}

func runServeCommand(ctx context.Context, opts *globalOptions, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		return withExitCode(fmt.Errorf("serve takes no arguments, got %q", args), exitUsage)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, stdout)
}

func serve(ctx context.Context, cfg *config.Config, stdout io.Writer) (err error) {
	logOpts := cfg.Logging.LogOptions()
	logOpts.Output = stdout
	logger, err := observability.NewLogger("server", logOpts)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	defer logger.Close()

	if cfg.Tracing.Enabled {
		var out io.Writer = os.Stderr
		if cfg.Tracing.File != "" {
			f, err := os.OpenFile(cfg.Tracing.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open trace file: %w", err)
			}
			defer f.Close()
			out = f
		}
		tp, err := observability.NewTracerProvider("termium", out)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
				logger.Warn("tracer shutdown failed", "error", shutdownErr)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := browser.NewMetrics(reg)

	driver, err := newDriverFn(cfg.Browser.Chrome())
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	manager := browser.NewManager(driver, cfg.Browser.Manager(), logger.With("subsystem", "manager"), metrics)
	defer func() {
		if closeErr := manager.Close(); closeErr != nil {
			logger.Warn("browser close failed", "error", closeErr)
		}
	}()
	dispatcher := browser.NewDispatcher(manager, cfg.Dispatcher(), logger.With("subsystem", "dispatcher"), metrics)
	streamer := browser.NewStreamer(manager, cfg.Stream.Engine(), logger.With("subsystem", "streamer"), metrics)
	service := ipc.NewService(manager, dispatcher, streamer, logger.With("subsystem", "service"))

	network, address := cfg.Server.Network()
	server := ipc.NewServer(ipc.Config{
		Network:         network,
		Address:         address,
		Metrics:         cfg.Server.Metrics,
		Gatherer:        reg,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, service, logger.Logger)

	// Attaching is eager so a wrong -browser address shows up at startup;
	// launching waits for the first OpenTab.
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Browser.Address != "" {
		g.Go(func() error {
			if err := manager.EnsureBrowser(gctx); err != nil {
				logger.Warn("browser not reachable yet", "address", cfg.Browser.Address, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("termium started", "network", network, "address", address, "metrics", cfg.Server.Metrics)
	err = g.Wait()
	logger.Info("termium stopped")
	return err
}
