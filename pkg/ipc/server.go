package ipc

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/termium/pkg/browser"
)

const (
	maxConnectReadBytes    = 8 << 20
	maxConnectRequestBytes = 16 << 20

	defaultShutdownTimeout = 5 * time.Second
)

// Config controls the service front.
type Config struct {
	// Network is "unix" or "tcp".
	Network string
	Address string
	// Metrics exposes Gatherer at /metrics.
	Metrics  bool
	Gatherer prometheus.Gatherer

	ShutdownTimeout time.Duration
}

// Server hosts the browser control service on a single listener.
type Server struct {
	cfg        Config
	service    *Service
	streamer   *browser.Streamer
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer constructs a server for the given service.
func NewServer(cfg Config, service *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		cfg:      cfg,
		service:  service,
		streamer: service.streamer,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the full router wrapped for cleartext HTTP/2, which
// gRPC clients require.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.recoverMiddleware)
	router.Use(s.requestLogMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.cfg.Metrics {
		router.Get("/metrics", s.handleMetrics)
	}

	opts := []connect.HandlerOption{
		connect.WithCompressMinBytes(1024),
		connect.WithReadMaxBytes(maxConnectReadBytes),
	}
	path, handler := NewBrowserControlHandler(s.service, opts...)
	router.Mount(path, http.MaxBytesHandler(handler, maxConnectRequestBytes))
	legacyPath, legacyHandler := NewLegacyBrowserControlHandler(s.service, opts...)
	router.Mount(legacyPath, http.MaxBytesHandler(legacyHandler, maxConnectRequestBytes))

	return h2c.NewHandler(router, &http2.Server{})
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then cancels running streams
// and drains in-flight calls.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("serving browser control", "network", ln.Addr().Network(), "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func (s *Server) shutdown() error {
	// Streams never finish on their own, so end them before draining.
	if s.streamer != nil {
		s.streamer.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.logger.Info("browser control stopped")
	return err
}

// Listen binds network/address. For Unix sockets a stale socket file left
// by a dead server is removed first; a live one is reported as in use.
func Listen(network, address string) (net.Listener, error) {
	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", address)
		if err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", address, err)
		}
		return ln, nil
	case "unix", "":
		if strings.TrimSpace(address) == "" {
			return nil, fmt.Errorf("unix socket path required")
		}
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
		ln, err := net.Listen("unix", address)
		if err != nil {
			return nil, fmt.Errorf("listen unix %s: %w", address, err)
		}
		if err := os.Chmod(address, 0o600); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if stdliberrors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%s is in use by another server", path)
	}
	if err := os.Remove(path); err != nil && !stdliberrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.service.manager.Status()
	respondJSON(w, map[string]any{
		"status":    "ok",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"connected": st.Connected,
		"streams":   len(s.streamer.Active()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gatherer == nil {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}
	promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"proto", r.Proto,
			"duration", time.Since(start),
		)
	})
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
