package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ManagerConfig controls how the Manager reaches a browser.
type ManagerConfig struct {
	// Address of an externally managed browser. Empty means launch one.
	Address string
	// LaunchFallback launches a browser when attaching to Address fails.
	LaunchFallback bool
	// ReplacePolicy decides the fate of a page displaced by OpenTab.
	ReplacePolicy ReplacePolicy
	// ConnectTimeout bounds attach/launch. Zero leaves it to the caller's ctx.
	ConnectTimeout time.Duration
	// CloseTimeout bounds background closing of replaced pages.
	CloseTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ReplacePolicy == "" {
		c.ReplacePolicy = ReplaceClose
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	return c
}

// Manager owns the browser connection and the single active page.
//
// Opening a tab replaces the active page unconditionally; when several
// OpenTab calls overlap, the last one to finish wins. Commands read the
// active page without holding it, so a page may be replaced between the
// read and the driver call.
type Manager struct {
	driver  Driver
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *Metrics

	// connectMu serializes browser establishment.
	connectMu sync.Mutex

	mu         sync.RWMutex
	conn       Connection
	active     Page
	generation uint64
	viewport   Viewport
	closed     bool

	closing sync.WaitGroup
}

// NewManager creates a Manager backed by the provided driver. The browser
// is not contacted until the first OpenTab or EnsureBrowser.
func NewManager(driver Driver, cfg ManagerConfig, logger *slog.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		driver:  driver,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "browser.manager"),
		metrics: metrics,
	}
}

// EnsureBrowser establishes the browser connection if there is none.
func (m *Manager) EnsureBrowser(ctx context.Context) error {
	_, err := m.ensure(ctx)
	return err
}

func (m *Manager) ensure(ctx context.Context) (Connection, error) {
	if m == nil || m.driver == nil {
		return nil, ErrUnavailable
	}
	m.mu.RLock()
	conn, closed := m.conn, m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrUnavailable
	}
	if conn != nil {
		return conn, nil
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.RLock()
	conn, closed = m.conn, m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrUnavailable
	}
	if conn != nil {
		return conn, nil
	}

	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrUnavailable
	}
	m.conn = conn
	m.mu.Unlock()

	m.metrics.RecordConnection(conn.Owned())
	m.logger.Info("browser connected", "owned", conn.Owned(), "address", m.cfg.Address)
	return conn, nil
}

func (m *Manager) connect(ctx context.Context) (Connection, error) {
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	if addr := strings.TrimSpace(m.cfg.Address); addr != "" {
		conn, err := m.driver.Attach(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if !m.cfg.LaunchFallback {
			return nil, browserUnavailable(err, fmt.Sprintf("failed to attach to browser at %s", addr))
		}
		m.logger.Warn("attach failed, launching a browser instead", "address", addr, "error", err)
	}

	conn, err := m.driver.Launch(ctx)
	if err != nil {
		return nil, browserUnavailable(err, "failed to launch browser")
	}
	return conn, nil
}

// OpenTab creates a page and installs it as the active page. The previous
// page, if any, is handled by the configured ReplacePolicy.
func (m *Manager) OpenTab(ctx context.Context) (Page, error) {
	conn, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}

	// Created outside the lock so a slow page does not block readers.
	page, err := conn.NewPage(ctx)
	if err != nil {
		return nil, browserUnavailable(err, "failed to open tab")
	}

	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		_ = page.Close()
		return nil, ErrUnavailable
	}
	prev := m.active
	m.active = page
	m.generation++
	m.viewport = Viewport{}
	gen := m.generation
	m.mu.Unlock()

	m.metrics.RecordTabOpened()
	m.logger.Info("tab opened", "page_id", page.ID(), "generation", gen)

	if prev != nil && prev != page {
		m.release(prev)
	}
	return page, nil
}

func (m *Manager) release(page Page) {
	if m.cfg.ReplacePolicy == ReplaceKeep {
		m.logger.Debug("replaced page left open", "page_id", page.ID())
		return
	}
	m.closing.Add(1)
	go func() {
		defer m.closing.Done()
		done := make(chan error, 1)
		go func() { done <- page.Close() }()
		select {
		case err := <-done:
			if err != nil {
				m.logger.Warn("failed to close replaced page", "page_id", page.ID(), "error", err)
				return
			}
			m.logger.Debug("replaced page closed", "page_id", page.ID())
		case <-time.After(m.cfg.CloseTimeout):
			m.logger.Warn("timed out closing replaced page", "page_id", page.ID())
		}
	}()
}

// CurrentPage returns the active page, if any.
func (m *Manager) CurrentPage() (Page, bool) {
	page, _, ok := m.activePage()
	return page, ok
}

func (m *Manager) activePage() (Page, uint64, bool) {
	if m == nil {
		return nil, 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.generation, m.active != nil
}

// CloseTab closes the active page and clears it. Running streams end on
// their next tick.
func (m *Manager) CloseTab(ctx context.Context) error {
	if m == nil {
		return noActiveSession()
	}
	m.mu.Lock()
	page := m.active
	if page == nil {
		m.mu.Unlock()
		return noActiveSession()
	}
	m.active = nil
	m.generation++
	m.viewport = Viewport{}
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- page.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return commandFailed(err, "failed to close tab")
		}
	case <-ctx.Done():
		return commandFailed(ctx.Err(), "failed to close tab")
	}
	m.logger.Info("tab closed", "page_id", page.ID())
	return nil
}

// Viewport returns the last viewport applied to the active page.
func (m *Manager) Viewport() (Viewport, bool) {
	if m == nil {
		return Viewport{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewport, m.viewport.Width > 0 && m.viewport.Height > 0
}

// rememberViewport records vp when page is still the active page.
func (m *Manager) rememberViewport(page Page, vp Viewport) {
	m.mu.Lock()
	if m.active == page {
		m.viewport = vp
	}
	m.mu.Unlock()
}

// Status reports the manager's current state.
func (m *Manager) Status() Status {
	if m == nil {
		return Status{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Connected:  m.conn != nil,
		Generation: m.generation,
	}
	if m.conn != nil {
		st.Owned = m.conn.Owned()
	}
	if m.active != nil {
		st.ActivePageID = m.active.ID()
	}
	return st
}

// Close closes the active page and the browser connection. An owned
// browser is terminated; an attached one is only disconnected. The Manager
// cannot be reused afterwards.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	page, conn := m.active, m.conn
	m.active, m.conn = nil, nil
	m.generation++
	m.mu.Unlock()

	m.closing.Wait()

	var errs []error
	if page != nil {
		if err := page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		m.logger.Info("browser disconnected", "owned", conn.Owned())
	}
	return errors.Join(errs...)
}
