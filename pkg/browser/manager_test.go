package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/termium/pkg/browser"
	"github.com/odvcencio/termium/pkg/browser/browsertest"
	browserMocks "github.com/odvcencio/termium/pkg/browser/mocks"
)

func newTestManager(t *testing.T, driver browser.Driver, cfg browser.ManagerConfig) *browser.Manager {
	t.Helper()
	m := browser.NewManager(driver, cfg, nil, browser.NewMetrics(nil))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_OpenTabLaunchesOnce(t *testing.T) {
	driver := browsertest.NewDriver()
	m := newTestManager(t, driver, browser.ManagerConfig{})

	_, ok := m.CurrentPage()
	assert.False(t, ok, "no page before the first OpenTab")

	first, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	second, err := m.OpenTab(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, driver.Launches())
	assert.Equal(t, 0, driver.Attaches())
	assert.NotEqual(t, first.ID(), second.ID())

	current, ok := m.CurrentPage()
	require.True(t, ok)
	assert.Equal(t, second.ID(), current.ID())

	st := m.Status()
	assert.True(t, st.Connected)
	assert.True(t, st.Owned)
	assert.Equal(t, second.ID(), st.ActivePageID)
	assert.Equal(t, uint64(2), st.Generation)
}

func TestManager_AttachWhenAddressConfigured(t *testing.T) {
	driver := browsertest.NewDriver()
	m := newTestManager(t, driver, browser.ManagerConfig{Address: "http://127.0.0.1:9222"})

	require.NoError(t, m.EnsureBrowser(context.Background()))
	require.NoError(t, m.EnsureBrowser(context.Background()))

	assert.Equal(t, 1, driver.Attaches())
	assert.Equal(t, 0, driver.Launches())
	conns := driver.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "http://127.0.0.1:9222", conns[0].Addr())
	assert.False(t, m.Status().Owned)
}

func TestManager_AttachFailure(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.FailAttach(errors.New("connection refused"))
	m := newTestManager(t, driver, browser.ManagerConfig{Address: "http://127.0.0.1:9222"})

	_, err := m.OpenTab(context.Background())
	require.Error(t, err)
	assert.True(t, browser.IsBrowserUnavailable(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, driver.Launches())

	_, ok := m.CurrentPage()
	assert.False(t, ok)
}

func TestManager_LaunchFallback(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.FailAttach(errors.New("connection refused"))
	m := newTestManager(t, driver, browser.ManagerConfig{
		Address:        "http://127.0.0.1:9222",
		LaunchFallback: true,
	})

	_, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, driver.Attaches())
	assert.Equal(t, 1, driver.Launches())
	assert.True(t, m.Status().Owned)
}

func TestManager_LaunchFailure(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.FailLaunch(errors.New("chrome not found"))
	m := newTestManager(t, driver, browser.ManagerConfig{})

	_, err := m.OpenTab(context.Background())
	require.Error(t, err)
	assert.True(t, browser.IsBrowserUnavailable(err))
	assert.False(t, m.Status().Connected)
}

func TestManager_ConcurrentEnsureLaunchesOnce(t *testing.T) {
	driver := browsertest.NewDriver()
	m := newTestManager(t, driver, browser.ManagerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.EnsureBrowser(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, driver.Launches())
}

func TestManager_LastCompletedOpenTabWins(t *testing.T) {
	driver := browsertest.NewDriver()
	release := make(chan struct{})
	driver.BeforeNewPage = func(ctx context.Context, n int) error {
		if n == 1 {
			<-release
		}
		return nil
	}
	m := newTestManager(t, driver, browser.ManagerConfig{ReplacePolicy: browser.ReplaceKeep})
	require.NoError(t, m.EnsureBrowser(context.Background()))

	slow := make(chan browser.Page, 1)
	go func() {
		page, err := m.OpenTab(context.Background())
		assert.NoError(t, err)
		slow <- page
	}()
	require.Eventually(t, func() bool { return len(driver.Pages()) == 1 }, time.Second, time.Millisecond)

	fast, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	current, _ := m.CurrentPage()
	assert.Equal(t, fast.ID(), current.ID())

	close(release)
	slowPage := <-slow

	current, ok := m.CurrentPage()
	require.True(t, ok)
	assert.Equal(t, slowPage.ID(), current.ID(), "the OpenTab that completed last is active")
}

func TestManager_ReplacePolicyClose(t *testing.T) {
	driver := browsertest.NewDriver()
	m := newTestManager(t, driver, browser.ManagerConfig{})

	_, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	_, err = m.OpenTab(context.Background())
	require.NoError(t, err)

	pages := driver.Pages()
	require.Len(t, pages, 2)
	assert.Eventually(t, pages[0].Closed, time.Second, time.Millisecond)
	assert.False(t, pages[1].Closed())
}

func TestManager_ReplacePolicyKeep(t *testing.T) {
	driver := browsertest.NewDriver()
	m := browser.NewManager(driver, browser.ManagerConfig{ReplacePolicy: browser.ReplaceKeep}, nil, nil)

	_, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	_, err = m.OpenTab(context.Background())
	require.NoError(t, err)

	pages := driver.Pages()
	require.Len(t, pages, 2)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, pages[0].Closed(), "replaced page is left open")

	require.NoError(t, m.Close())
	assert.False(t, pages[0].Closed(), "kept page belongs to nobody")
	assert.True(t, pages[1].Closed())
}

func TestManager_CloseTab(t *testing.T) {
	driver := browsertest.NewDriver()
	m := newTestManager(t, driver, browser.ManagerConfig{})

	err := m.CloseTab(context.Background())
	assert.True(t, browser.IsNoActiveSession(err))

	_, err = m.OpenTab(context.Background())
	require.NoError(t, err)
	gen := m.Status().Generation

	require.NoError(t, m.CloseTab(context.Background()))
	_, ok := m.CurrentPage()
	assert.False(t, ok)
	assert.True(t, driver.Pages()[0].Closed())
	assert.Greater(t, m.Status().Generation, gen)
	assert.True(t, m.Status().Connected, "closing a tab keeps the browser")
}

func TestManager_CloseTabDriverError(t *testing.T) {
	driver := browsertest.NewDriver()
	m := newTestManager(t, driver, browser.ManagerConfig{})

	_, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	driver.Pages()[0].Fail(browsertest.OpClose, errors.New("target crashed"))

	err = m.CloseTab(context.Background())
	require.Error(t, err)
	assert.True(t, browser.IsCommandFailure(err))
	_, ok := m.CurrentPage()
	assert.False(t, ok, "page is cleared even when closing it fails")
}

func TestManager_CloseOwnedBrowser(t *testing.T) {
	driver := browsertest.NewDriver()
	m := browser.NewManager(driver, browser.ManagerConfig{}, nil, nil)

	_, err := m.OpenTab(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "Close is idempotent")

	assert.True(t, driver.Pages()[0].Closed())
	assert.True(t, driver.Connections()[0].Closed())
	assert.False(t, m.Status().Connected)

	_, err = m.OpenTab(context.Background())
	assert.True(t, browser.IsBrowserUnavailable(err), "a closed manager does not reconnect")
}

func TestManager_NilDriver(t *testing.T) {
	m := browser.NewManager(nil, browser.ManagerConfig{}, nil, nil)
	_, err := m.OpenTab(context.Background())
	assert.True(t, browser.IsBrowserUnavailable(err))
}

func TestManager_NewPageFailureIsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := browserMocks.NewMockDriver(ctrl)
	conn := browserMocks.NewMockConnection(ctrl)

	driver.EXPECT().Launch(gomock.Any()).Return(conn, nil).Times(1)
	conn.EXPECT().Owned().Return(true).AnyTimes()
	conn.EXPECT().NewPage(gomock.Any()).Return(nil, errors.New("target closed"))
	conn.EXPECT().Close().Return(nil)

	m := browser.NewManager(driver, browser.ManagerConfig{}, nil, nil)
	_, err := m.OpenTab(context.Background())
	require.Error(t, err)
	assert.True(t, browser.IsBrowserUnavailable(err))
	assert.Contains(t, err.Error(), "target closed")

	require.NoError(t, m.Close())
}

func TestManager_ConnectTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := browserMocks.NewMockDriver(ctrl)
	driver.EXPECT().Launch(gomock.Any()).DoAndReturn(func(ctx context.Context) (browser.Connection, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	m := browser.NewManager(driver, browser.ManagerConfig{ConnectTimeout: 20 * time.Millisecond}, nil, nil)
	err := m.EnsureBrowser(context.Background())
	require.Error(t, err)
	assert.True(t, browser.IsBrowserUnavailable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
