package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/termium/pkg/browser"
	"github.com/odvcencio/termium/pkg/browser/adapters/chrome"
	terrors "github.com/odvcencio/termium/pkg/errors"
	"github.com/odvcencio/termium/pkg/observability"
)

// Default configuration values exported for documentation and validation
const (
	DefaultSocketPath        = "/tmp/termium.sock"
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultCommandTimeout    = 10 * time.Second
	DefaultNavigationTimeout = 30 * time.Second
	DefaultCaptureTimeout    = 5 * time.Second
	DefaultFPS               = 10
	DefaultMaxFPS            = 60
	DefaultQuality           = 60
	DefaultBufferFrames      = 4
)

// Config represents the complete termium configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Stream  StreamConfig  `yaml:"stream"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig selects the single listener the service binds.
type ServerConfig struct {
	// Socket is the Unix socket path used when TCP is empty.
	Socket string `yaml:"socket"`
	// TCP is a host:port to listen on instead of the Unix socket.
	TCP             string        `yaml:"tcp"`
	Metrics         bool          `yaml:"metrics"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Network returns the listener network and address.
func (s ServerConfig) Network() (string, string) {
	if tcp := strings.TrimSpace(s.TCP); tcp != "" {
		return "tcp", tcp
	}
	return "unix", s.Socket
}

// BrowserConfig controls how the browser is reached and commanded.
type BrowserConfig struct {
	// Address of a running browser's DevTools endpoint. Empty launches one.
	Address        string   `yaml:"address"`
	LaunchFallback bool     `yaml:"launch_fallback"`
	BinPath        string   `yaml:"bin_path"`
	Headless       bool     `yaml:"headless"`
	NoSandbox      bool     `yaml:"no_sandbox"`
	UserDataDir    string   `yaml:"user_data_dir"`
	Flags          []string `yaml:"flags"`
	WaitLoad       bool     `yaml:"wait_load"`
	ReplacePolicy  string   `yaml:"replace_policy"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
}

// StreamConfig controls screenshot streaming.
type StreamConfig struct {
	DefaultFPS     int           `yaml:"default_fps"`
	MaxFPS         int           `yaml:"max_fps"`
	Format         string        `yaml:"format"`
	Quality        int           `yaml:"quality"`
	BufferFrames   int           `yaml:"buffer_frames"`
	Backpressure   string        `yaml:"backpressure"`
	Scope          string        `yaml:"scope"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
}

// LoggingConfig selects log level, format and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File appends logs to a file instead of stdout.
	File string `yaml:"file"`
}

// TracingConfig enables OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// File receives exported spans. Empty means stderr.
	File string `yaml:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Socket:          DefaultSocketPath,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Browser: BrowserConfig{
			Headless:          true,
			WaitLoad:          true,
			ReplacePolicy:     string(browser.ReplaceClose),
			ConnectTimeout:    DefaultConnectTimeout,
			CommandTimeout:    DefaultCommandTimeout,
			NavigationTimeout: DefaultNavigationTimeout,
		},
		Stream: StreamConfig{
			DefaultFPS:     DefaultFPS,
			MaxFPS:         DefaultMaxFPS,
			Format:         string(browser.FrameFormatJPEG),
			Quality:        DefaultQuality,
			BufferFrames:   DefaultBufferFrames,
			Backpressure:   string(browser.BackpressureDropOldest),
			Scope:          string(browser.StreamScopeFollow),
			CaptureTimeout: DefaultCaptureTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.termium/config.yaml, then ./.termium/config.yaml, then
// TERMIUM_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".termium", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, wrapLoadError(err, "loading user config")
		}
	}

	projectConfigPath := filepath.Join(".", ".termium", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, wrapLoadError(err, "loading project config")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, wrapLoadError(err, fmt.Sprintf("loading config from %s", path))
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func wrapLoadError(err error, message string) error {
	if terrors.IsCode(err, terrors.ErrCodeConfigParse) {
		return terrors.Wrap(err, terrors.ErrCodeConfigParse, message)
	}
	return terrors.Wrap(err, terrors.ErrCodeConfigLoad, message)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TERMIUM_SOCKET"); v != "" {
		cfg.Server.Socket = v
	}
	if v := os.Getenv("TERMIUM_TCP"); v != "" {
		cfg.Server.TCP = v
	}
	if v, ok := envBool("TERMIUM_METRICS"); ok {
		cfg.Server.Metrics = v
	}
	if d, ok := envDuration("TERMIUM_SHUTDOWN_TIMEOUT"); ok {
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("TERMIUM_BROWSER_ADDRESS"); v != "" {
		cfg.Browser.Address = v
	}
	if v, ok := envBool("TERMIUM_LAUNCH_FALLBACK"); ok {
		cfg.Browser.LaunchFallback = v
	}
	if v := os.Getenv("TERMIUM_BROWSER_BIN"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v, ok := envBool("TERMIUM_HEADLESS"); ok {
		cfg.Browser.Headless = v
	}
	if v, ok := envBool("TERMIUM_NO_SANDBOX"); ok {
		cfg.Browser.NoSandbox = v
	}
	if v := os.Getenv("TERMIUM_REPLACE_POLICY"); v != "" {
		cfg.Browser.ReplacePolicy = v
	}
	if d, ok := envDuration("TERMIUM_CONNECT_TIMEOUT"); ok {
		cfg.Browser.ConnectTimeout = d
	}
	if d, ok := envDuration("TERMIUM_COMMAND_TIMEOUT"); ok {
		cfg.Browser.CommandTimeout = d
	}
	if d, ok := envDuration("TERMIUM_NAVIGATION_TIMEOUT"); ok {
		cfg.Browser.NavigationTimeout = d
	}

	if n, ok := envInt("TERMIUM_STREAM_DEFAULT_FPS"); ok {
		cfg.Stream.DefaultFPS = n
	}
	if n, ok := envInt("TERMIUM_STREAM_MAX_FPS"); ok {
		cfg.Stream.MaxFPS = n
	}
	if n, ok := envInt("TERMIUM_STREAM_BUFFER_FRAMES"); ok {
		cfg.Stream.BufferFrames = n
	}
	if v := os.Getenv("TERMIUM_STREAM_BACKPRESSURE"); v != "" {
		cfg.Stream.Backpressure = v
	}
	if v := os.Getenv("TERMIUM_STREAM_SCOPE"); v != "" {
		cfg.Stream.Scope = v
	}
	if d, ok := envDuration("TERMIUM_CAPTURE_TIMEOUT"); ok {
		cfg.Stream.CaptureTimeout = d
	}

	if v := os.Getenv("TERMIUM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TERMIUM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TERMIUM_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v, ok := envBool("TERMIUM_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = v
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return terrors.Newf(terrors.ErrCodeConfigInvalid, format, args...)
	}

	if tcp := strings.TrimSpace(c.Server.TCP); tcp != "" {
		if _, _, err := net.SplitHostPort(tcp); err != nil {
			return invalid("invalid server.tcp %q: %v", tcp, err)
		}
	} else if strings.TrimSpace(c.Server.Socket) == "" {
		return invalid("server.socket or server.tcp is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		return invalid("server.shutdown_timeout must be zero or positive")
	}

	switch browser.ReplacePolicy(strings.ToLower(c.Browser.ReplacePolicy)) {
	case browser.ReplaceClose, browser.ReplaceKeep:
	default:
		return invalid("invalid browser.replace_policy: %s (valid: close, keep)", c.Browser.ReplacePolicy)
	}
	if c.Browser.LaunchFallback && strings.TrimSpace(c.Browser.Address) == "" {
		return invalid("browser.launch_fallback requires browser.address")
	}
	for name, d := range map[string]time.Duration{
		"browser.connect_timeout":    c.Browser.ConnectTimeout,
		"browser.command_timeout":    c.Browser.CommandTimeout,
		"browser.navigation_timeout": c.Browser.NavigationTimeout,
		"stream.capture_timeout":     c.Stream.CaptureTimeout,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}

	if c.Stream.DefaultFPS <= 0 || c.Stream.MaxFPS <= 0 {
		return invalid("stream fps must be positive")
	}
	if c.Stream.DefaultFPS > c.Stream.MaxFPS {
		return invalid("stream.default_fps (%d) exceeds stream.max_fps (%d)", c.Stream.DefaultFPS, c.Stream.MaxFPS)
	}
	if !browser.FrameFormat(strings.ToLower(c.Stream.Format)).Valid() {
		return invalid("invalid stream.format: %s (valid: jpeg, png, webp)", c.Stream.Format)
	}
	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return invalid("stream.quality must be between 1 and 100")
	}
	if c.Stream.BufferFrames <= 0 {
		return invalid("stream.buffer_frames must be positive")
	}
	switch browser.BackpressurePolicy(strings.ToLower(c.Stream.Backpressure)) {
	case browser.BackpressureDropOldest, browser.BackpressureDropNewest, browser.BackpressureBlock:
	default:
		return invalid("invalid stream.backpressure: %s (valid: drop_oldest, drop_newest, block)", c.Stream.Backpressure)
	}
	switch browser.StreamScope(strings.ToLower(c.Stream.Scope)) {
	case browser.StreamScopeFollow, browser.StreamScopePinned:
	default:
		return invalid("invalid stream.scope: %s (valid: follow, pinned)", c.Stream.Scope)
	}

	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return invalid("invalid logging.level: %v", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		return invalid("invalid logging.format: %s (valid: text, json)", c.Logging.Format)
	}
	return nil
}

// Manager returns the session manager settings.
func (b BrowserConfig) Manager() browser.ManagerConfig {
	return browser.ManagerConfig{
		Address:        strings.TrimSpace(b.Address),
		LaunchFallback: b.LaunchFallback,
		ReplacePolicy:  browser.ReplacePolicy(strings.ToLower(b.ReplacePolicy)),
		ConnectTimeout: b.ConnectTimeout,
	}
}

// Dispatcher returns the per-command deadlines.
func (c *Config) Dispatcher() browser.DispatcherConfig {
	return browser.DispatcherConfig{
		CommandTimeout:    c.Browser.CommandTimeout,
		NavigationTimeout: c.Browser.NavigationTimeout,
		CaptureTimeout:    c.Stream.CaptureTimeout,
	}
}

// Chrome returns the driver adapter settings.
func (b BrowserConfig) Chrome() chrome.Config {
	return chrome.Config{
		BinPath:     expandHomeDir(b.BinPath),
		Headless:    b.Headless,
		NoSandbox:   b.NoSandbox,
		UserDataDir: expandHomeDir(b.UserDataDir),
		Flags:       append([]string(nil), b.Flags...),
		WaitLoad:    b.WaitLoad,
	}
}

// Engine returns the stream engine settings.
func (s StreamConfig) Engine() browser.StreamConfig {
	return browser.StreamConfig{
		DefaultFPS:     s.DefaultFPS,
		MaxFPS:         s.MaxFPS,
		Format:         browser.FrameFormat(strings.ToLower(s.Format)),
		Quality:        s.Quality,
		BufferFrames:   s.BufferFrames,
		Backpressure:   browser.BackpressurePolicy(strings.ToLower(s.Backpressure)),
		Scope:          browser.StreamScope(strings.ToLower(s.Scope)),
		CaptureTimeout: s.CaptureTimeout,
	}
}

// LogOptions returns the logger settings.
func (l LoggingConfig) LogOptions() observability.LogOptions {
	return observability.LogOptions{
		Level:  l.Level,
		Format: l.Format,
		File:   expandHomeDir(l.File),
	}
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
