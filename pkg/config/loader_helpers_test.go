package config

import (
	"testing"
	"time"
)

func TestMergeConfigs(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Server: ServerConfig{Socket: "/tmp/other.sock"},
		Browser: BrowserConfig{
			Headless:       false,
			ConnectTimeout: time.Minute,
		},
		Stream: StreamConfig{Quality: 90},
	}

	mergeConfigs(base, override, map[string]any{})

	if base.Server.Socket != "/tmp/other.sock" {
		t.Fatalf("socket not merged: %s", base.Server.Socket)
	}
	if !base.Browser.Headless {
		t.Fatal("headless changed although the key was absent")
	}
	if base.Browser.ConnectTimeout != time.Minute {
		t.Fatalf("connect timeout not merged: %s", base.Browser.ConnectTimeout)
	}
	if base.Stream.Quality != 90 {
		t.Fatalf("quality not merged: %d", base.Stream.Quality)
	}
	if base.Stream.MaxFPS != DefaultMaxFPS {
		t.Fatalf("zero value overwrote default: %d", base.Stream.MaxFPS)
	}
}

func TestMergeConfigsExplicitFalse(t *testing.T) {
	base := DefaultConfig()
	base.Server.Metrics = true

	raw := map[string]any{
		"server":  map[string]any{"metrics": false},
		"browser": map[string]any{"headless": false, "wait_load": false},
	}
	mergeConfigs(base, &Config{}, raw)

	if base.Server.Metrics {
		t.Fatal("explicit metrics=false should apply")
	}
	if base.Browser.Headless || base.Browser.WaitLoad {
		t.Fatalf("explicit browser booleans should apply: %+v", base.Browser)
	}
}

func TestMergeConfigsNilOverride(t *testing.T) {
	base := DefaultConfig()
	mergeConfigs(base, nil, nil)
	if base.Server.Socket != DefaultSocketPath {
		t.Fatal("nil override should be a no-op")
	}
}

func TestBoolFieldSet(t *testing.T) {
	raw := map[string]any{
		"tracing": map[string]any{"enabled": false},
		"stream":  "flat",
	}

	if !boolFieldSet(raw, "tracing", "enabled") {
		t.Fatal("expected tracing.enabled to be set")
	}
	if boolFieldSet(raw, "tracing", "file") {
		t.Fatal("missing key should be unset")
	}
	if boolFieldSet(raw, "stream", "scope") {
		t.Fatal("non-map parent should be unset")
	}
	if boolFieldSet(raw) || boolFieldSet(nil, "tracing") {
		t.Fatal("empty path or nil map should be unset")
	}
}

func TestExpandHomeDir(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	cases := map[string]string{
		"":             "",
		"~":            "/home/tester",
		"~/x/y":        "/home/tester/x/y",
		"/abs/path":    "/abs/path",
		"  ~/spaced  ": "/home/tester/spaced",
		"rel/~":        "rel/~",
	}
	for in, want := range cases {
		if got := expandHomeDir(in); got != want {
			t.Errorf("expandHomeDir(%q) = %q, want %q", in, got, want)
		}
	}
}
