package config

import (
	"os"

	"gopkg.in/yaml.v3"

	terrors "github.com/odvcencio/termium/pkg/errors"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return terrors.Wrap(err, terrors.ErrCodeConfigParse, "parsing YAML")
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return terrors.Wrap(err, terrors.ErrCodeConfigParse, "parsing YAML")
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Strings and numbers override
// when non-zero; booleans and lists only when present in raw.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Socket != "" {
		base.Server.Socket = override.Server.Socket
	}
	if override.Server.TCP != "" {
		base.Server.TCP = override.Server.TCP
	}
	if boolFieldSet(raw, "server", "metrics") {
		base.Server.Metrics = override.Server.Metrics
	}
	if override.Server.ShutdownTimeout != 0 {
		base.Server.ShutdownTimeout = override.Server.ShutdownTimeout
	}

	if override.Browser.Address != "" {
		base.Browser.Address = override.Browser.Address
	}
	if boolFieldSet(raw, "browser", "launch_fallback") {
		base.Browser.LaunchFallback = override.Browser.LaunchFallback
	}
	if override.Browser.BinPath != "" {
		base.Browser.BinPath = override.Browser.BinPath
	}
	if boolFieldSet(raw, "browser", "headless") {
		base.Browser.Headless = override.Browser.Headless
	}
	if boolFieldSet(raw, "browser", "no_sandbox") {
		base.Browser.NoSandbox = override.Browser.NoSandbox
	}
	if override.Browser.UserDataDir != "" {
		base.Browser.UserDataDir = override.Browser.UserDataDir
	}
	if boolFieldSet(raw, "browser", "flags") {
		base.Browser.Flags = append([]string{}, override.Browser.Flags...)
	}
	if boolFieldSet(raw, "browser", "wait_load") {
		base.Browser.WaitLoad = override.Browser.WaitLoad
	}
	if override.Browser.ReplacePolicy != "" {
		base.Browser.ReplacePolicy = override.Browser.ReplacePolicy
	}
	if override.Browser.ConnectTimeout != 0 {
		base.Browser.ConnectTimeout = override.Browser.ConnectTimeout
	}
	if override.Browser.CommandTimeout != 0 {
		base.Browser.CommandTimeout = override.Browser.CommandTimeout
	}
	if override.Browser.NavigationTimeout != 0 {
		base.Browser.NavigationTimeout = override.Browser.NavigationTimeout
	}

	if override.Stream.DefaultFPS != 0 {
		base.Stream.DefaultFPS = override.Stream.DefaultFPS
	}
	if override.Stream.MaxFPS != 0 {
		base.Stream.MaxFPS = override.Stream.MaxFPS
	}
	if override.Stream.Format != "" {
		base.Stream.Format = override.Stream.Format
	}
	if override.Stream.Quality != 0 {
		base.Stream.Quality = override.Stream.Quality
	}
	if override.Stream.BufferFrames != 0 {
		base.Stream.BufferFrames = override.Stream.BufferFrames
	}
	if override.Stream.Backpressure != "" {
		base.Stream.Backpressure = override.Stream.Backpressure
	}
	if override.Stream.Scope != "" {
		base.Stream.Scope = override.Stream.Scope
	}
	if override.Stream.CaptureTimeout != 0 {
		base.Stream.CaptureTimeout = override.Stream.CaptureTimeout
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}
	if override.Logging.File != "" {
		base.Logging.File = override.Logging.File
	}

	if boolFieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.File != "" {
		base.Tracing.File = override.Tracing.File
	}
}

func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
