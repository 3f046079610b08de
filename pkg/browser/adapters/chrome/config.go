package chrome

import (
	"errors"
	"strings"
)

// Config controls how the Chrome adapter launches or attaches to a browser.
type Config struct {
	// BinPath is the Chrome binary. Empty lets the launcher find or
	// download one.
	BinPath     string
	Headless    bool
	NoSandbox   bool
	UserDataDir string
	// Flags are extra command-line switches such as "--disable-gpu" or
	// "--lang=en-US".
	Flags []string
	// WaitLoad makes Navigate wait for the load event.
	WaitLoad bool
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Headless: true,
		WaitLoad: true,
	}
}

func (c Config) withDefaults() Config {
	c.BinPath = strings.TrimSpace(c.BinPath)
	c.UserDataDir = strings.TrimSpace(c.UserDataDir)
	flags := make([]string, 0, len(c.Flags))
	for _, flag := range c.Flags {
		if flag = strings.TrimSpace(flag); flag != "" {
			flags = append(flags, flag)
		}
	}
	c.Flags = flags
	return c
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	for _, flag := range c.Flags {
		if strings.TrimLeft(flag, "-") == "" {
			return errors.New("flags must name a switch")
		}
	}
	return nil
}
