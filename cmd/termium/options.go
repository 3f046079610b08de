package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/odvcencio/termium/pkg/config"
)

// debugFlag is set by a bare -debug or by -debug=FILE, which also sends
// logs to FILE.
type debugFlag struct {
	enabled bool
	file    string
}

func (d *debugFlag) String() string {
	if d == nil || !d.enabled {
		return ""
	}
	if d.file != "" {
		return d.file
	}
	return "true"
}

func (d *debugFlag) Set(v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "1":
		d.enabled = true
	case "false", "0":
		d.enabled, d.file = false, ""
	default:
		d.enabled, d.file = true, v
	}
	return nil
}

func (d *debugFlag) IsBoolFlag() bool { return true }

type globalOptions struct {
	configPath string
	browser    string
	tcp        string
	socket     string
	metrics    bool
	metricsSet bool
	debug      debugFlag
	args       []string
}

func parseGlobalOptions(args []string, stderr io.Writer) (*globalOptions, error) {
	opts := &globalOptions{}
	fs := newGlobalFlagSet(opts, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "metrics" {
			opts.metricsSet = true
		}
	})
	opts.args = fs.Args()
	return opts, nil
}

func newGlobalFlagSet(opts *globalOptions, w io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("termium", flag.ContinueOnError)
	fs.SetOutput(w)
	fs.Usage = func() { printUsage(w, fs) }

	fs.StringVar(&opts.configPath, "config", "", "path to a config file (default: ~/.termium and ./.termium)")
	fs.StringVar(&opts.browser, "browser", "", "attach to a running browser at host:port instead of launching one")
	fs.StringVar(&opts.tcp, "tcp", "", "use TCP host:port instead of the Unix socket")
	fs.StringVar(&opts.socket, "socket", "", "Unix socket path (default "+config.DefaultSocketPath+")")
	fs.BoolVar(&opts.metrics, "metrics", false, "expose Prometheus metrics at /metrics (serve)")
	fs.Var(&opts.debug, "debug", "enable debug logging; -debug=FILE also appends logs to FILE")
	return fs
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromPath(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply lets command-line flags override file and environment settings.
func (o *globalOptions) apply(cfg *config.Config) {
	if o.browser != "" {
		cfg.Browser.Address = o.browser
	}
	if o.tcp != "" {
		cfg.Server.TCP = o.tcp
	}
	if o.socket != "" {
		cfg.Server.Socket = o.socket
		if o.tcp == "" {
			cfg.Server.TCP = ""
		}
	}
	if o.metricsSet {
		cfg.Server.Metrics = o.metrics
	}
	if o.debug.enabled {
		cfg.Logging.Level = "debug"
		if o.debug.file != "" {
			cfg.Logging.File = o.debug.file
		}
	}
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `Usage: termium [flags] <command> [args]

Commands:
  serve                      run the browser control server
  open                       open a new tab and make it active
  close                      close the active tab
  viewport WIDTH HEIGHT      resize the active tab
  click X Y                  click at page coordinates
  type TEXT                  insert text into the focused element
  goto URL                   navigate the active tab
  screenshot [-o FILE]       save a PNG of the active tab
  stream [-fps N] [-n COUNT] [-dir DIR]
                             save streamed JPEG frames
  status                     show browser and stream state
  view [-fps N] [-new-tab]   watch and drive the active tab in the terminal

Flags:
`)
	fs.PrintDefaults()
}
