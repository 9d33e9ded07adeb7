// ABOUTME: Entry point for coven-sidecar, the local bridge between an IDE plugin and its agent
// ABOUTME: Prints SIDECAR_PORT=<port> on stdout once listening; everything else goes to stderr

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-sidecar/internal/agent"
	"github.com/2389/coven-sidecar/internal/config"
	"github.com/2389/coven-sidecar/internal/sidecar"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        ___(_) __| | ___  ___ __ _ _ __
 / __/ _ \ \ / / _ \ '_ \ _____/ __| |/ _' |/ _ \/ __/ _' | '__|
| (_| (_) \ V /  __/ | | |_____\__ \ | (_| |  __/ (_| (_| | |
 \___\___/ \_/ \___|_| |_|     |___/_|\__,_|\___|\___\__,_|_|
`

type options struct {
	configPath string
	mock       bool
	addr       string
	logLevel   string
	version    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("coven-sidecar", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("COVEN_SIDECAR_CONFIG"), "path to the YAML config file")
	flagSet.BoolVar(&opts.mock, "mock", false, "use the built-in mock agent instead of starting the agent process")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")
	flagSet.BoolVar(&opts.version, "version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Println(version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runServe(ctx, cfg, opts.configPath)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.mock {
		cfg.Agent.Mock = true
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Fprint(os.Stderr, banner)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	if configPath != "" {
		green.Fprint(os.Stderr, "    ▶ ")
		fmt.Fprintf(os.Stderr, "Config:    %s\n", configPath)
	}
	green.Fprint(os.Stderr, "    ▶ ")
	fmt.Fprintf(os.Stderr, "Listen:    %s\n", cfg.Server.Addr)
	green.Fprint(os.Stderr, "    ▶ ")
	if cfg.Agent.Mock {
		fmt.Fprint(os.Stderr, "Agent:     ")
		yellow.Fprintln(os.Stderr, "mock")
	} else {
		fmt.Fprintf(os.Stderr, "Agent:     %s\n", cfg.Agent.Command)
	}
	if cfg.Database.Path != "" {
		green.Fprint(os.Stderr, "    ▶ ")
		fmt.Fprintf(os.Stderr, "Ledger:    %s\n", cfg.Database.Path)
	}
	fmt.Fprintln(os.Stderr)

	client := newAgentClient(cfg, logger)

	sc, err := sidecar.New(sidecar.Options{
		Config: cfg,
		Client: client,
		Stdout: os.Stdout,
		Logger: logger,
	})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("creating sidecar: %w", err)
	}

	logger.Info("starting coven-sidecar", "version", version, "addr", cfg.Server.Addr, "mock", cfg.Agent.Mock)
	return sc.Run(ctx)
}

func newAgentClient(cfg *config.Config, logger *slog.Logger) agent.Client {
	if cfg.Agent.Mock {
		return agent.NewMockClient()
	}
	return agent.NewProcessClient(agent.ProcessConfig{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Env:            cfg.Agent.Env,
		Dir:            cfg.Agent.Dir,
		StartTimeout:   cfg.Agent.StartTimeout,
		RequestTimeout: cfg.Agent.RequestTimeout,
		Logger:         logger,
	})
}
