package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/user/macroremote/internal/client"
	"github.com/user/macroremote/internal/config"
	"github.com/user/macroremote/internal/db"
)

type command struct {
	name    string
	summary string
	usage   string
	flags   func(*pflag.FlagSet)
	run     func(ctx context.Context, a *app, args []string) error
	// logToFile keeps stderr clean for full-screen commands.
	logToFile bool
}

var commands []*command

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cmd := lookup("tui")
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return nil
		}
		if c := lookup(args[0]); c != nil {
			cmd = c
			args = args[1:]
		}
	}

	cfg, positional, err := config.Parse("macroremote "+cmd.name, args, cmd.flags)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, closeLog, err := newLogger(cfg, cmd.logToFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return cmd.run(ctx, a, positional)
}

func lookup(name string) *command {
	for _, c := range commands {
		if c.name == name {
			return c
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "macroremote controls macros on a remote macro server.\n\nUsage:\n  macroremote [command] [flags] [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nRun \"macroremote <command> --help\" for the flags of a command.\n")
}

// newLogger builds the process logger. Full-screen commands log to
// cfg.LogFile, or macroremote.log next to the config file.
func newLogger(cfg *config.Config, toFile bool) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	path := cfg.LogFile
	if path == "" && toFile {
		path = filepath.Join(filepath.Dir(cfg.ConfigPath), "macroremote.log")
	}
	if path == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, opts)), func() { f.Close() }, nil
}

// app bundles what every command needs. The store is optional: a broken
// database only costs the recent server list and the catalog cache.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *db.DB
	client *client.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Warn("local store unavailable", "path", cfg.DBPath, "error", err)
		store = nil
	}

	c := client.New(cfg, store, logger)
	c.Start()
	return &app{cfg: cfg, logger: logger, store: store, client: c}, nil
}

func (a *app) close() {
	a.client.Disconnect()
	a.client.Shutdown()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}
}

// target resolves the first positional argument, falling back to the
// configured host.
func (a *app) target(args []string) (client.Target, error) {
	raw := a.cfg.Host
	if len(args) > 0 {
		raw = args[0]
	}
	if raw == "" {
		return client.Target{}, errors.New("no server address: pass one or set host in the config")
	}
	return a.client.ParseTarget(raw)
}
