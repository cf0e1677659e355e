package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/user/macroremote/configs"
	"github.com/user/macroremote/internal/client"
	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/hub"
	"github.com/user/macroremote/internal/macro"
	"github.com/user/macroremote/internal/server"
	"github.com/user/macroremote/internal/tui"
)

var (
	oneShotTimeout time.Duration
	listOffline    bool
	listJSON       bool
	forgetServer   string
	forceInit      bool
)

var stdout io.Writer = os.Stdout

func oneShotFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&oneShotTimeout, "timeout", 10*time.Second, "give up after this long")
}

func init() {
	commands = []*command{
		{
			name:      "tui",
			summary:   "interactive terminal UI (default)",
			usage:     "tui [address]",
			run:       runTUI,
			logToFile: true,
		},
		{
			name:    "list",
			summary: "print the macro catalog of a server",
			usage:   "list [address] [--offline] [--json]",
			flags: func(fs *pflag.FlagSet) {
				oneShotFlags(fs)
				fs.BoolVar(&listOffline, "offline", false, "print the cached catalog without connecting")
				fs.BoolVar(&listJSON, "json", false, "print JSON instead of a table")
			},
			run: runList,
		},
		{
			name:    "run",
			summary: "start a macro and wait until it is running",
			usage:   "run <macro-id> [address]",
			flags:   oneShotFlags,
			run:     runMacro,
		},
		{
			name:    "stop",
			summary: "stop the running macro",
			usage:   "stop [address]",
			flags:   oneShotFlags,
			run:     runStop,
		},
		{
			name:    "servers",
			summary: "list servers connected to before",
			usage:   "servers [--forget address]",
			flags: func(fs *pflag.FlagSet) {
				fs.StringVar(&forgetServer, "forget", "", "remove this server and its cached catalog")
			},
			run: runServers,
		},
		{
			name:    "panel",
			summary: "serve the browser panel",
			usage:   "panel [address]",
			run:     runPanel,
		},
		{
			name:    "config",
			summary: "show the effective config, write an example with init, or persist flags with save",
			usage:   "config [init [--force] | save]",
			flags: func(fs *pflag.FlagSet) {
				fs.BoolVar(&forceInit, "force", false, "overwrite an existing config file")
			},
			run: runConfig,
		},
	}
}

func runTUI(ctx context.Context, a *app, args []string) error {
	address := a.cfg.Host
	if len(args) > 0 {
		address = args[0]
	}
	return tui.Run(ctx, a.client, address)
}

func runList(ctx context.Context, a *app, args []string) error {
	target, err := a.target(args)
	if err != nil {
		return err
	}

	var macros []macro.Macro
	if listOffline {
		var capturedAt time.Time
		macros, capturedAt, err = a.client.CachedCatalog(ctx, target)
		if errors.Is(err, client.ErrNoCache) {
			return fmt.Errorf("no cached catalog for %s", target.Address)
		}
		if err != nil {
			return err
		}
		if !listJSON {
			fmt.Fprintf(stdout, "cached %s\n", humanize.Time(capturedAt))
		}
	} else {
		ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
		defer cancel()
		macros, err = a.client.FetchCatalog(ctx, target)
		if errors.Is(err, client.ErrConnectFailed) {
			return fmt.Errorf("%w (use --offline for the cached catalog)", err)
		}
		if err != nil {
			return err
		}
	}

	if listJSON {
		return printCatalogJSON(stdout, macros)
	}
	printCatalog(stdout, macros)
	return nil
}

type macroJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Position    int    `json:"position"`
	Running     bool   `json:"running"`
}

func printCatalogJSON(w io.Writer, macros []macro.Macro) error {
	out := make([]macroJSON, len(macros))
	for i, m := range macros {
		out[i] = macroJSON{ID: m.ID, Name: m.Name, Description: m.Description, Position: m.Position, Running: m.Running()}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printCatalog(w io.Writer, macros []macro.Macro) {
	if len(macros) == 0 {
		fmt.Fprintln(w, "no macros")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\tSTATE")
	for _, m := range macros {
		state := "idle"
		if m.Running() {
			state = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Description, state)
	}
	tw.Flush()
}

func runMacro(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: macroremote run <macro-id> [address]")
	}
	id := args[0]
	target, err := a.target(args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()
	if err := a.client.RunMacro(ctx, target, id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s running on %s\n", id, target.Address)
	return nil
}

func runStop(ctx context.Context, a *app, args []string) error {
	target, err := a.target(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()
	if err := a.client.StopMacro(ctx, target); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stopped on %s\n", target.Address)
	return nil
}

func runServers(ctx context.Context, a *app, args []string) error {
	if a.store == nil {
		return fmt.Errorf("local store %s is unavailable", a.cfg.DBPath)
	}

	if forgetServer != "" {
		if err := a.store.Servers().Delete(ctx, forgetServer); err != nil {
			return fmt.Errorf("forget %s: %w", forgetServer, err)
		}
		fmt.Fprintf(stdout, "forgot %s\n", forgetServer)
		return nil
	}

	servers, err := a.client.RecentServers(ctx, 0)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Fprintln(stdout, "no servers yet")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tCONNECTS\tLAST CONNECTED\tREMOTE")
	for _, s := range servers {
		last := "never"
		if s.ConnectCount > 0 {
			last = humanize.Time(s.LastConnectedAt)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Address, s.ConnectCount, last, s.LastRemoteAddr)
	}
	return tw.Flush()
}

func runPanel(ctx context.Context, a *app, args []string) error {
	h := hub.New(a.cfg.PanelToken, a.logger)
	h.Watch(a.client.Session())
	a.client.Manager().AddDisconnectSubscriber(h)
	defer a.client.Manager().RemoveDisconnectSubscriber(h)

	connect := func(raw string) {
		target, err := a.client.ParseTarget(raw)
		if err != nil {
			h.BroadcastNotice("Invalid address: " + raw)
			return
		}
		h.BroadcastConnection(conn.StateConnecting, target.Address, nil)
		a.client.ConnectAsync(ctx, target, func(ok bool) {
			if ok {
				h.BroadcastConnection(conn.StateConnected, target.Address, nil)
				return
			}
			h.BroadcastConnection(a.client.Manager().State(), target.Address, client.ErrConnectFailed)
		})
	}
	h.SetOnConnect(connect)
	h.SetOnSendFailed(func(command string) {
		a.logger.Warn("ending session after failed send", "command", command)
		a.client.Disconnect()
	})

	srv, err := server.New(a.cfg, h, a.store, a.client.Manager().State, a.logger)
	if err != nil {
		return err
	}
	go h.Run(ctx)

	address := a.cfg.Host
	if len(args) > 0 {
		address = args[0]
	}
	if address != "" {
		connect(address)
	}

	url := "http://" + a.cfg.PanelAddr
	if a.cfg.PanelToken != "" {
		url += "?token=" + a.cfg.PanelToken
	}
	fmt.Fprintf(stdout, "\nmacroremote panel running at %s\n\n", url)
	return srv.Start(ctx)
}

func runConfig(ctx context.Context, a *app, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "init":
			return initConfig(a.cfg.ConfigPath)
		case "save":
			if err := a.cfg.Save(); err != nil {
				return fmt.Errorf("save %s: %w", a.cfg.ConfigPath, err)
			}
			fmt.Fprintf(stdout, "wrote %s\n", a.cfg.ConfigPath)
			return nil
		}
		return fmt.Errorf("unknown config action %q", args[0])
	}
	fmt.Fprintf(stdout, "# %s\n", a.cfg.ConfigPath)
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(a.cfg); err != nil {
		return err
	}
	return enc.Close()
}

func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, configs.Example, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}
