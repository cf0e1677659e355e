package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort      = 5908
	DefaultRetries   = 10
	DefaultPanelAddr = "127.0.0.1:8765"
)

type Config struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Retries           int           `yaml:"retries"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendQueue         int           `yaml:"send_queue"`
	MaxLineBytes      int           `yaml:"max_line_bytes"`
	DBPath            string        `yaml:"db_path"`
	PanelAddr         string        `yaml:"panel_addr"`
	PanelToken        string        `yaml:"panel_token,omitempty"`
	LogLevel          string        `yaml:"log_level"`
	LogFile           string        `yaml:"log_file,omitempty"`

	ConfigPath string `yaml:"-"`
}

func Default() *Config {
	cfg := &Config{
		Port:              DefaultPort,
		Retries:           DefaultRetries,
		AttemptTimeout:    500 * time.Millisecond,
		SendTimeout:       500 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		SendQueue:         64,
		MaxLineBytes:      1 << 20,
		PanelAddr:         DefaultPanelAddr,
		LogLevel:          "info",
	}
	if dir, err := baseDir(); err == nil {
		cfg.ConfigPath = filepath.Join(dir, "config.yaml")
		cfg.DBPath = filepath.Join(dir, "macroremote.db")
	} else {
		cfg.ConfigPath = "macroremote.yaml"
		cfg.DBPath = "macroremote.db"
	}
	return cfg
}

func baseDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "macroremote"), nil
}

// Load returns the defaults overlaid with the YAML file at path. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		cfg.ConfigPath = path
	}
	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

// Parse loads the config file named by --config (or the default path),
// applies command-line overrides and validates the result. extra may add
// command specific flags to the same set. It returns the positional
// arguments; pflag.ErrHelp is passed through for the caller to handle.
func Parse(name string, args []string, extra func(*pflag.FlagSet)) (*Config, []string, error) {
	cfg, err := Load(configPathFromArgs(args))
	if err != nil {
		return nil, nil, err
	}

	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if extra != nil {
		extra(flagSet)
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, flagSet.Args(), nil
}

func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.ConfigPath, "config", c.ConfigPath, "path to the YAML config file")
	flagSet.StringVar(&c.Host, "host", c.Host, "default server host (host or host:port)")
	flagSet.IntVar(&c.Port, "port", c.Port, "base server port (1-65535)")
	flagSet.IntVar(&c.Retries, "retries", c.Retries, "ports to scan when no explicit port is given")
	flagSet.DurationVar(&c.AttemptTimeout, "attempt-timeout", c.AttemptTimeout, "timeout per connect attempt")
	flagSet.DurationVar(&c.SendTimeout, "send-timeout", c.SendTimeout, "how long a confirmed send waits for the write")
	flagSet.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "interval between heartbeat pings")
	flagSet.IntVar(&c.SendQueue, "send-queue", c.SendQueue, "frames buffered for the socket writer")
	flagSet.IntVar(&c.MaxLineBytes, "max-line-bytes", c.MaxLineBytes, "longest accepted inbound frame")
	flagSet.StringVar(&c.DBPath, "db", c.DBPath, "path to the local SQLite store")
	flagSet.StringVar(&c.PanelAddr, "panel-addr", c.PanelAddr, "listen address of the web panel")
	flagSet.StringVar(&c.PanelToken, "panel-token", c.PanelToken, "token browsers must pass as ?token= (empty disables the check)")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&c.LogFile, "log-file", c.LogFile, "write logs to this file instead of stderr")
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.Retries < 1 {
		return fmt.Errorf("invalid retries %d: must be at least 1", c.Retries)
	}
	for name, d := range map[string]time.Duration{
		"attempt_timeout":    c.AttemptTimeout,
		"send_timeout":       c.SendTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s %v: must be positive", name, d)
		}
	}
	if c.SendQueue < 1 {
		return fmt.Errorf("invalid send_queue %d: must be at least 1", c.SendQueue)
	}
	if c.MaxLineBytes < 64 {
		return fmt.Errorf("invalid max_line_bytes %d: must be at least 64", c.MaxLineBytes)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// Save writes the config back to ConfigPath, readable only by the owner.
func (c *Config) Save() error {
	return c.saveToFile()
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	path := c.ConfigPath
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.ConfigPath = path
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

func configPathFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
