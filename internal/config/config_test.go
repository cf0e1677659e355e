package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadFromFileParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "host: studio.local\nport: 6000\nretries: 3\nattempt_timeout: 250ms\nheartbeat_interval: 2s\ndb_path: /tmp/custom/macroremote.db\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "studio.local" || cfg.Port != 6000 || cfg.Retries != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.AttemptTimeout != 250*time.Millisecond {
		t.Errorf("AttemptTimeout = %v, want 250ms", cfg.AttemptTimeout)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 2s", cfg.HeartbeatInterval)
	}
	if cfg.SendTimeout != 500*time.Millisecond {
		t.Errorf("SendTimeout = %v, want default 500ms", cfg.SendTimeout)
	}
	if cfg.DBPath != "/tmp/custom/macroremote.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != DefaultPort || cfg.Retries != DefaultRetries {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: [nope"), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil for malformed YAML")
	}
}

func TestParseFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 6000\nlog_level: warn\n"), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	var offline bool
	cfg, rest, err := Parse("list", []string{"--config", path, "--port=7000", "--offline", "desk"}, func(fs *pflag.FlagSet) {
		fs.BoolVar(&offline, "offline", false, "")
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want flag value 7000", cfg.Port)
	}
	if cfg.SlogLevel() != slog.LevelWarn {
		t.Errorf("SlogLevel() = %v, want WARN from file", cfg.SlogLevel())
	}
	if !offline {
		t.Error("extra flag not bound")
	}
	if len(rest) != 1 || rest[0] != "desk" {
		t.Errorf("positional args = %v, want [desk]", rest)
	}
}

func TestParsePassesHelpThrough(t *testing.T) {
	_, _, err := Parse("tui", []string{"--config", filepath.Join(t.TempDir(), "c.yaml"), "--help"}, nil)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("Parse(--help) error = %v, want pflag.ErrHelp", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"no retries", func(c *Config) { c.Retries = 0 }, "invalid retries"},
		{"zero timeout", func(c *Config) { c.SendTimeout = 0 }, "send_timeout"},
		{"tiny line cap", func(c *Config) { c.MaxLineBytes = 8 }, "max_line_bytes"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg.Host = "desk:5910"
	cfg.HeartbeatInterval = 3 * time.Second

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(cfg.ConfigPath)
	if err != nil {
		t.Fatalf("stat saved config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %v, want 0600", perm)
	}

	loaded, err := Load(cfg.ConfigPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Host != "desk:5910" || loaded.HeartbeatInterval != 3*time.Second {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestConfigPathFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--config", "a.yaml"}, "a.yaml"},
		{[]string{"--port", "1", "--config=b.yaml"}, "b.yaml"},
		{[]string{"--", "--config", "c.yaml"}, ""},
		{[]string{"--config"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := configPathFromArgs(tt.args); got != tt.want {
			t.Errorf("configPathFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
