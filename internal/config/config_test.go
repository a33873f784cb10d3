package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kosctl.toml")
	body := `
log_level = "debug"

[connection]
host = "10.0.0.5"
port = 5411
cpu_label = "flight"
command_timeout = "45s"

[maneuver]
timing_correction = false
max_attempts = 2

[daemon]
idle_check = "5m"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Host != "10.0.0.5" || cfg.Connection.Port != 5411 {
		t.Errorf("address = %s, want 10.0.0.5:5411", cfg.Address())
	}
	if cfg.Connection.CPULabel != "flight" {
		t.Errorf("cpu_label = %q", cfg.Connection.CPULabel)
	}
	if cfg.Connection.CommandTimeout != 45*time.Second {
		t.Errorf("command_timeout = %s", cfg.Connection.CommandTimeout)
	}
	if cfg.Maneuver.TimingCorrection {
		t.Error("timing_correction should be disabled")
	}
	if cfg.Maneuver.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d", cfg.Maneuver.MaxAttempts)
	}
	if cfg.Daemon.IdleCheck != 5*time.Minute {
		t.Errorf("idle_check = %s", cfg.Daemon.IdleCheck)
	}
	// Untouched sections keep defaults.
	if cfg.Crash.StartAngle != 45 {
		t.Errorf("crash start angle = %g, want default 45", cfg.Crash.StartAngle)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kosctl.yaml")
	body := "connection:\n  host: ksp.local\n  transport: tmux\n  poll_interval: 100ms\ncrash:\n  target_altitude: 25000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Host != "ksp.local" {
		t.Errorf("host = %q", cfg.Connection.Host)
	}
	if cfg.Connection.Transport != TransportTmux {
		t.Errorf("transport = %q", cfg.Connection.Transport)
	}
	if cfg.Connection.PollInterval != 100*time.Millisecond {
		t.Errorf("poll_interval = %s", cfg.Connection.PollInterval)
	}
	if cfg.Crash.TargetAltitude != 25000 {
		t.Errorf("target_altitude = %g", cfg.Crash.TargetAltitude)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("KOSCTL_HOST", "env-host")
	t.Setenv("KOSCTL_PORT", "6000")
	t.Setenv("KOSCTL_CPU", "2")
	t.Setenv("KOSCTL_TIMING_CORRECTION", "false")
	t.Setenv("KOSCTL_COMMAND_TIMEOUT", "2m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address() != "env-host:6000" {
		t.Errorf("address = %s", cfg.Address())
	}
	if cfg.Connection.CPUID != 2 {
		t.Errorf("cpu id = %d", cfg.Connection.CPUID)
	}
	if cfg.Maneuver.TimingCorrection {
		t.Error("env should disable timing correction")
	}
	if cfg.Connection.CommandTimeout != 2*time.Minute {
		t.Errorf("command timeout = %s", cfg.Connection.CommandTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Connection.Transport = "serial" }},
		{"port zero", func(c *Config) { c.Connection.Port = 0 }},
		{"port too high", func(c *Config) { c.Connection.Port = 70000 }},
		{"zero timeout", func(c *Config) { c.Connection.CommandTimeout = 0 }},
		{"negative cpu", func(c *Config) { c.Connection.CPUID = -1 }},
		{"inverted ramp", func(c *Config) { c.Crash.FullAngle = 50 }},
		{"no attempts", func(c *Config) { c.Maneuver.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSocketPath(t *testing.T) {
	cfg := Default()
	cfg.Daemon.StateDir = "/run/kos"
	if got := cfg.SocketPath(); got != "/run/kos/kosctl.sock" {
		t.Errorf("SocketPath() = %q", got)
	}
	cfg.Daemon.Socket = "/tmp/custom.sock"
	if got := cfg.SocketPath(); got != "/tmp/custom.sock" {
		t.Errorf("SocketPath() override = %q", got)
	}
}
