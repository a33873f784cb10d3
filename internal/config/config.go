// Package config provides kosctl configuration from files, environment and flags.
//
// Values are resolved in priority order: built-in defaults, then a TOML or
// YAML config file, then KOSCTL_* environment variables. Command-line flags
// are applied on top by the cmd package. The resulting Config is read-only
// after startup and is passed explicitly to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v2"
)

// Transport kinds.
const (
	TransportSocket = "socket"
	TransportTmux   = "tmux"
)

// ErrInvalidConfig is returned by Validate for impossible settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all kosctl settings.
type Config struct {
	Connection ConnectionConfig `toml:"connection" yaml:"connection"`
	Daemon     DaemonConfig     `toml:"daemon" yaml:"daemon"`
	Maneuver   ManeuverConfig   `toml:"maneuver" yaml:"maneuver"`
	Crash      CrashConfig      `toml:"crash" yaml:"crash"`

	// LogLevel controls log verbosity: debug, info, warn, error (env: KOSCTL_LOG_LEVEL).
	LogLevel string `toml:"log_level" yaml:"log_level"`
}

// ConnectionConfig describes how to reach the kOS telnet server.
type ConnectionConfig struct {
	// Host is the telnet server host (env: KOSCTL_HOST).
	Host string `toml:"host" yaml:"host"`

	// Port is the telnet server port (env: KOSCTL_PORT).
	Port int `toml:"port" yaml:"port"`

	// Transport is "socket" (default) or "tmux" (env: KOSCTL_TRANSPORT).
	Transport string `toml:"transport" yaml:"transport"`

	// TmuxSession names the tmux session used by the tmux transport.
	TmuxSession string `toml:"tmux_session" yaml:"tmux_session"`

	// TelnetCommand is the client run inside the tmux pane.
	TelnetCommand string `toml:"telnet_command" yaml:"telnet_command"`

	// CPUID selects a CPU by menu number; zero means unset (env: KOSCTL_CPU).
	CPUID int `toml:"cpu_id" yaml:"cpu_id"`

	// CPULabel selects a CPU by case-insensitive tag substring (env: KOSCTL_CPU_LABEL).
	CPULabel string `toml:"cpu_label" yaml:"cpu_label"`

	CommandTimeout time.Duration `toml:"command_timeout" yaml:"command_timeout"`
	ConnectTimeout time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	HealthTimeout  time.Duration `toml:"health_timeout" yaml:"health_timeout"`
	PollInterval   time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	KeepAlive      time.Duration `toml:"keep_alive" yaml:"keep_alive"`

	ReconnectAttempts int           `toml:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `toml:"reconnect_backoff" yaml:"reconnect_backoff"`
}

// DaemonConfig configures the shared-session daemon.
type DaemonConfig struct {
	// StateDir holds the socket, lock and log files (env: KOSCTL_STATE_DIR).
	StateDir string `toml:"state_dir" yaml:"state_dir"`

	// Socket overrides the Unix socket path (default: <StateDir>/kosctl.sock).
	Socket string `toml:"socket" yaml:"socket"`

	// FeedAddr is the loopback address of the websocket feed; empty disables it.
	FeedAddr string `toml:"feed_addr" yaml:"feed_addr"`

	// SpawnTimeout bounds how long a client waits for an auto-spawned daemon.
	SpawnTimeout time.Duration `toml:"spawn_timeout" yaml:"spawn_timeout"`

	// IdleCheck health-checks a session left unused this long before the
	// next command runs on it; zero disables.
	IdleCheck time.Duration `toml:"idle_check" yaml:"idle_check"`
}

// ManeuverConfig tunes maneuver node execution.
type ManeuverConfig struct {
	LeadTime         time.Duration `toml:"lead_time" yaml:"lead_time"`
	AlignThreshold   float64       `toml:"align_threshold" yaml:"align_threshold"`
	AlignTimeout     time.Duration `toml:"align_timeout" yaml:"align_timeout"`
	AlignStallWindow time.Duration `toml:"align_stall_window" yaml:"align_stall_window"`
	DeltaVThreshold  float64       `toml:"dv_threshold" yaml:"dv_threshold"`
	MaxAttempts      int           `toml:"max_attempts" yaml:"max_attempts"`
	BurnPollInterval time.Duration `toml:"burn_poll_interval" yaml:"burn_poll_interval"`
	BurnTimeout      time.Duration `toml:"burn_timeout" yaml:"burn_timeout"`
	StageThreshold   float64       `toml:"stage_threshold" yaml:"stage_threshold"`
	TimingCorrection bool          `toml:"timing_correction" yaml:"timing_correction"`
	WarpPollInterval time.Duration `toml:"warp_poll_interval" yaml:"warp_poll_interval"`
	WarpTimeout      time.Duration `toml:"warp_timeout" yaml:"warp_timeout"`
}

// CrashConfig tunes the crash-avoidance controller.
type CrashConfig struct {
	TargetAltitude float64       `toml:"target_altitude" yaml:"target_altitude"`
	StartAngle     float64       `toml:"start_angle" yaml:"start_angle"`
	FullAngle      float64       `toml:"full_angle" yaml:"full_angle"`
	PollInterval   time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	Timeout        time.Duration `toml:"timeout" yaml:"timeout"`
	StageThreshold float64       `toml:"stage_threshold" yaml:"stage_threshold"`
	TiltThreshold  float64       `toml:"tilt_threshold" yaml:"tilt_threshold"`
	Circularize    bool          `toml:"circularize" yaml:"circularize"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:              "127.0.0.1",
			Port:              5410,
			Transport:         TransportSocket,
			TmuxSession:       "kosctl",
			TelnetCommand:     "telnet",
			CommandTimeout:    30 * time.Second,
			ConnectTimeout:    10 * time.Second,
			HealthTimeout:     3 * time.Second,
			PollInterval:      50 * time.Millisecond,
			KeepAlive:         30 * time.Second,
			ReconnectAttempts: 3,
			ReconnectBackoff:  500 * time.Millisecond,
		},
		Daemon: DaemonConfig{
			StateDir:     defaultStateDir(),
			SpawnTimeout: 5 * time.Second,
			IdleCheck:    time.Minute,
		},
		Maneuver: ManeuverConfig{
			LeadTime:         60 * time.Second,
			AlignThreshold:   3,
			AlignTimeout:     60 * time.Second,
			AlignStallWindow: 10 * time.Second,
			DeltaVThreshold:  0.5,
			MaxAttempts:      3,
			BurnPollInterval: time.Second,
			BurnTimeout:      15 * time.Minute,
			StageThreshold:   5,
			TimingCorrection: true,
			WarpPollInterval: 2 * time.Second,
			WarpTimeout:      30 * time.Minute,
		},
		Crash: CrashConfig{
			TargetAltitude: 10000,
			StartAngle:     45,
			FullAngle:      10,
			PollInterval:   500 * time.Millisecond,
			Timeout:        5 * time.Minute,
			StageThreshold: 5,
			TiltThreshold:  20,
			Circularize:    true,
		},
		LogLevel: "info",
	}
}

// Load builds a Config from defaults, the optional file at path, and the
// environment. An empty path skips the file; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing yaml config %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing toml config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Connection.Host = envOr("KOSCTL_HOST", c.Connection.Host)
	c.Connection.Port = envIntOr("KOSCTL_PORT", c.Connection.Port)
	c.Connection.Transport = envOr("KOSCTL_TRANSPORT", c.Connection.Transport)
	c.Connection.TmuxSession = envOr("KOSCTL_TMUX_SESSION", c.Connection.TmuxSession)
	c.Connection.CPUID = envIntOr("KOSCTL_CPU", c.Connection.CPUID)
	c.Connection.CPULabel = envOr("KOSCTL_CPU_LABEL", c.Connection.CPULabel)
	c.Connection.CommandTimeout = envDurationOr("KOSCTL_COMMAND_TIMEOUT", c.Connection.CommandTimeout)
	c.Daemon.StateDir = envOr("KOSCTL_STATE_DIR", c.Daemon.StateDir)
	c.Daemon.Socket = envOr("KOSCTL_SOCKET", c.Daemon.Socket)
	c.Daemon.FeedAddr = envOr("KOSCTL_FEED_ADDR", c.Daemon.FeedAddr)
	c.LogLevel = envOr("KOSCTL_LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("KOSCTL_TIMING_CORRECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Maneuver.TimingCorrection = b
		}
	}
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	switch c.Connection.Transport {
	case TransportSocket, TransportTmux:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Connection.Transport)
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Connection.Port)
	}
	if c.Connection.CommandTimeout <= 0 {
		return fmt.Errorf("%w: command_timeout must be positive", ErrInvalidConfig)
	}
	if c.Connection.CPUID < 0 {
		return fmt.Errorf("%w: cpu_id must not be negative", ErrInvalidConfig)
	}
	if c.Crash.FullAngle >= c.Crash.StartAngle {
		return fmt.Errorf("%w: crash full_angle (%g) must be below start_angle (%g)",
			ErrInvalidConfig, c.Crash.FullAngle, c.Crash.StartAngle)
	}
	if c.Maneuver.MaxAttempts < 1 {
		return fmt.Errorf("%w: maneuver max_attempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Address returns host:port of the telnet server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Connection.Host, c.Connection.Port)
}

// SocketPath returns the daemon Unix socket path.
func (c *Config) SocketPath() string {
	if c.Daemon.Socket != "" {
		return c.Daemon.Socket
	}
	return filepath.Join(c.Daemon.StateDir, "kosctl.sock")
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kosctl")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".kosctl")
	}
	return filepath.Join(os.TempDir(), "kosctl")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
