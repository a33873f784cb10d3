// Package cmd implements the kosctl command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/orbitwright/kosctl/internal/config"
	"github.com/orbitwright/kosctl/internal/session"
	"github.com/orbitwright/kosctl/internal/style"
	"github.com/orbitwright/kosctl/internal/version"
)

// Command groups.
const (
	GroupConsole = "console"
	GroupFlight  = "flight"
	GroupDaemon  = "daemon"
)

var (
	cfgFile       string
	flagHost      string
	flagPort      int
	flagTransport string
	flagCPU       int
	flagLabel     string
	flagDirect    bool
	flagLogLevel  string
	flagJSON      bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kosctl",
	Short: "Drive kOS CPUs over the telnet console",
	Long: `kosctl sends kerboscript to a kOS CPU over its telnet console and
waits for each command to finish, so scripts and procedures can rely on
request/response semantics.

Commands go through a background daemon that holds one shared console
session; it starts on first use. Use --direct to skip the daemon and open
a private session for a single command.

Examples:
  kosctl menu                          # List CPUs on the server
  kosctl exec 'PRINT SHIP:ALTITUDE.'   # Run a command and print its output
  kosctl --label lander status         # Vessel summary from the lander CPU
  kosctl node exec                     # Execute the next maneuver node
  kosctl crash --target 15000          # Emergency climb to a safe orbit`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupConsole, Title: "Console Commands:"},
		&cobra.Group{ID: GroupFlight, Title: "Flight Procedures:"},
		&cobra.Group{ID: GroupDaemon, Title: "Daemon:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", os.Getenv("KOSCTL_CONFIG"), "Config file (.toml, .yaml)")
	pf.StringVar(&flagHost, "host", "", "Telnet server host")
	pf.IntVar(&flagPort, "port", 0, "Telnet server port")
	pf.StringVar(&flagTransport, "transport", "", "Transport: socket or tmux")
	pf.IntVar(&flagCPU, "cpu", 0, "Select CPU by menu number")
	pf.StringVar(&flagLabel, "label", "", "Select CPU by tag (case-insensitive substring)")
	pf.BoolVar(&flagDirect, "direct", false, "Open a private session instead of using the daemon")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&flagJSON, "json", false, "Output in JSON format")
}

// Execute runs the root command and returns the process exit code.
// Interrupts cancel the command context so procedures release the vessel's
// controls before exiting.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
		return 1
	}
	return 0
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlags(c, cmd.Flags())
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	if flagJSON {
		style.Disable()
	}
	logger = newLogger(c.LogLevel, os.Stderr)
	logger.Debug("config loaded", "file", cfgFile, "address", c.Address(), "transport", c.Connection.Transport, "version", version.Version)
	return nil
}

// applyFlags overlays explicitly set flags onto c.
func applyFlags(c *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("host") {
		c.Connection.Host = flagHost
	}
	if flags.Changed("port") {
		c.Connection.Port = flagPort
	}
	if flags.Changed("transport") {
		c.Connection.Transport = flagTransport
	}
	if flags.Changed("cpu") {
		c.Connection.CPUID = flagCPU
	}
	if flags.Changed("label") {
		c.Connection.CPULabel = flagLabel
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
}

// passthroughFlags are forwarded to an auto-spawned daemon.
var passthroughFlags = []string{"config", "host", "port", "transport", "cpu", "label", "log-level"}

// forwardedArgs renders the explicitly set passthrough flags.
func forwardedArgs(flags *pflag.FlagSet) []string {
	var args []string
	for _, name := range passthroughFlags {
		f := flags.Lookup(name)
		if f == nil || (!f.Changed && (name != "config" || f.Value.String() == "")) {
			continue
		}
		args = append(args, "--"+name+"="+f.Value.String())
	}
	return args
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func selector() session.Selector {
	return session.Selector{ID: cfg.Connection.CPUID, Label: cfg.Connection.CPULabel}
}
