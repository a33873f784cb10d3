package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitwright/kosctl/internal/daemon"
	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/lock"
	"github.com/orbitwright/kosctl/internal/style"
	"github.com/orbitwright/kosctl/internal/version"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupDaemon,
	Short:   "Manage the shared-session daemon",
	Long: `The daemon holds one telnet session to the kOS server and runs commands
from every kosctl invocation through it, one at a time in arrival order.
Other commands start it on demand, so these subcommands are rarely needed.

Subcommands:
  run     - Run the daemon in the foreground
  start   - Start the daemon in the background
  stop    - Ask the daemon to exit
  status  - Show daemon and session status`,
	RunE: requireSubcommand,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runDaemonRun,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonFeedAddr string

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	daemonRunCmd.Flags().StringVar(&daemonFeedAddr, "feed", "", "Websocket feed address (default: daemon.feed_addr)")
}

func runDaemonRun(cmd *cobra.Command, _ []string) error {
	bus := events.New()
	defer bus.Close()

	feed := cfg.Daemon.FeedAddr
	if cmd.Flags().Changed("feed") {
		feed = daemonFeedAddr
	}
	srv := daemon.NewServer(daemon.Config{
		Socket:          cfg.SocketPath(),
		StateDir:        cfg.Daemon.StateDir,
		FeedAddr:        feed,
		Manager:         newManager(cfg, bus, logger),
		Events:          bus,
		DefaultSelector: selector(),
		IdleCheck:       cfg.Daemon.IdleCheck,
		Logger:          logger,
	})
	if os.Getenv(daemon.EnvDetached) == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s daemon on %s (Ctrl-C to stop)\n", style.Info.Render("●"), cfg.SocketPath())
	}
	if err := srv.Run(cmd.Context()); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another daemon owns %s: %w", cfg.Daemon.StateDir, err)
		}
		return err
	}
	return nil
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	client := daemon.NewClient(cfg.SocketPath())
	if err := client.EnsureRunning(cmd.Context(), spawnDaemon, cfg.Daemon.SpawnTimeout); err != nil {
		return fmt.Errorf("%w (see %s)", err, daemonLogPath())
	}
	st, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s daemon running (PID %d)\n", style.SuccessPrefix, st.PID)
	return nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client := daemon.NewClient(cfg.SocketPath())
	if err := client.Shutdown(ctx); err != nil {
		if isNotRunning(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s daemon not running\n", style.Dim.Render("○"))
			return nil
		}
		return err
	}
	if err := waitStopped(ctx, client, 5*time.Second); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s daemon stopped\n", style.SuccessPrefix)
	return nil
}

// waitStopped polls until the daemon stops answering.
func waitStopped(ctx context.Context, client *daemon.Client, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := client.Ping(ctx); isNotRunning(err) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("daemon still answering after %s", wait)
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	client := daemon.NewClient(cfg.SocketPath())
	st, err := client.Status(cmd.Context())
	if err != nil {
		if !isNotRunning(err) {
			return err
		}
		lockState := lock.New(cfg.Daemon.StateDir).Status()
		if flagJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"running": false, "lock": lockState})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s daemon not running (lock: %s)\n", style.Dim.Render("○"), lockState)
		return nil
	}
	if flagJSON {
		return writeJSON(cmd.OutOrStdout(), st)
	}
	printDaemonStatus(cmd.OutOrStdout(), st)
	return nil
}

func printDaemonStatus(w io.Writer, st daemon.Status) {
	fmt.Fprintf(w, "%s daemon PID %d, up %s\n", style.Success.Render("●"), st.PID, time.Since(st.StartedAt).Round(time.Second))
	build := st.Version
	if st.Commit != "" {
		build += " (" + version.ShortCommit(st.Commit) + ")"
	}
	if daemonOutdated(st) {
		build += " " + style.Warning.Render("differs from this kosctl")
	}
	fmt.Fprintf(w, "  Build    %s\n", build)
	fmt.Fprintf(w, "  Socket   %s\n", st.Socket)
	if st.FeedAddr != "" {
		fmt.Fprintf(w, "  Feed     ws://%s/ws\n", st.FeedAddr)
	}

	s := st.Session
	if s.Connected {
		fmt.Fprintf(w, "  Session  %s [%d] %s on %s, attached %s ago\n", style.Success.Render("attached"),
			s.CPUID, style.Bold.Render(s.CPULabel), s.Vessel, time.Since(s.ConnectedAt).Round(time.Second))
	} else {
		fmt.Fprintf(w, "  Session  %s\n", style.Dim.Render("detached"))
	}

	m := st.Monitor
	health := string(m.Health())
	switch {
	case m.IsLooping:
		health = style.Error.Render(health) + fmt.Sprintf(" %q x%d", m.ErrorPattern, m.LoopCount)
	case m.HasErrors:
		health = style.Warning.Render(health) + fmt.Sprintf(" last: %s", m.LastError)
	default:
		health = style.Success.Render(health)
	}
	fmt.Fprintf(w, "  Console  %s, %d lines, %s\n", health, m.Lines, m.Activity)
	fmt.Fprintf(w, "  Events   %d published, %d dropped, %d watching\n",
		st.Events.EventsPublished, st.Events.EventsDropped, st.Events.SubscribersActive)
}
