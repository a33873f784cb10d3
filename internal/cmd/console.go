package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitwright/kosctl/internal/daemon"
	"github.com/orbitwright/kosctl/internal/session"
	"github.com/orbitwright/kosctl/internal/style"
	"github.com/orbitwright/kosctl/internal/telemetry"
)

var menuCmd = &cobra.Command{
	Use:     "menu",
	GroupID: GroupConsole,
	Short:   "List the CPUs offered by the telnet server",
	Long: `Open a fresh telnet connection, read the CPU selection menu and close it
without attaching. This never disturbs the daemon's session.`,
	Args: cobra.NoArgs,
	RunE: runMenu,
}

var healthCmd = &cobra.Command{
	Use:     "health",
	GroupID: GroupConsole,
	Short:   "Check that the attached CPU answers",
	Long: `Run a trivial command with the short health timeout. A CPU that does not
answer is reported as stale; the next command reconnects.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupConsole,
	Short:   "Show a summary of the active vessel",
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

var pingCmd = &cobra.Command{
	Use:     "ping",
	GroupID: GroupDaemon,
	Short:   "Check whether the daemon is running",
	Long:    `Ping the daemon without starting it. Exits non-zero when nothing answers.`,
	Args:    cobra.NoArgs,
	RunE:    runPing,
}

func init() {
	rootCmd.AddCommand(menuCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pingCmd)
}

func runMenu(cmd *cobra.Command, _ []string) error {
	mgr := newManager(cfg, nil, logger)
	entries, err := mgr.ReadMenu(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading CPU menu from %s: %w", cfg.Address(), err)
	}
	if flagJSON {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	printMenu(cmd.OutOrStdout(), entries, selector())
	return nil
}

func printMenu(w io.Writer, entries []session.MenuEntry, sel session.Selector) {
	if len(entries) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No CPUs available."))
		return
	}
	chosen, err := session.Select(entries, sel)
	for _, e := range entries {
		marker := " "
		if err == nil && e.ID == chosen.ID {
			marker = style.Success.Render("●")
		}
		label := e.Label
		if label == "" {
			label = style.Dim.Render("(untagged)")
		}
		fmt.Fprintf(w, "%s [%d] %s  %s %s\n", marker, e.ID, style.Bold.Render(label), e.Vessel, style.Dim.Render("("+e.Part+")"))
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	start := time.Now()
	err = b.Health(ctx)
	elapsed := time.Since(start)
	if flagJSON {
		out := map[string]any{"healthy": err == nil, "elapsed_ms": elapsed.Milliseconds()}
		if err != nil {
			out["error"] = err.Error()
		}
		if encErr := writeJSON(cmd.OutOrStdout(), out); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s CPU responding (%s)\n", style.SuccessPrefix, elapsed.Round(time.Millisecond))
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	vs, err := telemetry.QueryVesselStatus(ctx, b, cfg.Connection.CommandTimeout)
	if err != nil {
		return err
	}
	if flagJSON {
		return writeJSON(cmd.OutOrStdout(), vs)
	}
	printVesselStatus(cmd.OutOrStdout(), vs)
	return nil
}

func printVesselStatus(w io.Writer, vs telemetry.VesselStatus) {
	fmt.Fprintf(w, "%s %s\n", style.Bold.Render(vs.Name), style.Dim.Render(vs.Situation+" at "+vs.Body))
	fmt.Fprintf(w, "  Altitude   %12.0f m\n", vs.Altitude)
	fmt.Fprintf(w, "  Apoapsis   %12.0f m\n", vs.Apoapsis)
	fmt.Fprintf(w, "  Periapsis  %12.0f m\n", vs.Periapsis)
	fmt.Fprintf(w, "  Vert speed %12.1f m/s\n", vs.VerticalSpeed)
	fmt.Fprintf(w, "  Orb speed  %12.1f m/s\n", vs.OrbitalSpeed)
	fmt.Fprintf(w, "  Stage %d    %12.1f m/s  (total %.1f m/s)\n", vs.Stage, vs.StageDeltaV, vs.TotalDeltaV)
	if vs.HasNode {
		fmt.Fprintf(w, "  %s    %12.1f m/s in %s\n", style.Info.Render("Node"), vs.NodeDeltaV, (time.Duration(vs.NodeETA) * time.Second).String())
	} else {
		fmt.Fprintf(w, "  %s\n", style.Dim.Render("No maneuver node"))
	}
}

func runPing(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	client := daemon.NewClient(cfg.SocketPath())
	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		if isNotRunning(err) {
			return fmt.Errorf("no daemon at %s", client.Socket())
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s daemon answered in %s\n", style.SuccessPrefix, time.Since(start).Round(time.Microsecond))
	return nil
}
