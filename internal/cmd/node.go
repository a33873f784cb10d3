package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/maneuver"
	"github.com/orbitwright/kosctl/internal/style"
)

var (
	nodeNoWarp           bool
	nodeTimingCorrection bool
	nodeVerbose          bool
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	GroupID: GroupFlight,
	Short:   "Execute and manage maneuver nodes",
	RunE:    requireSubcommand,
}

var nodeExecCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute the next maneuver node",
	Long: `Execute the next maneuver node.

Checks that the current stage set has enough delta-v, aligns with the burn
vector, warps to just before the node, then runs the node executor and
verifies the remaining delta-v. An incomplete burn is retried up to
maneuver.max_attempts times. Steering and throttle are always released,
including on Ctrl-C.

Timing correction starts the burn half its duration early so it is
centred on the node.

Examples:
  kosctl node exec
  kosctl node exec --no-warp
  kosctl node exec --timing-correction=false`,
	Args: cobra.NoArgs,
	RunE: runNodeExec,
}

var nodeCircularizeCmd = &cobra.Command{
	Use:   "circularize",
	Short: "Plan a circularization node at apoapsis",
	Long: `Plan a node at apoapsis that raises periapsis to match. Use --execute to
fly it immediately.`,
	Args: cobra.NoArgs,
	RunE: runNodeCircularize,
}

var nodeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the next maneuver node",
	Args:  cobra.NoArgs,
	RunE:  runNodeClear,
}

var nodeCircularizeExecute bool

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeExecCmd)
	nodeCmd.AddCommand(nodeCircularizeCmd)
	nodeCmd.AddCommand(nodeClearCmd)

	for _, c := range []*cobra.Command{nodeExecCmd, nodeCircularizeCmd} {
		c.Flags().BoolVar(&nodeNoWarp, "no-warp", false, "Do not time-warp to the node")
		c.Flags().BoolVar(&nodeTimingCorrection, "timing-correction", true, "Centre the burn on the node")
		c.Flags().BoolVarP(&nodeVerbose, "verbose", "v", false, "Also show console lines")
	}
	nodeCircularizeCmd.Flags().BoolVar(&nodeCircularizeExecute, "execute", false, "Execute the planned node")
}

func requireSubcommand(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

// newManeuverExecutor wires an executor to b and a fresh event bus.
func newManeuverExecutor(b backend, bus *events.Bus) *maneuver.Executor {
	opts := []maneuver.Option{
		maneuver.WithEvents(bus),
		maneuver.WithLogger(logger),
		maneuver.WithCommandTimeout(cfg.Connection.CommandTimeout),
	}
	if m := b.Monitor(); m != nil {
		opts = append(opts, maneuver.WithMonitor(m))
	}
	return maneuver.New(b, cfg.Maneuver, opts...)
}

func nodeOptions(cmd *cobra.Command) maneuver.Options {
	opts := maneuver.Options{NoWarp: nodeNoWarp}
	if cmd.Flags().Changed("timing-correction") {
		tc := nodeTimingCorrection
		opts.TimingCorrection = &tc
	}
	return opts
}

func runNodeExec(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	bus := events.New()
	defer bus.Close()
	b, err := openBackend(ctx, bus)
	if err != nil {
		return err
	}
	defer b.Close()

	stop := func() {}
	if !flagJSON {
		stop = followEvents(bus, cmd.ErrOrStderr(), nodeVerbose)
	}
	rep, err := newManeuverExecutor(b, bus).ExecuteNode(ctx, nodeOptions(cmd))
	stop()
	return reportManeuver(cmd.OutOrStdout(), rep, err)
}

func reportManeuver(w io.Writer, rep maneuver.Report, err error) error {
	if flagJSON {
		if encErr := writeJSON(w, rep); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s Maneuver complete: %.2f m/s remaining after %d attempt(s) in %s\n",
		style.SuccessPrefix, rep.RemainingDV, rep.Attempts, rep.Elapsed.Round(time.Second))
	if rep.Staged {
		fmt.Fprintf(w, "  %s staged during burn\n", style.Dim.Render("•"))
	}
	if rep.TimingShift > 0 {
		fmt.Fprintf(w, "  %s burn started %.1fs early\n", style.Dim.Render("•"), rep.TimingShift)
	}
	return nil
}

func runNodeCircularize(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	bus := events.New()
	defer bus.Close()
	b, err := openBackend(ctx, bus)
	if err != nil {
		return err
	}
	defer b.Close()

	x := newManeuverExecutor(b, bus)
	dv, err := x.PlanCircularizeAtApoapsis(ctx)
	if err != nil {
		return err
	}
	if !nodeCircularizeExecute {
		if flagJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]float64{"delta_v": dv})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Planned circularization: %.1f m/s at apoapsis\n", style.SuccessPrefix, dv)
		return nil
	}

	stop := func() {}
	if !flagJSON {
		stop = followEvents(bus, cmd.ErrOrStderr(), nodeVerbose)
	}
	rep, err := x.ExecuteNode(ctx, nodeOptions(cmd))
	stop()
	return reportManeuver(cmd.OutOrStdout(), rep, err)
}

func runNodeClear(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := newManeuverExecutor(b, nil).ClearNode(ctx); err != nil {
		return err
	}
	if !flagJSON {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Node removed\n", style.SuccessPrefix)
	}
	return nil
}
