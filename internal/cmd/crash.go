package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitwright/kosctl/internal/crash"
	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/style"
)

var (
	crashTarget    float64
	crashNoHandoff bool
	crashTimeout   time.Duration
	crashVerbose   bool
)

var crashCmd = &cobra.Command{
	Use:     "crash",
	GroupID: GroupFlight,
	Short:   "Climb away from an impact trajectory",
	Long: `Steer away from the ground and burn until the trajectory is safe.

Near the surface kosctl steers straight up and burns until climbing with
apoapsis above the target. In orbit it burns radially out until periapsis
clears the target. Throttle follows alignment with the escape vector, and
empty stages are dropped automatically.

Once safe, controls are released and a circularization burn at apoapsis is
planned and executed unless --no-handoff is given.

Examples:
  kosctl crash
  kosctl crash --target 20000
  kosctl --label lander crash --no-handoff`,
	Args: cobra.NoArgs,
	RunE: runCrash,
}

func init() {
	rootCmd.AddCommand(crashCmd)
	crashCmd.Flags().Float64Var(&crashTarget, "target", 0, "Safe altitude in metres (default: crash.target_altitude)")
	crashCmd.Flags().BoolVar(&crashNoHandoff, "no-handoff", false, "Do not circularize once safe")
	crashCmd.Flags().DurationVar(&crashTimeout, "timeout", 0, "Give up after this long (default: crash.timeout)")
	crashCmd.Flags().BoolVarP(&crashVerbose, "verbose", "v", false, "Also show console lines")
}

func runCrash(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	bus := events.New()
	defer bus.Close()
	b, err := openBackend(ctx, bus)
	if err != nil {
		return err
	}
	defer b.Close()

	crashCfg := cfg.Crash
	if crashTimeout > 0 {
		crashCfg.Timeout = crashTimeout
	}
	opts := []crash.Option{
		crash.WithEvents(bus),
		crash.WithLogger(logger),
		crash.WithCommandTimeout(cfg.Connection.CommandTimeout),
		crash.WithHandoff(crash.CircularizeWith(newManeuverExecutor(b, bus))),
	}
	if m := b.Monitor(); m != nil {
		opts = append(opts, crash.WithMonitor(m))
	}

	stop := func() {}
	if !flagJSON {
		stop = followEvents(bus, cmd.ErrOrStderr(), crashVerbose)
	}
	rep, err := crash.New(b, crashCfg, opts...).Run(ctx, crash.Options{
		TargetAltitude: crashTarget,
		NoHandoff:      crashNoHandoff,
	})
	stop()
	return reportCrash(cmd.OutOrStdout(), rep, err)
}

func reportCrash(w io.Writer, rep crash.Report, err error) error {
	if flagJSON {
		if encErr := writeJSON(w, rep); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	if rep.Outcome == crash.OutcomeAlreadySafe {
		fmt.Fprintf(w, "%s Already safe: periapsis %.0f m is above %.0f m\n", style.SuccessPrefix, rep.FinalLow, rep.Target)
		return nil
	}
	fmt.Fprintf(w, "%s Safe (%s, %s mode): low point %.0f m → %.0f m, %.1f m/s used, %d stage(s), %s\n",
		style.SuccessPrefix, rep.Trigger, rep.Mode, rep.InitialLow, rep.FinalLow,
		rep.DeltaVUsed, rep.StagesUsed, rep.Elapsed.Round(time.Second))
	if rep.HandoffError != "" {
		fmt.Fprintf(w, "%s Circularization failed: %s\n", style.WarningPrefix, rep.HandoffError)
	}
	return nil
}
