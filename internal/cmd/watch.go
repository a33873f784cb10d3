package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orbitwright/kosctl/internal/daemon"
	"github.com/orbitwright/kosctl/internal/events"
)

var (
	watchAddr  string
	watchLines bool
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: GroupDaemon,
	Short:   "Stream live events from the daemon",
	Long: `Follow the daemon's websocket feed until interrupted.

The feed must be enabled with daemon.feed_addr (or "daemon run --feed").

Examples:
  kosctl watch            # Sessions, commands and procedure phases
  kosctl watch --lines    # Also every console line
  kosctl watch --json     # One JSON event per line`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "Feed address (default: ask the daemon)")
	watchCmd.Flags().BoolVar(&watchLines, "lines", false, "Show console lines and command completions")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	addr := watchAddr
	if addr == "" {
		st, err := daemon.NewClient(cfg.SocketPath()).Status(ctx)
		if err != nil {
			return err
		}
		if st.FeedAddr == "" {
			return errors.New("daemon feed is disabled; set daemon.feed_addr")
		}
		addr = st.FeedAddr
	}

	out := cmd.OutOrStdout()
	return daemon.Watch(ctx, addr, func(e events.Event) bool {
		if flagJSON {
			return writeJSONLine(out, e) == nil
		}
		if line := formatEvent(e, watchLines); line != "" {
			fmt.Fprintln(out, line)
		}
		return true
	})
}
