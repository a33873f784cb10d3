package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/style"
)

var (
	execTimeout time.Duration
	execNoWait  bool
)

var execCmd = &cobra.Command{
	Use:     "exec [script]",
	GroupID: GroupConsole,
	Short:   "Run a command on the CPU and wait for it to finish",
	Long: `Run kerboscript on the selected CPU.

The command is wrapped so its completion can be detected; kosctl prints the
output once the CPU reports it finished. With "-" or no argument the script
is read from stdin.

--no-wait sends the command without waiting, for commands that end the
session (REBOOT., SHUTDOWN.) or never return.

Examples:
  kosctl exec 'PRINT SHIP:ALTITUDE.'
  kosctl exec --timeout 2m 'RUNPATH("0:/launch").'
  echo 'LIST FILES.' | kosctl exec
  kosctl exec --no-wait 'REBOOT.'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "Command timeout (default: connection.command_timeout)")
	execCmd.Flags().BoolVar(&execNoWait, "no-wait", false, "Send without waiting for completion")
}

func runExec(cmd *cobra.Command, args []string) error {
	script, err := readScript(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBackend(ctx, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if execNoWait {
		if err := b.Detach(ctx, script); err != nil {
			return err
		}
		if !flagJSON {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s sent\n", style.SuccessPrefix)
		}
		return nil
	}

	res, err := b.Execute(ctx, script, execTimeout)
	if flagJSON {
		if encErr := writeJSON(cmd.OutOrStdout(), res); encErr != nil {
			return encErr
		}
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return err
}

// readScript takes the script from args or, for "-" or no args, stdin.
func readScript(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		script := strings.TrimSpace(args[0])
		if script == "" {
			return "", fmt.Errorf("empty script")
		}
		return script, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading script from stdin: %w", err)
	}
	script := strings.TrimSpace(string(data))
	if script == "" {
		return "", fmt.Errorf("empty script on stdin")
	}
	return script, nil
}

// printResult writes the command output; failures are reported by Execute.
func printResult(w io.Writer, res protocol.Result) {
	if res.Output != "" {
		fmt.Fprintln(w, res.Output)
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// writeJSONLine writes v as a single compact line.
func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
