package commands

import (
	"github.com/hanzch/qds/internal/app"
	"github.com/hanzch/qds/pkg/models"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <ledger>",
	Short: "Re-run the tasks of an error ledger entry",
	Long: `Re-run exactly the tasks recorded in an error ledger entry, bypassing gap
analysis. The entry is removed when every task succeeds; remaining failures
are written to a new entry.

The argument is an entry name as printed by "qds sync" or "qds ledger list",
or the path of the entry file.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	application, _, err := bootstrap(ctx, app.Options{Store: true, Notifier: true})
	if err != nil {
		return err
	}
	defer application.Close()

	summary, err := application.Sync().Replay(ctx, args[0])
	if summary != nil {
		printSummary(*summary)
	}
	if err != nil {
		return err
	}
	if summary.State == models.StateInterrupted {
		return interruptedError("replay", *summary)
	}
	return nil
}
