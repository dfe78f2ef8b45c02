package commands

import (
	"fmt"
	"strings"

	"github.com/hanzch/qds/internal/ledger"
	"github.com/hanzch/qds/pkg/config"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the error ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd)
		if err != nil {
			return err
		}
		entries, err := l.List(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%-40s %-10s %-7s %-20s %6s\n", "Entry", "Source", "Kind", "Created", "Tasks")
		fmt.Println(strings.Repeat("-", 87))
		for _, e := range entries {
			fmt.Printf("%-40s %-10s %-7s %-20s %6d\n",
				e.Name, e.Source, e.Kind, e.Created.Format("2006-01-02 15:04:05"), e.Tasks)
		}
		fmt.Printf("\nTotal: %d entries\n", len(entries))
		return nil
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <ledger>",
	Short: "Print the tasks of a ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd)
		if err != nil {
			return err
		}
		tasks, err := l.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Println(t.String())
		}
		fmt.Printf("\nTotal: %d tasks\n", len(tasks))
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// openLedger needs only the configuration, not the backends
func openLedger(cmd *cobra.Command) (*ledger.Ledger, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return ledger.New(cfg.Sync.LedgerDir)
}
