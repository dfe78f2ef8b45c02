package commands

import (
	"fmt"
	"strings"

	"github.com/hanzch/qds/internal/app"
	"github.com/hanzch/qds/pkg/models"
	"github.com/spf13/cobra"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Manage the instrument directory",
	Long:  "Commands for refreshing and viewing the instrument directory kept in MySQL",
}

var updateSymbolsCmd = &cobra.Command{
	Use:   "update",
	Short: "Pull the source directory into MySQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, log, err := bootstrap(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer application.Close()

		n, err := application.Symbols().Update(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to update symbols: %w", err)
		}
		log.WithField("count", n).Info("Symbols updated")
		return nil
	},
}

var listSymbolsCmd = &cobra.Command{
	Use:   "list",
	Short: "List instruments",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, _, err := bootstrap(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer application.Close()

		mgr := application.Symbols()
		if err := mgr.Load(cmd.Context()); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		fmt.Printf("%-12s %-10s %-8s\n", "Code", "Listed", "Delisted")
		fmt.Println(strings.Repeat("-", 32))

		count := 0
		for _, inst := range mgr.All() {
			if inst.Delisted && !all {
				continue
			}
			if limit > 0 && count >= limit {
				break
			}
			listed := "-"
			if !inst.ListingDate.IsZero() {
				listed = models.FormatDate(inst.ListingDate)
			}
			fmt.Printf("%-12s %-10s %-8v\n", inst.Code, listed, inst.Delisted)
			count++
		}

		fmt.Printf("\nTotal: %d instruments\n", count)
		return nil
	},
}

func init() {
	listSymbolsCmd.Flags().Int("limit", 0, "Limit number of rows")
	listSymbolsCmd.Flags().Bool("all", false, "Include delisted instruments")

	symbolsCmd.AddCommand(updateSymbolsCmd)
	symbolsCmd.AddCommand(listSymbolsCmd)
	rootCmd.AddCommand(symbolsCmd)
}
