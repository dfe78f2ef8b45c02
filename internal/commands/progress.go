package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hanzch/qds/internal/app"
	"github.com/hanzch/qds/pkg/models"
	"github.com/spf13/cobra"
)

var (
	progressKind string
	progressCode string
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Inspect stored coverage",
}

var progressShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the covered date range of every code",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseDataKind(progressKind)
		if err != nil {
			return err
		}
		application, _, err := bootstrap(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer application.Close()

		m, err := application.Sync().Progress(cmd.Context(), kind)
		if err != nil {
			return err
		}
		codes := make([]string, 0, len(m))
		for code := range m {
			if progressCode == "" || code == progressCode {
				codes = append(codes, code)
			}
		}
		sort.Strings(codes)

		fmt.Printf("%-12s %-10s %-10s\n", "Code", "Start", "End")
		fmt.Println(strings.Repeat("-", 34))
		for _, code := range codes {
			rec := m[code]
			fmt.Printf("%-12s %-10s %-10s\n", code, models.FormatDate(rec.Start), models.FormatDate(rec.End))
		}
		fmt.Printf("\nTotal: %d codes\n", len(codes))
		return nil
	},
}

var progressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored coverage keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, _, err := bootstrap(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer application.Close()

		keys, err := application.Sync().ProgressKeys(cmd.Context())
		if err != nil {
			return err
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var progressResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop stored coverage so the next cycle refetches everything",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseDataKind(progressKind)
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset %s coverage without --yes", kind)
		}
		application, _, err := bootstrap(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer application.Close()

		return application.Sync().ResetProgress(cmd.Context(), kind)
	},
}

var progressVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare stored coverage with the rows in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseDataKind(progressKind)
		if err != nil {
			return err
		}
		application, _, err := bootstrap(cmd.Context(), app.Options{Store: true})
		if err != nil {
			return err
		}
		defer application.Close()

		var codes []string
		if progressCode != "" {
			codes = []string{progressCode}
		}
		checks, err := application.Sync().Verify(cmd.Context(), kind, codes)
		if err != nil {
			return err
		}

		fmt.Printf("%-12s %-19s %-10s %-10s %8s %s\n", "Code", "Covered", "First", "Last", "Rows", "OK")
		fmt.Println(strings.Repeat("-", 68))
		bad := 0
		for _, c := range checks {
			first, last := "-", "-"
			if c.Rows > 0 {
				first, last = models.FormatDate(c.StoredStart), models.FormatDate(c.StoredEnd)
			}
			if !c.Consistent {
				bad++
			}
			fmt.Printf("%-12s %-19s %-10s %-10s %8d %v\n", c.Code, c.Covered, first, last, c.Rows, c.Consistent)
		}
		fmt.Printf("\nTotal: %d codes, %d inconsistent\n", len(checks), bad)
		if bad > 0 {
			return fmt.Errorf("%d codes do not match the store", bad)
		}
		return nil
	},
}

func init() {
	progressCmd.PersistentFlags().StringVarP(&progressKind, "kind", "k", "day", "Data kind (day, minute, adj)")
	progressShowCmd.Flags().StringVar(&progressCode, "code", "", "Only this code")
	progressVerifyCmd.Flags().StringVar(&progressCode, "code", "", "Only this code")
	progressResetCmd.Flags().Bool("yes", false, "Confirm the reset")

	progressCmd.AddCommand(progressShowCmd)
	progressCmd.AddCommand(progressListCmd)
	progressCmd.AddCommand(progressResetCmd)
	progressCmd.AddCommand(progressVerifyCmd)
	rootCmd.AddCommand(progressCmd)
}
