package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hanzch/qds/internal/app"
	"github.com/hanzch/qds/internal/services"
	"github.com/hanzch/qds/pkg/models"
	"github.com/spf13/cobra"
)

var (
	syncKind  string
	syncCodes string
	syncStart string
	syncEnd   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one incremental sync cycle",
	Long: `Fetch every date range not yet covered for the selected data kind.

Failed requests are written to the error ledger; the ledger entry name is
printed at the end so it can be replayed with "qds replay". Press Ctrl-C to
interrupt: coverage of finished requests is kept and every unfinished request
goes to the ledger.

Examples:
  # Daily bars for the whole universe up to the last finished trading day
  qds sync --kind day

  # Minute bars for two codes since the start of 2024
  qds sync --kind minute --codes 000001.SZ,600000.SH --start 20240101

  # Day, minute and adjustment factors in sequence
  qds sync --kind all`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVarP(&syncKind, "kind", "k", "day", "Data kind (day, minute, adj, all)")
	syncCmd.Flags().StringVar(&syncCodes, "codes", "", "Comma separated codes (default: whole universe)")
	syncCmd.Flags().StringVar(&syncStart, "start", "", "First day YYYYMMDD (default: source earliest date)")
	syncCmd.Flags().StringVar(&syncEnd, "end", "", "Last day YYYYMMDD (default: today)")

	rootCmd.AddCommand(syncCmd)
}

func parseCycleFlags() (services.CycleRequest, []models.DataKind, error) {
	var req services.CycleRequest
	var err error

	kinds := models.AllKinds
	if syncKind != "all" {
		kind, err := models.ParseDataKind(syncKind)
		if err != nil {
			return req, nil, err
		}
		kinds = []models.DataKind{kind}
	}

	if syncCodes != "" {
		for _, c := range strings.Split(syncCodes, ",") {
			if c = strings.TrimSpace(c); c != "" {
				req.Codes = append(req.Codes, strings.ToUpper(c))
			}
		}
	}
	if syncStart != "" {
		if req.Start, err = models.ParseDate(syncStart); err != nil {
			return req, nil, err
		}
	}
	if syncEnd != "" {
		if req.End, err = models.ParseDate(syncEnd); err != nil {
			return req, nil, err
		}
	}
	return req, kinds, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	req, kinds, err := parseCycleFlags()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	application, log, err := bootstrap(ctx, app.Options{Store: true, Notifier: true})
	if err != nil {
		return err
	}
	defer application.Close()

	log.WithField("kinds", kinds).Info("Starting sync")

	summaries, err := application.Sync().RunKinds(ctx, kinds, req)
	for _, s := range summaries {
		printSummary(s)
	}
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if s.State == models.StateInterrupted {
			return interruptedError("sync", s)
		}
	}
	return nil
}

// interruptedError names the ledger entry to resume from, if one was written
func interruptedError(op string, s models.SyncSummary) error {
	if s.Ledger == "" {
		return fmt.Errorf("%s interrupted after every task committed", op)
	}
	return fmt.Errorf("%s interrupted, resume with: qds replay %s", op, s.Ledger)
}

func printSummary(s models.SyncSummary) {
	fmt.Fprintf(os.Stdout, "%-7s %-11s planned=%d succeeded=%d failed=%d timed_out=%d duration=%s\n",
		s.Kind, s.State, s.Planned, s.Succeeded, s.Failed, s.TimedOut, s.Duration.Round(time.Millisecond))
	if s.Replayed != "" {
		fmt.Fprintf(os.Stdout, "        replayed %s\n", s.Replayed)
	}
	if s.Ledger != "" {
		fmt.Fprintf(os.Stdout, "        error ledger: %s\n", s.Ledger)
	}
}
