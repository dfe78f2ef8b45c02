package commands

import (
	"context"
	"time"

	"github.com/hanzch/qds/internal/app"
	"github.com/spf13/cobra"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operations API",
	Long: `Serve the operations API:

  GET  /api/v1/health               dependency health
  GET  /api/v1/status               running kinds and last summaries
  GET  /api/v1/progress/{kind}      stored coverage (?code= to filter)
  GET  /api/v1/progress/{kind}/verify coverage checked against the store
  GET  /api/v1/ledger               error ledger entries
  POST /api/v1/ledger/{name}/replay replay an entry (?wait=true to block)
  POST /api/v1/sync/{kind}          run a cycle (?wait=true to block)

On SIGINT or SIGTERM running cycles are interrupted and write their ledger
entries before the process exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Server port (default SERVER_PORT)")
	serveCmd.Flags().StringVarP(&serveHost, "host", "H", "", "Server host (default SERVER_HOST)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	application, log, err := bootstrap(ctx, app.Options{Store: true, Notifier: true})
	if err != nil {
		return err
	}
	application.OverrideServer(serveHost, servePort)
	application.StartServer()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Shutdown error")
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
