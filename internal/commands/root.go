package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanzch/qds/internal/app"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qds",
	Short: "Incremental market data sync",
	Long: `qds keeps a local columnar store of daily bars, minute bars and
adjustment factors in step with an upstream vendor.

Each cycle fetches only the date ranges not yet covered, runs the requests
on a bounded worker pool and records every failed request in an error
ledger that can be replayed later.`,
	Version:       "0.4.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// bootstrap loads configuration, sets up logging and initializes the app
func bootstrap(ctx context.Context, opts app.Options) (*app.App, *logrus.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	application := app.New(cfg, log)
	if err := application.Initialize(ctx, opts); err != nil {
		application.Close()
		return nil, nil, err
	}
	return application, log, nil
}
