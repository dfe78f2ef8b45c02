package commands

import (
	"fmt"

	"github.com/hanzch/qds/internal/app"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print sync events published on NATS",
	Long:  "Subscribe to sync.progress, sync.error and sync.complete events of the configured source (NATS_ENABLED must be set).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		application, _, err := bootstrap(ctx, app.Options{Notifier: true})
		if err != nil {
			return err
		}
		defer application.Close()

		nc := application.NATS()
		if nc == nil {
			return fmt.Errorf("NATS is not enabled or unreachable")
		}
		all, _ := cmd.Flags().GetBool("all-sources")
		source := application.Sync().Source()
		if all {
			source = ""
		}
		if err := nc.SubscribeSync(source, func(subject string, data []byte) {
			fmt.Printf("%s %s\n", subject, data)
		}); err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().Bool("all-sources", false, "Print events of every source")
	rootCmd.AddCommand(watchCmd)
}
