package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/oq/internal/output"
	"github.com/marcus/oq/internal/syncclient"
	"github.com/marcus/oq/internal/syncconfig"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show queue depth, connectivity, and conflicts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		_, monitor, reporter, err := buildEngine(store)
		if err != nil {
			return err
		}

		// One-shot probe so the reported connectivity is real, not
		// the monitor's optimistic initial state.
		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		monitor.SetOnline(client.Ping(ctx) == nil)
		cancel()

		s := reporter.Current()
		if jsonOutput {
			return output.JSON(s)
		}
		fmt.Print(output.Status(s))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
