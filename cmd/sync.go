package cmd

import (
	"context"

	"github.com/marcus/oq/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run a single sync pass",
	GroupID: "sync",
	Long: `Replays pending mutations to the server, in order per entity.
Transient failures are retried with backoff on later passes; conflicts
are recorded for 'oq conflicts'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		eng, _, _, err := buildEngine(store)
		if err != nil {
			return err
		}

		result, err := eng.RunPass(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(result)
		}
		if result.Skipped {
			output.Warning("Sync skipped: %s", result.SkipReason)
			return nil
		}
		if result.Cancelled {
			output.Warning("Sync interrupted")
		}
		output.Success("Synced %d", result.Synced)
		if result.AutoResolved > 0 {
			output.Info("Auto-resolved %d conflict(s)", result.AutoResolved)
		}
		if result.Conflicted > 0 {
			output.Warning("%d conflict(s) need resolution (oq conflicts)", result.Conflicted)
		}
		if result.Failed > 0 {
			output.Error("%d permanently failed (oq retry)", result.Failed)
		}
		if result.Deferred > 0 {
			output.Info("%d deferred for retry", result.Deferred)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
