package cmd

import (
	"fmt"

	"github.com/marcus/oq/internal/output"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show lifetime queue accounting",
	GroupID: "system",
	Long: `Every enqueued mutation is accounted for: synced, discarded by an
explicit resolution, or still in the queue. The three never drift from
the enqueue total.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats()
		if err != nil {
			return err
		}
		counts, err := store.CountByStatus()
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(map[string]any{
				"totals":    stats,
				"by_status": counts,
			})
		}
		fmt.Printf("enqueued:  %d\n", stats["total_enqueued"])
		fmt.Printf("synced:    %d\n", stats["total_synced"])
		fmt.Printf("discarded: %d\n", stats["total_discarded"])
		for status, n := range counts {
			fmt.Printf("  %-11s %d\n", string(status)+":", n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
