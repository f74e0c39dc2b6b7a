package cmd

import (
	"github.com/marcus/oq/internal/output"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:     "retry [item-id]",
	Short:   "Requeue failed mutations",
	GroupID: "queue",
	Long: `Marks a permanently failed item pending again so the next sync pass
retries it. With no argument, requeues all failed items.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			if err := store.RetryItem(args[0]); err != nil {
				return err
			}
			output.Success("Requeued %s", args[0])
			return nil
		}

		n, err := store.RetryFailed()
		if err != nil {
			return err
		}
		if n == 0 {
			output.Info("No failed items")
			return nil
		}
		output.Success("Requeued %d failed item(s)", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
