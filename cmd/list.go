package cmd

import (
	"fmt"

	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/output"
	"github.com/spf13/cobra"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued mutations",
	GroupID: "queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.List()
		if err != nil {
			return err
		}
		if listStatus != "" {
			filtered := items[:0]
			for _, it := range items {
				if it.Status == models.ItemStatus(listStatus) {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}

		if jsonOutput {
			return output.JSON(items)
		}
		if len(items) == 0 {
			output.Info("Queue is empty")
			return nil
		}
		for i := range items {
			fmt.Println(output.Item(&items[i]))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, in_flight, synced, failed, conflicted)")
	rootCmd.AddCommand(listCmd)
}
