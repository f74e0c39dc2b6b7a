package cmd

import (
	"fmt"
	"strconv"

	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/output"
	"github.com/marcus/oq/internal/resolver"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List unresolved sync conflicts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		conflicts, err := store.ListConflicts()
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			output.Info("No unresolved conflicts")
			return nil
		}
		for i := range conflicts {
			fmt.Println(output.Conflict(&conflicts[i]))
		}
		output.Info("Resolve with: oq resolve <id> keep-local|keep-remote")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <conflict-id> <keep-local|keep-remote>",
	Short:   "Resolve a conflict",
	GroupID: "sync",
	Long: `keep-local requeues the local mutation rebased onto the remote
version; keep-remote discards it. Either way the loss is recorded, not
silent.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conflict id %q", args[0])
		}
		var choice models.Resolution
		switch args[1] {
		case "keep-local", "keep_local":
			choice = models.ResolutionKeepLocal
		case "keep-remote", "keep_remote":
			choice = models.ResolutionKeepRemote
		default:
			return fmt.Errorf("invalid resolution %q (want keep-local or keep-remote)", args[1])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := resolver.ApplyResolution(store, id, choice); err != nil {
			return err
		}
		output.Success("Conflict #%d resolved: %s", id, choice)
		if choice == models.ResolutionKeepLocal {
			output.Info("Requeued; run 'oq sync' to push")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
}
