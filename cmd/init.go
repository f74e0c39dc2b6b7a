package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/output"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize the local mutation queue",
	Long:    `Creates the local .oq directory and SQLite queue database.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if _, err := os.Stat(filepath.Join(baseDir, ".oq")); err == nil {
			output.Warning(".oq/ already exists")
			return nil
		}

		store, err := db.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize queue: %v", err)
			return err
		}
		defer store.Close()

		fmt.Println("INITIALIZED .oq/")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
