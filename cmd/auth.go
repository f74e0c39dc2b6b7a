package cmd

import (
	"fmt"

	"github.com/marcus/oq/internal/output"
	"github.com/marcus/oq/internal/syncconfig"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync server credentials",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <api-key>",
	Short: "Store the API key for the sync server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			return err
		}
		if creds == nil {
			creds = &syncconfig.AuthCredentials{}
		}
		creds.APIKey = args[0]
		if err := syncconfig.SaveAuth(creds); err != nil {
			return err
		}
		output.Success("Credentials saved")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show auth and server configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			return err
		}
		key := syncconfig.GetAPIKey()
		state := "not logged in"
		if key != "" {
			state = "logged in"
		}
		fmt.Printf("server: %s\n", syncconfig.GetServerURL())
		fmt.Printf("auth:   %s\n", state)
		fmt.Printf("device: %s\n", deviceID)
		return nil
	},
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
