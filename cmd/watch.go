package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/output"
	"github.com/marcus/oq/internal/syncclient"
	"github.com/marcus/oq/internal/syncconfig"
	"github.com/spf13/cobra"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Sync continuously in the foreground",
	GroupID: "sync",
	Long: `Probes connectivity, syncs on reconnect, and runs periodic passes
while online. Stops on Ctrl-C; in-flight uploads finish first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		eng, monitor, reporter, err := buildEngine(store)
		if err != nil {
			return err
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			return err
		}
		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), deviceID)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reporter.Subscribe(func(s models.SyncStatus) {
			slog.Info("status",
				"online", s.IsOnline,
				"pending", s.PendingChanges,
				"syncing", s.IsSyncing,
				"conflicts", len(s.Conflicts))
		})

		go monitor.RunProbe(ctx, client, probeInterval())

		interval := watchInterval
		if interval <= 0 {
			cfg, cfgErr := syncconfig.LoadConfig()
			if cfgErr != nil {
				return cfgErr
			}
			interval = syncconfig.Duration(cfg.Sync.Interval, time.Minute)
		}

		output.Info("Watching (sync every %s, Ctrl-C to stop)", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				output.Info("Stopped")
				return nil
			case <-ticker.C:
				if _, err := eng.RunPass(ctx); err != nil {
					slog.Error("sync pass failed", "error", err)
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Time between sync passes (default from config, 1m)")
	rootCmd.AddCommand(watchCmd)
}
