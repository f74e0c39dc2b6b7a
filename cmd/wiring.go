package cmd

import (
	"time"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/engine"
	"github.com/marcus/oq/internal/netmon"
	"github.com/marcus/oq/internal/status"
	"github.com/marcus/oq/internal/syncclient"
	"github.com/marcus/oq/internal/syncconfig"
)

// openStore opens the local queue database and applies the configured
// capacity limit.
func openStore() (*db.DB, error) {
	store, err := db.Open(getBaseDir())
	if err != nil {
		return nil, err
	}
	if n := syncconfig.GetMaxItems(); n > 0 {
		store.SetMaxItems(n)
	}
	return store, nil
}

// buildEngine wires the store, sync client, connectivity monitor, and
// status reporter into a ready engine. The caller must Close the
// returned store.
func buildEngine(store *db.DB) (*engine.Engine, *netmon.Monitor, *status.Reporter, error) {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return nil, nil, nil, err
	}

	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), deviceID)

	debounce := syncconfig.Duration(cfg.Sync.Debounce, netmon.DefaultDebounce)
	monitor := netmon.New(true, debounce)
	reporter := status.NewReporter(store, monitor, status.DefaultWindow)

	engCfg := engine.DefaultConfig()
	if cfg.Sync.Retry.MaxAttempts > 0 {
		engCfg.MaxAttempts = cfg.Sync.Retry.MaxAttempts
	}
	if cfg.Sync.Retry.MaxGroups > 0 {
		engCfg.MaxGroups = cfg.Sync.Retry.MaxGroups
	}
	engCfg.BaseDelay = syncconfig.Duration(cfg.Sync.Retry.BaseDelay, engCfg.BaseDelay)
	engCfg.MaxDelay = syncconfig.Duration(cfg.Sync.Retry.MaxDelay, engCfg.MaxDelay)
	engCfg.ApplyTimeout = syncconfig.Duration(cfg.Sync.Retry.ApplyTimeout, engCfg.ApplyTimeout)

	eng := engine.New(store, client, monitor, reporter, engCfg)
	return eng, monitor, reporter, nil
}

// probeInterval returns the connectivity probe interval from config.
func probeInterval() time.Duration {
	cfg, err := syncconfig.LoadConfig()
	if err != nil || cfg.Sync.ProbeSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(cfg.Sync.ProbeSecs) * time.Second
}
