// Package syncconfig loads the global oq configuration from
// ~/.config/oq/: server settings in config.json, credentials in
// auth.json. Environment variables (OQ_*) override file values.
package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RetryConfig holds the orchestrator's retry policy knobs. Zero values
// fall back to engine defaults.
type RetryConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`    // duration string, default "1s"
	MaxDelay     string `json:"max_delay,omitempty"`     // duration string, default "5m"
	MaxGroups    int    `json:"max_groups,omitempty"`    // concurrent entity groups
	ApplyTimeout string `json:"apply_timeout,omitempty"` // per remote call
}

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	URL       string      `json:"url"`
	MaxItems  int         `json:"max_items,omitempty"` // queue capacity
	Retry     RetryConfig `json:"retry"`
	Debounce  string      `json:"debounce,omitempty"` // reconnect coalescing window
	Interval  string      `json:"interval,omitempty"` // watch-mode pass interval
	ProbeSecs int         `json:"probe_seconds,omitempty"`
}

// Config is the global oq config stored at ~/.config/oq/config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
}

// AuthCredentials stores authentication state at ~/.config/oq/auth.json.
type AuthCredentials struct {
	APIKey   string `json:"api_key"`
	DeviceID string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns ~/.config/oq, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "oq")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config. A missing file yields defaults.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads credentials. Returns nil when not logged in.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes credentials with 0600 perms.
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// GetServerURL returns the sync server URL.
// Priority: OQ_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("OQ_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAPIKey returns the API key.
// Priority: OQ_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("OQ_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// GetMaxItems returns the queue capacity, 0 meaning the store default.
// Priority: OQ_MAX_ITEMS env > config.json.
func GetMaxItems() int {
	if v := os.Getenv("OQ_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.MaxItems > 0 {
		return cfg.Sync.MaxItems
	}
	return 0
}

// GetDeviceID returns the device ID, generating and persisting one on
// first use so every apply this device sends is attributable.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}

	id, err := generateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// generateDeviceID creates a new random device ID (16 bytes hex).
func generateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Duration parses a duration field, returning fallback when the field is
// empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
