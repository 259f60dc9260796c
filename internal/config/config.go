// Package config manages the on-disk JSON configuration for the
// updater: a single file in the platform config directory, loaded at
// startup and rewritten whole on change.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Config holds the updater's ambient preferences. None of these affect
// the correctness of the delta algorithm itself; they tune resource
// usage and where results land.
type Config struct {
	// OutputDirectory is where the reconstructed target file is written
	// before being swapped into place by the (out-of-scope) launcher
	// collaborator.
	OutputDirectory string `json:"output_directory"`

	// MaxParallelRequests bounds the range downloader's in-flight
	// request count; 0 means "use the default".
	MaxParallelRequests int `json:"max_parallel_requests"`

	// RetryAttempts is the per-range retry budget.
	RetryAttempts int `json:"retry_attempts"`

	// RequestTimeoutSecs bounds each HTTP request's overall timeout.
	RequestTimeoutSecs int `json:"request_timeout_secs"`

	// BandwidthLimitKBps throttles range-download throughput; 0 is
	// unlimited.
	BandwidthLimitKBps int `json:"bandwidth_limit_kbps"`

	// ProxyURL, when set, is used for all outbound HTTP requests.
	ProxyURL string `json:"proxy_url,omitempty"`

	// DebugLogging is persisted and shown by the CLI's config command;
	// neither entry point reads it when setting the log level (the
	// daemon uses its -debug flag).
	DebugLogging bool `json:"debug_logging"`

	configPath string
	mu         sync.RWMutex
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelRequests: 0,
		RetryAttempts:       3,
		RequestTimeoutSecs:  0,
		BandwidthLimitKBps:  0,
		DebugLogging:        false,
	}
}

// GetConfigDir returns the platform-specific configuration directory for
// the updater, creating it if necessary.
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".config")
		}
	}

	configDir := filepath.Join(baseDir, "appimageupdate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("config: create config directory: %w", err)
	}

	return configDir, nil
}

// GetDataDir returns the platform-specific data directory, used for the
// session-history database.
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, "appimageupdate")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("config: create data directory: %w", err)
	}

	return dataDir, nil
}

// Load loads the configuration from the default location, falling back
// to defaults (with OutputDirectory set to the current directory) when no
// config file exists yet.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(configDir, "config.json"))
}

// LoadFrom loads the configuration from a specific file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.OutputDirectory, _ = os.Getwd()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.configPath == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return err
		}
		c.configPath = filepath.Join(configDir, "config.json")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", c.configPath, err)
	}

	return nil
}

// Update applies fn under the config's lock and persists the result.
func (c *Config) Update(fn func(*Config)) error {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
	return c.Save()
}

// Parallelism returns MaxParallelRequests, falling back to the caller's
// default when unset.
func (c *Config) Parallelism(defaultValue int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.MaxParallelRequests > 0 {
		return c.MaxParallelRequests
	}
	return defaultValue
}
