// Package config loads and watches driversync configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	// Driver identifies the logged-in driver; required.
	Driver DriverConfig `mapstructure:"driver"`

	// Server describes the sync backend.
	Server ServerConfig `mapstructure:"server"`

	// Sync tunes the engine.
	Sync SyncConfig `mapstructure:"sync"`

	// Storage tunes the local store and retention.
	Storage StorageConfig `mapstructure:"storage"`

	// Location tunes the GPS recorder.
	Location LocationConfig `mapstructure:"location"`

	// Feed tunes the local status surface.
	Feed FeedConfig `mapstructure:"feed"`

	// Log tunes logging output.
	Log LogConfig `mapstructure:"log"`
}

// DriverConfig identifies the driver and work period.
type DriverConfig struct {
	ID string `mapstructure:"id"`

	// Day is the work period in YYYY-MM-DD form; empty means today.
	Day string `mapstructure:"day"`
}

// ServerConfig describes the sync backend endpoints.
type ServerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	HealthURL string `mapstructure:"health_url"`
	AuthToken string `mapstructure:"auth_token"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PushBatchSize     int           `mapstructure:"push_batch_size"`
	RoundTimeout      time.Duration `mapstructure:"round_timeout"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ConfirmDelay      time.Duration `mapstructure:"confirm_delay"`
	SafetyNetInterval time.Duration `mapstructure:"safety_net_interval"`
}

// StorageConfig tunes the store and retention manager.
type StorageConfig struct {
	// Path is the SQLite database file; empty means a per-user default.
	Path string `mapstructure:"path"`

	QuotaBytes int64         `mapstructure:"quota_bytes"`
	SyncedTTL  time.Duration `mapstructure:"synced_ttl"`
	SampleTTL  time.Duration `mapstructure:"sample_ttl"`
}

// LocationConfig tunes the GPS recorder.
type LocationConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Interval             time.Duration `mapstructure:"interval"`
	LowBatteryMultiplier int           `mapstructure:"low_battery_multiplier"`
}

// FeedConfig tunes the status feed server.
type FeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// File enables rotating file output when non-empty.
	File string `mapstructure:"file"`

	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// setDefaults registers every default with viper so config files only
// need to name what they change.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.health_url", "")

	v.SetDefault("sync.push_batch_size", 10)
	v.SetDefault("sync.round_timeout", 30*time.Second)
	v.SetDefault("sync.probe_interval", 15*time.Second)
	v.SetDefault("sync.confirm_delay", 3*time.Second)
	v.SetDefault("sync.safety_net_interval", 60*time.Second)

	v.SetDefault("storage.quota_bytes", int64(64<<20))
	v.SetDefault("storage.synced_ttl", 24*time.Hour)
	v.SetDefault("storage.sample_ttl", 7*24*time.Hour)

	v.SetDefault("location.enabled", true)
	v.SetDefault("location.interval", 30*time.Second)
	v.SetDefault("location.low_battery_multiplier", 4)

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.port", 7411)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Load reads configuration from the given file (optional), the standard
// search paths, and DRIVERSYNC_* environment variables.
func Load(file string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("driversync")
	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/driversync")
	}

	v.SetEnvPrefix("DRIVERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine unless one was named explicitly;
		// defaults and env vars carry the rest.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || file != "" {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch re-reads the config on file changes and hands the new value to
// onChange. Only a subset of settings apply live; the callback decides.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Sync.PushBatchSize < 1 {
		return fmt.Errorf("sync.push_batch_size must be at least 1, got %d", c.Sync.PushBatchSize)
	}
	if c.Sync.RoundTimeout <= 0 {
		return fmt.Errorf("sync.round_timeout must be positive, got %v", c.Sync.RoundTimeout)
	}
	if c.Storage.QuotaBytes < 1<<20 {
		return fmt.Errorf("storage.quota_bytes must be at least 1 MiB, got %d", c.Storage.QuotaBytes)
	}
	if c.Feed.Enabled && (c.Feed.Port < 1 || c.Feed.Port > 65535) {
		return fmt.Errorf("feed.port out of range: %d", c.Feed.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}

// PartitionPrefix names the storage partition for this driver and day.
func (c *Config) PartitionPrefix(today func() time.Time) string {
	day := c.Driver.Day
	if day == "" {
		day = today().Format("2006-01-02")
	}
	return c.Driver.ID + "/" + day
}
