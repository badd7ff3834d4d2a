package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Timer         TimerConfig         `mapstructure:"timer"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// TimerConfig defines focus/rest session durations
type TimerConfig struct {
	FocusMinutes  int    `mapstructure:"focus_minutes"`
	RestMinutes   int    `mapstructure:"rest_minutes"`
	ExtendMinutes int    `mapstructure:"extend_minutes"`
	PollInterval  string `mapstructure:"poll_interval"`  // notification permission poll
	ChoiceTimeout string `mapstructure:"choice_timeout"` // break-choice prompt auto-close
}

// NotificationsConfig defines interruption suppression settings
type NotificationsConfig struct {
	SuppressFullscreen bool `mapstructure:"suppress_fullscreen"`
	SuppressMeeting    bool `mapstructure:"suppress_meeting"`
}

// SyncConfig defines remote sync authority settings
type SyncConfig struct {
	ServerURL        string `mapstructure:"server_url"`
	Interval         string `mapstructure:"interval"`
	WatermarkTimeout string `mapstructure:"watermark_timeout"`
	DeltaTimeout     string `mapstructure:"delta_timeout"`
	FullTimeout      string `mapstructure:"full_timeout"`
	FirstSyncDays    int    `mapstructure:"first_sync_days"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path           string `mapstructure:"path"`
	CredentialPath string `mapstructure:"credential_path"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint settings
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("WORTHIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Save writes the configuration back to the config file so settings survive
// a restart (load/save contract of the settings store).
func Save(cfg *Config, configPath string) error {
	v := viper.New()

	v.Set("timer.focus_minutes", cfg.Timer.FocusMinutes)
	v.Set("timer.rest_minutes", cfg.Timer.RestMinutes)
	v.Set("timer.extend_minutes", cfg.Timer.ExtendMinutes)
	v.Set("timer.poll_interval", cfg.Timer.PollInterval)
	v.Set("timer.choice_timeout", cfg.Timer.ChoiceTimeout)
	v.Set("notifications.suppress_fullscreen", cfg.Notifications.SuppressFullscreen)
	v.Set("notifications.suppress_meeting", cfg.Notifications.SuppressMeeting)
	v.Set("sync.server_url", cfg.Sync.ServerURL)
	v.Set("sync.interval", cfg.Sync.Interval)
	v.Set("sync.watermark_timeout", cfg.Sync.WatermarkTimeout)
	v.Set("sync.delta_timeout", cfg.Sync.DeltaTimeout)
	v.Set("sync.full_timeout", cfg.Sync.FullTimeout)
	v.Set("sync.first_sync_days", cfg.Sync.FirstSyncDays)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("storage.credential_path", cfg.Storage.CredentialPath)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("metrics.enabled", cfg.Metrics.Enabled)
	v.Set("metrics.port", cfg.Metrics.Port)
	v.Set("metrics.bind_address", cfg.Metrics.BindAddress)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Watch reloads the configuration whenever the file changes on disk and
// reports the result through onChange. A reload that fails validation is
// reported with a nil config and the error; the caller keeps running on its
// previous settings.
func Watch(configPath string, onChange func(*Config, error)) {
	v := viper.New()
	v.SetConfigFile(configPath)
	_ = v.ReadInConfig()

	v.OnConfigChange(func(fsnotify.Event) {
		onChange(Load(configPath))
	})
	v.WatchConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Timer defaults
	v.SetDefault("timer.focus_minutes", 60)
	v.SetDefault("timer.rest_minutes", 10)
	v.SetDefault("timer.extend_minutes", 15)
	v.SetDefault("timer.poll_interval", "5s")
	v.SetDefault("timer.choice_timeout", "30s")

	// Notification defaults
	v.SetDefault("notifications.suppress_fullscreen", true)
	v.SetDefault("notifications.suppress_meeting", true)

	// Sync defaults
	v.SetDefault("sync.server_url", "")
	v.SetDefault("sync.interval", "10m")
	v.SetDefault("sync.watermark_timeout", "5s")
	v.SetDefault("sync.delta_timeout", "15s")
	v.SetDefault("sync.full_timeout", "45s")
	v.SetDefault("sync.first_sync_days", 30)

	// Storage defaults
	v.SetDefault("storage.path", defaultDataPath("worthier.bolt"))
	v.SetDefault("storage.credential_path", defaultDataPath("credentials"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9217)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Timer.FocusMinutes <= 0 {
		return fmt.Errorf("invalid focus duration: %d minutes", cfg.Timer.FocusMinutes)
	}
	if cfg.Timer.RestMinutes <= 0 {
		return fmt.Errorf("invalid rest duration: %d minutes", cfg.Timer.RestMinutes)
	}
	if cfg.Timer.ExtendMinutes <= 0 {
		return fmt.Errorf("invalid extend duration: %d minutes", cfg.Timer.ExtendMinutes)
	}

	if _, err := time.ParseDuration(cfg.Timer.PollInterval); err != nil {
		return fmt.Errorf("invalid poll interval %q: %w", cfg.Timer.PollInterval, err)
	}
	if _, err := time.ParseDuration(cfg.Timer.ChoiceTimeout); err != nil {
		return fmt.Errorf("invalid choice timeout %q: %w", cfg.Timer.ChoiceTimeout, err)
	}

	if cfg.Sync.FirstSyncDays <= 0 {
		return fmt.Errorf("invalid first sync window: %d days", cfg.Sync.FirstSyncDays)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	// Ensure storage directory exists
	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", name)
	}
	return filepath.Join(home, ".worthier", name)
}
