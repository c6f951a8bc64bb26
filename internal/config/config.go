// Package config provides configuration management for argus using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 15 * time.Second
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultFrameInterval    = 40 * time.Millisecond
	defaultGOPSize          = 25
	defaultSegmentDuration  = 5 * time.Minute
	defaultDrainGrace       = 3 * time.Second
	defaultBridgeBuffer     = 64
	defaultTickInterval     = 30 * time.Second
	defaultRetentionDays    = 30
	defaultRetentionCron    = "0 30 3 * * *"
	defaultEventBuffer      = 100
	defaultMinFreeSpaceByte = 1024 * 1024 * 1024 // 1GB
)

// Media provider names.
const (
	ProviderSim       = "sim"
	ProviderGStreamer = "gstreamer"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Media     MediaConfig     `mapstructure:"media"`
	Recording RecordingConfig `mapstructure:"recording"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Events    EventsConfig    `mapstructure:"events"`
	Cameras   []CameraConfig  `mapstructure:"cameras"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir       string `mapstructure:"base_dir"`
	RecordingsDir string `mapstructure:"recordings_dir"`
	// MinFreeSpace is the free space below which the health check reports
	// recording storage as degraded. Supports values like "10GB".
	MinFreeSpace ByteSize `mapstructure:"min_free_space"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
	// RequestLogging enables per-request HTTP access logs.
	RequestLogging bool `mapstructure:"request_logging"`
}

// MediaConfig selects and tunes the media primitive provider.
type MediaConfig struct {
	Provider      string        `mapstructure:"provider"` // sim, gstreamer
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	GOPSize       int           `mapstructure:"gop_size"`
}

// RecordingConfig holds recording branch configuration.
type RecordingConfig struct {
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	DrainGrace      time.Duration `mapstructure:"drain_grace"`
	BridgeBuffer    int           `mapstructure:"bridge_buffer"`
	Format          string        `mapstructure:"format"`
}

// SchedulerConfig holds recording scheduler configuration.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// RetentionConfig holds recording retention sweeper configuration.
type RetentionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"` // 6-field cron expression
	// DefaultAge applies to manual and event recordings. Supports "30d", "2w".
	DefaultAge Duration `mapstructure:"default_age"`
}

// EventsConfig holds in-process event bus configuration.
type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// CameraConfig describes a camera feed registered at startup.
type CameraConfig struct {
	StreamID    string `mapstructure:"stream_id"`
	CameraID    string `mapstructure:"camera_id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Kind        string `mapstructure:"kind"` // live, test
	URI         string `mapstructure:"uri"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ARGUS_ and use underscores for nesting.
// Example: ARGUS_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/argus")
		v.AddConfigPath("$HOME/.argus")
	}

	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v. Defaults must
// already be registered with SetDefaults.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults registers default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0) // SSE streams are long-lived
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "argus.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.recordings_dir", "recordings")
	v.SetDefault("storage.min_free_space", defaultMinFreeSpaceByte)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.request_logging", true)

	v.SetDefault("media.provider", ProviderSim)
	v.SetDefault("media.frame_interval", defaultFrameInterval)
	v.SetDefault("media.gop_size", defaultGOPSize)

	v.SetDefault("recording.segment_duration", defaultSegmentDuration)
	v.SetDefault("recording.drain_grace", defaultDrainGrace)
	v.SetDefault("recording.bridge_buffer", defaultBridgeBuffer)
	v.SetDefault("recording.format", "mpegts")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", defaultTickInterval)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.cron", defaultRetentionCron)
	v.SetDefault("retention.default_age", fmt.Sprintf("%dd", defaultRetentionDays))

	v.SetDefault("events.subscriber_buffer", defaultEventBuffer)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.RecordingsDir == "" {
		return fmt.Errorf("storage.recordings_dir is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Media.Provider != ProviderSim && c.Media.Provider != ProviderGStreamer {
		return fmt.Errorf("media.provider must be one of: %s, %s", ProviderSim, ProviderGStreamer)
	}
	if c.Media.FrameInterval <= 0 {
		return fmt.Errorf("media.frame_interval must be positive")
	}
	if c.Media.GOPSize < 1 {
		return fmt.Errorf("media.gop_size must be at least 1")
	}

	if c.Recording.SegmentDuration < time.Second {
		return fmt.Errorf("recording.segment_duration must be at least 1s")
	}
	if c.Recording.DrainGrace <= 0 {
		return fmt.Errorf("recording.drain_grace must be positive")
	}
	if c.Recording.BridgeBuffer < 1 {
		return fmt.Errorf("recording.bridge_buffer must be at least 1")
	}
	if c.Recording.Format != "mpegts" {
		return fmt.Errorf("recording.format must be: mpegts")
	}

	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s")
	}

	if c.Retention.Enabled && c.Retention.Cron == "" {
		return fmt.Errorf("retention.cron is required when retention is enabled")
	}
	if c.Retention.DefaultAge < 0 {
		return fmt.Errorf("retention.default_age must not be negative")
	}

	if c.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("events.subscriber_buffer must be at least 1")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.StreamID == "" {
			return fmt.Errorf("cameras[%d].stream_id is required", i)
		}
		if seen[cam.StreamID] {
			return fmt.Errorf("cameras[%d].stream_id %q is duplicated", i, cam.StreamID)
		}
		seen[cam.StreamID] = true
		if cam.Kind != "live" && cam.Kind != "test" {
			return fmt.Errorf("cameras[%d].kind must be one of: live, test", i)
		}
	}

	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RecordingsPath returns the recordings root. An absolute recordings_dir is
// used as-is, otherwise it is resolved under base_dir.
func (c *StorageConfig) RecordingsPath() string {
	if filepath.IsAbs(c.RecordingsDir) {
		return c.RecordingsDir
	}
	return filepath.Join(c.BaseDir, c.RecordingsDir)
}
