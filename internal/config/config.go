// Package config provides configuration management for vidtap using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 10
	defaultMaxIdleConns      = 5
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultMaxConcurrent     = 2
	defaultMemoryCeiling     = 1536 * 1024 * 1024 // 1.5GiB
	defaultPollInterval      = 500 * time.Millisecond
	defaultWaitTimeout       = 60 * time.Second
	defaultIngestBufferSize  = 64 * 1024
	defaultEgressBufferSize  = 64 * 1024
	defaultEgressQueueDepth  = 16
	defaultAudioChannels     = 1
	defaultAudioSampleRate   = 16000
	defaultAudioBitrate      = "32k"
	defaultStderrLines       = 100
	defaultS3PartSize        = 8 * 1024 * 1024
	defaultUploadConcurrency = 2
	defaultAzureBlockSize    = 4 * 1024 * 1024
	defaultHTTPTimeout       = 0 // streaming bodies must not be cut off by a client timeout
	defaultHTTPRetryAttempts = 2
	defaultRetentionMaxAge   = 7 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 = no limit, conversions are synchronous
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds job history database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AdmissionConfig bounds how many pipelines may run at once.
type AdmissionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MemoryCeiling is the resident memory above which new pipelines wait.
	// Supports human-readable values like "1.5GiB" or raw byte counts.
	MemoryCeiling   ByteSize      `mapstructure:"memory_ceiling"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	WaitTimeout     time.Duration `mapstructure:"wait_timeout"`
	IncludeChildren bool          `mapstructure:"include_children"` // count ffmpeg children towards the ceiling
}

// PipelineConfig holds the per-leg buffer bounds.
type PipelineConfig struct {
	IngestBufferSize ByteSize `mapstructure:"ingest_buffer_size"`
	EgressBufferSize ByteSize `mapstructure:"egress_buffer_size"`
	EgressQueueDepth int      `mapstructure:"egress_queue_depth"` // chunks held between ffmpeg and the upload
}

// FFmpegConfig holds the ffmpeg binary and the single audio profile.
type FFmpegConfig struct {
	BinaryPath  string `mapstructure:"binary_path"` // empty = auto-detect
	Channels    int    `mapstructure:"channels"`
	SampleRate  int    `mapstructure:"sample_rate"`
	Bitrate     string `mapstructure:"bitrate"`
	StderrLines int    `mapstructure:"stderr_lines"` // diagnostic lines kept per process

	MonitorInterval time.Duration `mapstructure:"monitor_interval"` // ffmpeg RSS/CPU sampling, 0 = off
}

// StorageConfig holds the object store providers.
type StorageConfig struct {
	S3    S3Config    `mapstructure:"s3"`
	Azure AzureConfig `mapstructure:"azure"`
	File  FileConfig  `mapstructure:"file"`
	HTTP  HTTPConfig  `mapstructure:"http"`
}

// S3Config configures the s3:// provider.
type S3Config struct {
	Enabled         bool     `mapstructure:"enabled"`
	Region          string   `mapstructure:"region"`
	Endpoint        string   `mapstructure:"endpoint"` // MinIO, Ceph, GCS interop
	PathStyle       bool     `mapstructure:"path_style"`
	AccessKeyID     string   `mapstructure:"access_key_id"`
	SecretAccessKey string   `mapstructure:"secret_access_key"`
	PartSize        ByteSize `mapstructure:"part_size"`
	Concurrency     int      `mapstructure:"concurrency"`
}

// AzureConfig configures the azblob:// provider.
type AzureConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AccountURL       string   `mapstructure:"account_url"` // uses DefaultAzureCredential
	ConnectionString string   `mapstructure:"connection_string"`
	BlockSize        ByteSize `mapstructure:"block_size"`
	Concurrency      int      `mapstructure:"concurrency"`
}

// FileConfig configures the file:// provider.
type FileConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Root    string `mapstructure:"root"` // file:// paths must resolve inside Root when set
}

// HTTPConfig configures the http(s):// source provider.
type HTTPConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// ConversionConfig holds caller-side conversion behaviour.
type ConversionConfig struct {
	FailFast           bool          `mapstructure:"fail_fast"`           // reject with busy when no slot is free
	JobTimeout         time.Duration `mapstructure:"job_timeout"`         // 0 = none
	DefaultDestination string        `mapstructure:"default_destination"` // prefix URI used when a request omits one
	RetryAfter         time.Duration `mapstructure:"retry_after"`         // hint sent with busy responses
}

// RetentionConfig holds job history pruning configuration.
type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"` // 6-field cron expression
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VIDTAP_ and use underscores for nesting.
// Example: VIDTAP_ADMISSION_MAX_CONCURRENT=4.
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
		v.AddConfigPath("/etc/vidtap")
		v.AddConfigPath("$HOME/.vidtap")
	}

	v.SetEnvPrefix("VIDTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook lets ByteSize fields accept "64KiB" style strings alongside the
// stock duration and slice conversions.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vidtap.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Admission defaults
	v.SetDefault("admission.max_concurrent", defaultMaxConcurrent)
	v.SetDefault("admission.memory_ceiling", defaultMemoryCeiling)
	v.SetDefault("admission.poll_interval", defaultPollInterval)
	v.SetDefault("admission.wait_timeout", defaultWaitTimeout)
	v.SetDefault("admission.include_children", false)

	// Pipeline defaults
	v.SetDefault("pipeline.ingest_buffer_size", defaultIngestBufferSize)
	v.SetDefault("pipeline.egress_buffer_size", defaultEgressBufferSize)
	v.SetDefault("pipeline.egress_queue_depth", defaultEgressQueueDepth)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.channels", defaultAudioChannels)
	v.SetDefault("ffmpeg.sample_rate", defaultAudioSampleRate)
	v.SetDefault("ffmpeg.bitrate", defaultAudioBitrate)
	v.SetDefault("ffmpeg.stderr_lines", defaultStderrLines)
	v.SetDefault("ffmpeg.monitor_interval", 5*time.Second)

	// Storage defaults
	v.SetDefault("storage.s3.enabled", true)
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.part_size", defaultS3PartSize)
	v.SetDefault("storage.s3.concurrency", defaultUploadConcurrency)
	v.SetDefault("storage.azure.enabled", false)
	v.SetDefault("storage.azure.account_url", "")
	v.SetDefault("storage.azure.connection_string", "")
	v.SetDefault("storage.azure.block_size", defaultAzureBlockSize)
	v.SetDefault("storage.azure.concurrency", defaultUploadConcurrency)
	v.SetDefault("storage.file.enabled", true)
	v.SetDefault("storage.file.root", "")
	v.SetDefault("storage.http.enabled", true)
	v.SetDefault("storage.http.timeout", time.Duration(defaultHTTPTimeout))
	v.SetDefault("storage.http.retry_attempts", defaultHTTPRetryAttempts)
	v.SetDefault("storage.http.user_agent", "vidtap/1.0")

	// Conversion defaults
	v.SetDefault("conversion.fail_fast", true)
	v.SetDefault("conversion.job_timeout", time.Duration(0))
	v.SetDefault("conversion.default_destination", "")
	v.SetDefault("conversion.retry_after", 5*time.Second)

	// Retention defaults
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.cron", "0 0 * * * *") // hourly
	v.SetDefault("retention.max_age", defaultRetentionMaxAge)
}

// Validate checks the configuration for errors.
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

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Admission.MaxConcurrent < 1 {
		return fmt.Errorf("admission.max_concurrent must be at least 1")
	}
	if c.Admission.MemoryCeiling <= 0 {
		return fmt.Errorf("admission.memory_ceiling must be positive")
	}
	if c.Admission.PollInterval <= 0 {
		return fmt.Errorf("admission.poll_interval must be positive")
	}
	if c.Admission.WaitTimeout < c.Admission.PollInterval {
		return fmt.Errorf("admission.wait_timeout must be at least admission.poll_interval")
	}

	if c.Pipeline.IngestBufferSize <= 0 || c.Pipeline.EgressBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer sizes must be positive")
	}
	if c.Pipeline.EgressQueueDepth < 1 {
		return fmt.Errorf("pipeline.egress_queue_depth must be at least 1")
	}

	if c.FFmpeg.Channels < 1 {
		return fmt.Errorf("ffmpeg.channels must be at least 1")
	}
	if c.FFmpeg.SampleRate < 1 {
		return fmt.Errorf("ffmpeg.sample_rate must be positive")
	}
	if c.FFmpeg.Bitrate == "" {
		return fmt.Errorf("ffmpeg.bitrate is required")
	}

	// The S3 uploader rejects parts below 5MiB.
	const minS3PartSize = 5 * 1024 * 1024
	if c.Storage.S3.Enabled && c.Storage.S3.PartSize < minS3PartSize {
		return fmt.Errorf("storage.s3.part_size must be at least 5MiB")
	}
	if c.Storage.Azure.Enabled && c.Storage.Azure.AccountURL == "" && c.Storage.Azure.ConnectionString == "" {
		return fmt.Errorf("storage.azure requires account_url or connection_string")
	}

	if c.Retention.Enabled && c.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be positive when retention is enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
