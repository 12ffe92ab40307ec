// Package config provides configuration management for chatsync.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for chatsync.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds the local control API configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	RateLimit    int    `mapstructure:"rateLimit"`    // requests per second, 0 disables
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StorageConfig selects the key-value backend that holds queues and conversations.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite, memory, redis, postgres
	Path        string `mapstructure:"path"`
	RedisAddr   string `mapstructure:"redisAddr"`
	RedisPrefix string `mapstructure:"redisPrefix"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// TracingConfig selects the OTLP collector spans are exported to. An empty
// endpoint disables export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RemoteConfig describes the remote chat service.
type RemoteConfig struct {
	BaseURL         string `mapstructure:"baseUrl"`
	APIKey          string `mapstructure:"apiKey"`
	Timeout         int    `mapstructure:"timeout"` // in seconds, non-streaming calls
	StreamTransport string `mapstructure:"streamTransport"`
	DefaultModel    string `mapstructure:"defaultModel"`
}

// QueueConfig tunes the outbound task queue and its scheduler.
type QueueConfig struct {
	MaxSize              int `mapstructure:"maxSize"`
	MaxHistory           int `mapstructure:"maxHistory"`
	MaxAttempts          int `mapstructure:"maxAttempts"`
	MaxConcurrentThreads int `mapstructure:"maxConcurrentThreads"`
}

// UploadsConfig tunes the attachment upload queue.
type UploadsConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts"`
	BaseDelayMs int `mapstructure:"baseDelayMs"`
	MaxDelayMs  int `mapstructure:"maxDelayMs"`
	WaitTimeout int `mapstructure:"waitTimeout"` // in seconds
}

// ChunkerConfig tunes incremental rendering of streamed text.
type ChunkerConfig struct {
	MinChunkSize   int `mapstructure:"minChunkSize"`
	MaxChunkLength int `mapstructure:"maxChunkLength"`
	DelayMs        int `mapstructure:"delayMs"`
}

// ReconcileConfig tunes post-stream reconciliation.
type ReconcileConfig struct {
	TitlePollAttempts  int `mapstructure:"titlePollAttempts"`
	TitlePollBaseDelay int `mapstructure:"titlePollBaseDelayMs"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the request timeout for non-streaming remote calls.
func (r *RemoteConfig) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// BaseDelay returns the first backoff delay.
func (u *UploadsConfig) BaseDelay() time.Duration {
	return time.Duration(u.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (u *UploadsConfig) MaxDelay() time.Duration {
	return time.Duration(u.MaxDelayMs) * time.Millisecond
}

// WaitTimeoutDuration returns how long an upload task waits for its attachment.
func (u *UploadsConfig) WaitTimeoutDuration() time.Duration {
	return time.Duration(u.WaitTimeout) * time.Second
}

// Delay returns the pause between rendered chunks.
func (c *ChunkerConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// TitlePollDelay returns the base delay of the background title check.
func (r *ReconcileConfig) TitlePollDelay() time.Duration {
	return time.Duration(r.TitlePollBaseDelay) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for production builds and "text" otherwise.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CHATSYNC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.rateLimit", 50)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./chatsync.db")
	v.SetDefault("storage.redisAddr", "")
	v.SetDefault("storage.redisPrefix", "chatsync:")
	v.SetDefault("storage.postgresDsn", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "chatsync")
	v.SetDefault("nats.maxReconnects", 10)

	// Remote defaults
	v.SetDefault("remote.baseUrl", "http://localhost:8080")
	v.SetDefault("remote.apiKey", "")
	v.SetDefault("remote.timeout", 30)
	v.SetDefault("remote.streamTransport", "sse")
	v.SetDefault("remote.defaultModel", "")

	// Queue defaults
	v.SetDefault("queue.maxSize", 0)
	v.SetDefault("queue.maxHistory", 100)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.maxConcurrentThreads", 4)

	// Upload defaults
	v.SetDefault("uploads.maxAttempts", 3)
	v.SetDefault("uploads.baseDelayMs", 1000)
	v.SetDefault("uploads.maxDelayMs", 30000)
	v.SetDefault("uploads.waitTimeout", 120)

	// Chunker defaults
	v.SetDefault("chunker.minChunkSize", 1)
	v.SetDefault("chunker.maxChunkLength", 10)
	v.SetDefault("chunker.delayMs", 8)

	// Reconcile defaults
	v.SetDefault("reconcile.titlePollAttempts", 3)
	v.SetDefault("reconcile.titlePollBaseDelayMs", 1500)

	// Tracing defaults - empty endpoint means spans are dropped
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATSYNC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or ~/.chatsync/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys where env var naming differs are bound explicitly.
	_ = v.BindEnv("remote.baseUrl", "CHATSYNC_REMOTE_BASE_URL")
	_ = v.BindEnv("remote.apiKey", "CHATSYNC_REMOTE_API_KEY")
	_ = v.BindEnv("remote.streamTransport", "CHATSYNC_REMOTE_STREAM_TRANSPORT")
	_ = v.BindEnv("storage.redisAddr", "CHATSYNC_STORAGE_REDIS_ADDR")
	_ = v.BindEnv("storage.postgresDsn", "CHATSYNC_STORAGE_POSTGRES_DSN")
	_ = v.BindEnv("tracing.endpoint", "CHATSYNC_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.chatsync/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, "server.rateLimit must not be negative")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			errs = append(errs, "storage.redisAddr is required for the redis driver")
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, "storage.postgresDsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, memory, redis, postgres")
	}

	if cfg.Remote.BaseURL == "" {
		errs = append(errs, "remote.baseUrl is required")
	}
	if cfg.Remote.StreamTransport != "sse" && cfg.Remote.StreamTransport != "websocket" {
		errs = append(errs, "remote.streamTransport must be one of: sse, websocket")
	}

	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.maxAttempts must be positive")
	}
	if cfg.Queue.MaxConcurrentThreads <= 0 {
		errs = append(errs, "queue.maxConcurrentThreads must be positive")
	}
	if cfg.Uploads.MaxAttempts <= 0 {
		errs = append(errs, "uploads.maxAttempts must be positive")
	}
	if cfg.Uploads.WaitTimeout <= 0 {
		errs = append(errs, "uploads.waitTimeout must be positive")
	}
	if cfg.Chunker.MaxChunkLength <= 0 {
		errs = append(errs, "chunker.maxChunkLength must be positive")
	}
	if cfg.Reconcile.TitlePollAttempts < 0 {
		errs = append(errs, "reconcile.titlePollAttempts must not be negative")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
