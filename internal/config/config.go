package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverFile   = "file"
	StoreDriverSQLite = "sqlite"
)

// Config struct for environment variables.
type Config struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"file"`
	StorePath   string `envconfig:"STORE_PATH" default:"nimbus.store"`
	DBPath      string `envconfig:"DB_PATH" default:"nimbus.db"`

	DownloadDir      string `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxParallel      int    `envconfig:"MAX_PARALLEL" default:"3"`
	NotifyEveryBytes int64  `envconfig:"NOTIFY_EVERY_BYTES" default:"1048576"`
	BufferSize       int    `envconfig:"BUFFER_SIZE" default:"32768"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	KeepFinishedFor   time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"0s"`

	HTTPTimeout       time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	HTTPRetryAttempts uint          `envconfig:"HTTP_RETRY_ATTEMPTS" default:"3"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"nimbus"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	switch c.StoreDriver {
	case StoreDriverFile, StoreDriverSQLite:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want %q or %q", c.StoreDriver, StoreDriverFile, StoreDriverSQLite)
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("invalid MAX_PARALLEL %d: must be at least 1", c.MaxParallel)
	}

	if c.NotifyEveryBytes < 1 {
		return fmt.Errorf("invalid NOTIFY_EVERY_BYTES %d: must be positive", c.NotifyEveryBytes)
	}

	if c.BufferSize < 1 {
		return fmt.Errorf("invalid BUFFER_SIZE %d: must be positive", c.BufferSize)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL %s: must be positive", c.SweepInterval)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
