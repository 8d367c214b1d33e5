package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Deribit    DeribitConfig    `yaml:"deribit"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Collector  CollectorConfig  `yaml:"collector"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DeribitConfig holds the feed endpoints, credentials and session timing.
// Durations are expressed in milliseconds.
type DeribitConfig struct {
	BaseURL          string `yaml:"base_url"`
	WSURL            string `yaml:"ws_url"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	AuthTimeoutMs    int    `yaml:"auth_timeout_ms"`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// DiscoveryConfig controls the one-shot instrument discovery call and
// the size of the subscription set built from it.
type DiscoveryConfig struct {
	Currency       string `yaml:"currency"`
	Kind           string `yaml:"kind"`
	IncludeExpired bool   `yaml:"include_expired"`
	MaxInstruments int    `yaml:"max_instruments"`
}

type CollectorConfig struct {
	Backoff BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

type ChannelsConfig struct {
	FrameBuffer   int `yaml:"frame_buffer"`
	ArchiveBuffer int `yaml:"archive_buffer"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
	S3     S3Config     `yaml:"s3"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads, applies environment overrides to, and validates the
// configuration file at path. When an environment specific variant of the
// file exists (config.<env>.yml) it is preferred.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deployment environments inject credentials and
// paths without editing the config file. Recognized variables match the
// ones the collector has always used.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DERIBIT_CLIENT_ID"); v != "" {
		config.Deribit.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("DERIBIT_CLIENT_SECRET"); v != "" {
		config.Deribit.ClientSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("DERIBIT_BASE_URL"); v != "" {
		config.Deribit.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DERIBIT_WS_URL"); v != "" {
		config.Deribit.WSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		config.Storage.SQLite.Path = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func applyDefaults(config *Config) {
	if config.Deribit.BaseURL == "" {
		config.Deribit.BaseURL = "https://test.deribit.com"
	}
	if config.Deribit.WSURL == "" {
		config.Deribit.WSURL = "wss://test.deribit.com/ws/api/v2"
	}
	if config.Deribit.AuthTimeoutMs <= 0 {
		config.Deribit.AuthTimeoutMs = 10000
	}
	if config.Deribit.IdleTimeoutMs <= 0 {
		config.Deribit.IdleTimeoutMs = 30000
	}
	if config.Deribit.RequestTimeoutMs <= 0 {
		config.Deribit.RequestTimeoutMs = 10000
	}
	if config.Discovery.Currency == "" {
		config.Discovery.Currency = "BTC"
	}
	if config.Discovery.Kind == "" {
		config.Discovery.Kind = "option"
	}
	if config.Discovery.MaxInstruments <= 0 {
		config.Discovery.MaxInstruments = 5
	}
	if config.Collector.Backoff.BaseDelayMs <= 0 {
		config.Collector.Backoff.BaseDelayMs = 1000
	}
	if config.Collector.Backoff.MaxDelayMs <= 0 {
		config.Collector.Backoff.MaxDelayMs = 60000
	}
	if config.Channels.FrameBuffer <= 0 {
		config.Channels.FrameBuffer = 256
	}
	if config.Channels.ArchiveBuffer <= 0 {
		config.Channels.ArchiveBuffer = 1024
	}
	if config.Storage.SQLite.Path == "" {
		config.Storage.SQLite.Path = "deribit_data.db"
	}
	if config.Storage.S3.FlushIntervalMs <= 0 {
		config.Storage.S3.FlushIntervalMs = 60000
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}
	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}

	if cfg.Deribit.ClientID == "" {
		return fmt.Errorf("deribit.client_id is required (DERIBIT_CLIENT_ID)")
	}
	if cfg.Deribit.ClientSecret == "" {
		return fmt.Errorf("deribit.client_secret is required (DERIBIT_CLIENT_SECRET)")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}
