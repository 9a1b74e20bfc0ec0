package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign dispatcher.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	SES      SESConfig      `yaml:"ses"`
	Tracking TrackingConfig `yaml:"tracking"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Resume   ResumeConfig   `yaml:"resume"`
	History  HistoryConfig  `yaml:"history"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RelayConfig holds the SMTP relay account used for delivery.
type RelayConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	SenderAddress  string `yaml:"sender_address"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SESConfig holds Amazon SES v2 credentials for the alternate send channel.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// TrackingConfig holds the base URLs embedded into rendered messages.
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url"`
	UnsubURL    string `yaml:"unsubscribe_url"`
	SenderName  string `yaml:"sender_name"`
	SenderTitle string `yaml:"sender_title"`
}

// DispatchConfig holds the engine's concurrency and checkpoint settings.
type DispatchConfig struct {
	ConcurrencyCap int `yaml:"concurrency_cap"`
	BatchSize      int `yaml:"batch_size"`
}

// ResumeConfig selects the checkpoint store backend.
type ResumeConfig struct {
	Backend  string `yaml:"backend"` // "redis" or "file"
	RedisURL string `yaml:"redis_url"`
	Dir      string `yaml:"dir"`
}

// HistoryConfig holds the campaign history row store settings.
type HistoryConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// ArchiveConfig selects where completed-run results are archived.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"` // "local" or "s3"
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file
// read. Used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = 587
	}
	if cfg.Relay.TimeoutSeconds == 0 {
		cfg.Relay.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Dispatch.ConcurrencyCap == 0 {
		cfg.Dispatch.ConcurrencyCap = 20
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 25
	}
	if cfg.Resume.Backend == "" {
		cfg.Resume.Backend = "file"
	}
	if cfg.Resume.Dir == "" {
		cfg.Resume.Dir = "campaign_resume"
	}
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "local"
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = "campaign_results"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("RELAY_HOST"); v != "" {
		cfg.Relay.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Port = port
		}
	}
	if v := os.Getenv("RELAY_SENDER_ADDRESS"); v != "" {
		cfg.Relay.SenderAddress = v
	}
	if v := os.Getenv("RELAY_PASSWORD"); v != "" {
		cfg.Relay.Password = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("UNSUBSCRIBE_BASE_URL"); v != "" {
		cfg.Tracking.UnsubURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Resume.RedisURL = v
		cfg.Resume.Backend = "redis"
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.History.DatabaseURL = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Backend = "s3"
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}

	return cfg, nil
}
