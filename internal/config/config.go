package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the router.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	RawStore RawStoreConfig `yaml:"raw_store"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Spike    SpikeConfig    `yaml:"spike"`
	Features FeatureConfig  `yaml:"features"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Pool     PoolConfig     `yaml:"pool"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicBaseURL is the externally reachable base used when composing
	// attachment download URLs in webhook payloads.
	PublicBaseURL string `yaml:"public_base_url"`
}

// GetHost returns the bind host, defaulting to all interfaces.
func (s ServerConfig) GetHost() string {
	if s.Host == "" {
		return "0.0.0.0"
	}
	return s.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings. Redis backs the feature
// flag cache and the sweeper lock; the router runs without it, degraded.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES credentials for the forwarding sender.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// RawStoreConfig holds the S3 location of raw inbound MIME blobs.
type RawStoreConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WebhookConfig holds webhook delivery tuning.
type WebhookConfig struct {
	// MaxPayloadBytes is the size ceiling after governance. The governor
	// strips attachment bodies, then headers, until the payload fits.
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
	UserAgent       string `yaml:"user_agent"`
}

// SpikeConfig holds sending-spike detection settings.
type SpikeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// FeatureConfig holds feature-flag provider settings.
type FeatureConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// SweeperConfig holds the failed-delivery retry sweeper settings.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// PoolConfig holds the background worker pool settings.
type PoolConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	DrainDeadline time.Duration `yaml:"drain_deadline"`
}

// LoadFromEnv loads the YAML config file, then applies environment
// overrides. A missing file is not an error; env-only deployment is
// supported. A .env file is loaded first if present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (config database.url or DATABASE_URL)")
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		SES:      SESConfig{Region: "us-east-2"},
		RawStore: RawStoreConfig{Region: "us-east-2", KeyPrefix: "emails/"},
		Webhook: WebhookConfig{
			MaxPayloadBytes: 1_000_000,
			UserAgent:       "InboundEmail-Webhook/1.0",
		},
		Features: FeatureConfig{CacheTTL: time.Minute},
		Sweeper:  SweeperConfig{Interval: 5 * time.Minute, Batch: 100},
		Pool:     PoolConfig{Workers: 8, QueueSize: 256, DrainDeadline: 20 * time.Second},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	// Compatibility with deployments that still export the console's var.
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = os.Getenv("NEXT_PUBLIC_BETTER_AUTH_URL")
	}
	if v := os.Getenv("SLACK_ADMIN_WEBHOOK_URL"); v != "" {
		cfg.Spike.SlackWebhookURL = v
		cfg.Spike.Enabled = true
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && cfg.SES.AccessKey == "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && cfg.SES.SecretKey == "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
		cfg.RawStore.Region = v
	}
	if v := os.Getenv("RAW_STORE_BUCKET"); v != "" {
		cfg.RawStore.Bucket = v
	}
}
