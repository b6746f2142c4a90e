// Package config loads service configuration from defaults, an optional YAML
// file, an optional .env file and INTEGRITY_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the integrity service.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Tracking    TrackingConfig `mapstructure:"tracking"`
	Fraud       FraudConfig    `mapstructure:"fraud"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Ingress     IngressConfig  `mapstructure:"ingress"`
	Notify      NotifyConfig   `mapstructure:"notify"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig selects the event log and trust score backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory | sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// CacheConfig selects the TTL store.
type CacheConfig struct {
	Driver string `mapstructure:"driver"` // memory | redis
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TrackingConfig tunes click recording.
type TrackingConfig struct {
	DedupTTL   time.Duration `mapstructure:"dedup_ttl"`
	OpTimeout  time.Duration `mapstructure:"op_timeout"`
	CookieName string        `mapstructure:"cookie_name"`
}

// FraudConfig holds rule thresholds.
type FraudConfig struct {
	Window             time.Duration `mapstructure:"window"`
	MaxEventsPerWindow int           `mapstructure:"max_events_per_window"`
	DuplicateThreshold int           `mapstructure:"duplicate_threshold"`
	SharedIPUsers      int           `mapstructure:"shared_ip_users"`
	BasePenalty        int           `mapstructure:"base_penalty"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// IngressConfig throttles tracking endpoints per client IP.
type IngressConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// NotifyConfig lists the flag notification sinks. Empty lists disable a sink.
type NotifyConfig struct {
	WebhookURLs  []string `mapstructure:"webhook_urls"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// IsProduction reports whether the service runs in production mode.
func (c Config) IsProduction() bool { return c.Environment == "production" }

// Load reads configuration. path is an optional YAML file; an empty path
// looks for config.yaml in the working directory and ./config.
func Load(path string) (Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("INTEGRITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// PaaS convention: a bare PORT wins over everything else.
	if p := os.Getenv("PORT"); p != "" {
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "integrity.db")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("tracking.dedup_ttl", "24h")
	v.SetDefault("tracking.op_timeout", "2s")
	v.SetDefault("tracking.cookie_name", "mbz_vid")

	v.SetDefault("fraud.window", "10m")
	v.SetDefault("fraud.max_events_per_window", 5)
	v.SetDefault("fraud.duplicate_threshold", 5)
	v.SetDefault("fraud.shared_ip_users", 3)
	v.SetDefault("fraud.base_penalty", 10)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "mobilize")

	v.SetDefault("ingress.requests_per_second", 20)
	v.SetDefault("ingress.burst", 40)

	v.SetDefault("notify.webhook_urls", []string{})
	v.SetDefault("notify.kafka_brokers", []string{})
	v.SetDefault("notify.kafka_topic", "integrity.flags")
}

// Validate checks the settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver))
	}
	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.driver must be memory or redis, got %q", c.Cache.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Tracking.DedupTTL <= 0 || c.Tracking.OpTimeout <= 0 {
		errs = append(errs, errors.New("tracking.dedup_ttl and tracking.op_timeout must be positive"))
	}
	if c.Fraud.Window < time.Millisecond {
		errs = append(errs, fmt.Errorf("fraud.window must be at least 1ms, got %s", c.Fraud.Window))
	}
	if c.Fraud.MaxEventsPerWindow <= 0 || c.Fraud.BasePenalty <= 0 {
		errs = append(errs, errors.New("fraud.max_events_per_window and fraud.base_penalty must be positive"))
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		errs = append(errs, errors.New("notify.kafka_topic is required when kafka brokers are set"))
	}
	return errors.Join(errs...)
}
