// Package config loads plansync settings from a YAML file, a .env file and
// PLANSYNC_* environment variables, in increasing order of precedence.
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

// EnvPrefix prefixes every environment override, e.g. PLANSYNC_STRIPE_SECRET_KEY.
const EnvPrefix = "PLANSYNC"

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	RevenueCat RevenueCatConfig `mapstructure:"revenuecat"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Firestore  FirestoreConfig  `mapstructure:"firestore"`
	Session    SessionConfig    `mapstructure:"session"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Cache      CacheConfig      `mapstructure:"cache"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// Prices maps Stripe price ids to plan names.
	Prices             map[string]string `mapstructure:"prices"`
	SuccessURL         string            `mapstructure:"success_url"`
	CancelURL          string            `mapstructure:"cancel_url"`
	ReturnURL          string            `mapstructure:"return_url"`
	StrictPortalErrors bool              `mapstructure:"strict_portal_errors"`
	RateLimit          int               `mapstructure:"rate_limit"`
	RateLimitWindow    time.Duration     `mapstructure:"rate_limit_window"`
	TrustProxy         bool              `mapstructure:"trust_proxy"`
}

type RevenueCatConfig struct {
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// Entitlements maps RevenueCat entitlement ids to plan names.
	Entitlements    map[string]string `mapstructure:"entitlements"`
	EnableHMAC      bool              `mapstructure:"enable_hmac"`
	RateLimit       int               `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration     `mapstructure:"rate_limit_window"`
	TrustProxy      bool              `mapstructure:"trust_proxy"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	// Breaker settings guard the durable store. A zero threshold disables it.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`
	// TieredHot and TieredCold name the backends composed by "tiered".
	TieredHot  string `mapstructure:"tiered_hot"`
	TieredCold string `mapstructure:"tiered_cold"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

type SessionConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
	// Revocations is "memory" or "redis".
	Revocations string `mapstructure:"revocations"`
}

type NotifyConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`
}

type CacheConfig struct {
	// Path of the SQLite local cache. ":memory:" keeps it in process.
	Path string `mapstructure:"path"`
}

// Load reads configuration. path may be empty, in which case config.yaml is
// looked up in ./configs and the working directory and is optional.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads .env from the working directory if present. Variables
// already set in the environment win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.prices", map[string]string{})
	v.SetDefault("stripe.success_url", "http://localhost:3000/billing/success")
	v.SetDefault("stripe.cancel_url", "http://localhost:3000/billing/cancel")
	v.SetDefault("stripe.return_url", "http://localhost:3000/settings")
	v.SetDefault("stripe.strict_portal_errors", false)
	v.SetDefault("stripe.rate_limit", 100)
	v.SetDefault("stripe.rate_limit_window", time.Minute)
	v.SetDefault("stripe.trust_proxy", false)

	v.SetDefault("revenuecat.api_key", "")
	v.SetDefault("revenuecat.webhook_secret", "")
	v.SetDefault("revenuecat.entitlements", map[string]string{})
	v.SetDefault("revenuecat.enable_hmac", false)
	v.SetDefault("revenuecat.rate_limit", 100)
	v.SetDefault("revenuecat.rate_limit_window", time.Minute)
	v.SetDefault("revenuecat.trust_proxy", false)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.breaker_threshold", 5)
	v.SetDefault("storage.breaker_reset", 30*time.Second)
	v.SetDefault("storage.tiered_hot", BackendRedis)
	v.SetDefault("storage.tiered_cold", BackendPostgres)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "plansync:")

	v.SetDefault("postgres.dsn", "postgres://localhost:5432/plansync?sslmode=disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.collection", "entitlements")

	v.SetDefault("session.secret", "")
	v.SetDefault("session.issuer", "plansync")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.revocations", "memory")

	v.SetDefault("notify.backend", "memory")

	v.SetDefault("cache.path", "data/cache.db")
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres, BackendRedis, BackendFirestore:
	case BackendTiered:
		if c.Storage.TieredHot == c.Storage.TieredCold {
			return fmt.Errorf("storage: tiered hot and cold backends must differ")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendFirestore && c.Firestore.ProjectID == "" {
		return fmt.Errorf("firestore: project_id is required")
	}
	if c.Notify.Backend != "memory" && c.Notify.Backend != "redis" {
		return fmt.Errorf("notify: unknown backend %q", c.Notify.Backend)
	}
	if c.Session.Revocations != "memory" && c.Session.Revocations != "redis" {
		return fmt.Errorf("session: unknown revocation list %q", c.Session.Revocations)
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Storage.Backend == BackendRedis ||
		(c.Storage.Backend == BackendTiered &&
			(c.Storage.TieredHot == BackendRedis || c.Storage.TieredCold == BackendRedis)) ||
		c.Notify.Backend == "redis" ||
		c.Session.Revocations == "redis"
}
