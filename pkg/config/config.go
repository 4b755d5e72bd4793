// Package config loads the allowanced service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

// Config holds all allowanced configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Resolver ResolverConfig `yaml:"resolver"`
	Billing  BillingConfig  `yaml:"billing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// StorageConfig selects and configures the ledger backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Hot optionally puts a memory or redis tier in front of Driver
	Hot          string `yaml:"hot"`
	HotAsyncSync bool   `yaml:"hot_async_sync"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type FirestoreConfig struct {
	ProjectID string `yaml:"project_id"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// ResolverConfig maps onto allowance.Config.
type ResolverConfig struct {
	BatchConcurrency int                  `yaml:"batch_concurrency"`
	OpenBatchInit    bool                 `yaml:"open_batch_init"`
	Cache            CacheConfig          `yaml:"cache"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SettingsTTL time.Duration `yaml:"settings_ttl"`
	PlanTTL     time.Duration `yaml:"plan_ttl"`
	MaxPlans    int           `yaml:"max_plans"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// BillingConfig configures plan sync from Stripe.
type BillingConfig struct {
	Stripe StripeConfig `yaml:"stripe"`
}

type StripeConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	// PremiumPrices lists price or product ids that grant the premium plan
	PremiumPrices []string `yaml:"premium_prices"`
}

// Enabled reports whether the webhook endpoint should be mounted
func (s StripeConfig) Enabled() bool {
	return s.WebhookSecret != ""
}

// PlanMapping returns the price to plan mapping
func (s StripeConfig) PlanMapping() map[string]allowance.PlanType {
	out := make(map[string]allowance.PlanType, len(s.PremiumPrices))
	for _, id := range s.PremiumPrices {
		out[id] = allowance.PlanPremium
	}
	return out
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			SQLite: SQLiteConfig{Path: "allowance.db"},
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Auth: AuthConfig{
			Issuer:   "goallowance",
			TokenTTL: time.Hour,
		},
		Resolver: ResolverConfig{
			BatchConcurrency: 4,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "goallowance",
		},
	}
}

// LoadEnv loads .env from the working directory when present.
// Variables already set in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a YAML config file and expands environment variables.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command depends on
func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required")
		}
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required")
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return errors.New("storage.firestore.project_id is required")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	c.Storage.Hot = strings.ToLower(strings.TrimSpace(c.Storage.Hot))
	switch c.Storage.Hot {
	case "":
	case DriverMemory, DriverRedis:
		if c.Storage.Hot == c.Storage.Driver {
			return fmt.Errorf("storage.hot must differ from storage.driver %q", c.Storage.Driver)
		}
		if c.Storage.Hot == DriverRedis && c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required")
		}
	default:
		return fmt.Errorf("storage.hot must be %s or %s, got %q", DriverMemory, DriverRedis, c.Storage.Hot)
	}

	if c.Resolver.BatchConcurrency < 0 {
		return errors.New("resolver.batch_concurrency must not be negative")
	}
	if c.Auth.TokenTTL < 0 {
		return errors.New("auth.token_ttl must not be negative")
	}
	return nil
}

// AllowanceCache returns the resolver cache settings, nil when disabled
func (c *Config) AllowanceCache() *allowance.CacheConfig {
	if !c.Resolver.Cache.Enabled {
		return nil
	}
	return &allowance.CacheConfig{
		Enabled:     true,
		SettingsTTL: c.Resolver.Cache.SettingsTTL,
		PlanTTL:     c.Resolver.Cache.PlanTTL,
		MaxPlans:    c.Resolver.Cache.MaxPlans,
	}
}

// AllowanceCircuitBreaker returns the breaker settings, nil when disabled
func (c *Config) AllowanceCircuitBreaker() *allowance.CircuitBreakerConfig {
	if !c.Resolver.CircuitBreaker.Enabled {
		return nil
	}
	return &allowance.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: c.Resolver.CircuitBreaker.FailureThreshold,
		ResetTimeout:     c.Resolver.CircuitBreaker.ResetTimeout,
	}
}
