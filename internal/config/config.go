// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies. ClickHouse analytics are optional and
// disabled when CLICKHOUSE_DSN is empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// DatabasePath is the SQLite database file. Default: "gateway.db".
	DatabasePath string

	// MasterKey encrypts sub-provider credentials at rest. Required.
	MasterKey string

	// MasterKeyID names the active master key so stored credentials can be
	// re-wrapped during rotation. Default: "mk-1".
	MasterKeyID string

	// Platform provider credentials used to seed the shared adapters.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Compat lists OpenAI-compatible upstreams, parsed from
	// COMPAT_PROVIDERS as "name=baseURL" pairs separated by commas.
	Compat []CompatProvider

	// Redis holds the connection URL for the verdict cache and the rate
	// limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// CacheMode selects the screener verdict cache backend:
	//   "redis"  — shared across replicas (requires REDIS_URL).
	//   "memory" — in-process TTL cache.
	//   "none"   — cache disabled.
	// Default: "memory".
	CacheMode string

	// ClickHouseDSN enables the async request analytics sink when set.
	ClickHouseDSN string

	// Health controls the monitor loop.
	Health HealthConfig

	// Discount controls the daily discount scheduler.
	Discount DiscountConfig

	// RateLimit controls per-user request-rate limiting.
	RateLimit RateLimitConfig

	// AlertWebhookURL receives critical-content alerts. Empty disables.
	AlertWebhookURL string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any
	// origin (default).
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the platform-level key. Leave empty to disable the shared
	// adapter; tenant sub-provider keys still work.
	APIKey string

	// BaseURL overrides the provider's default API endpoint. Useful for
	// local mocks. Leave empty to use the default.
	BaseURL string
}

// CompatProvider is one OpenAI-compatible upstream.
type CompatProvider struct {
	Name    string
	BaseURL string
	APIKey  string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// HealthConfig controls the background health monitor.
type HealthConfig struct {
	// CheckInterval is the monitor tick. Default: 10s.
	CheckInterval time.Duration

	// CircuitBreakerTimeout is how long a tripped breaker stays open
	// before a probe is allowed. Default: 120s.
	CircuitBreakerTimeout time.Duration

	// AutoRecoveryEnabled toggles the recovery pass. Default: true.
	AutoRecoveryEnabled bool
}

// DiscountConfig controls the daily discount rollout.
type DiscountConfig struct {
	// CheckInterval is the scheduler tick. Default: 5m.
	CheckInterval time.Duration

	// Duration is how long an assigned discount stays live. Default: 24h.
	Duration time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per user.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_PATH", "gateway.db")
	v.SetDefault("MASTER_KEY_ID", "mk-1")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Health monitor defaults.
	v.SetDefault("HEALTH_CHECK_INTERVAL_MS", 10_000)
	v.SetDefault("CIRCUIT_BREAKER_TIMEOUT_MS", 120_000)
	v.SetDefault("AUTO_RECOVERY_ENABLED", true)

	// Discount scheduler defaults.
	v.SetDefault("DISCOUNT_CHECK_INTERVAL_MS", 300_000)
	v.SetDefault("DISCOUNT_DURATION_MS", 86_400_000)

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	cfg := &Config{
		Port:         v.GetInt("PORT"),
		LogLevel:     strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabasePath: v.GetString("DATABASE_PATH"),
		MasterKey:    v.GetString("SUB_PROVIDER_MASTER_KEY"),
		MasterKeyID:  v.GetString("MASTER_KEY_ID"),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Compat: parseCompat(v.GetString("COMPAT_PROVIDERS"), v),

		Redis:         RedisConfig{URL: v.GetString("REDIS_URL")},
		CacheMode:     strings.ToLower(v.GetString("CACHE_MODE")),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		Health: HealthConfig{
			CheckInterval:         time.Duration(v.GetInt64("HEALTH_CHECK_INTERVAL_MS")) * time.Millisecond,
			CircuitBreakerTimeout: time.Duration(v.GetInt64("CIRCUIT_BREAKER_TIMEOUT_MS")) * time.Millisecond,
			AutoRecoveryEnabled:   v.GetBool("AUTO_RECOVERY_ENABLED"),
		},

		Discount: DiscountConfig{
			CheckInterval: time.Duration(v.GetInt64("DISCOUNT_CHECK_INTERVAL_MS")) * time.Millisecond,
			Duration:      time.Duration(v.GetInt64("DISCOUNT_DURATION_MS")) * time.Millisecond,
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		AlertWebhookURL: v.GetString("ALERT_WEBHOOK_URL"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseCompat expands "name=baseURL[,name=baseURL...]"; each provider's key
// comes from <NAME>_API_KEY.
func parseCompat(raw string, v *viper.Viper) []CompatProvider {
	if raw == "" {
		return nil
	}
	var out []CompatProvider
	for _, entry := range strings.Split(raw, ",") {
		name, baseURL, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || name == "" || baseURL == "" {
			continue
		}
		out = append(out, CompatProvider{
			Name:    name,
			BaseURL: baseURL,
			APIKey:  v.GetString(strings.ToUpper(name) + "_API_KEY"),
		})
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("config: SUB_PROVIDER_MASTER_KEY is required to encrypt tenant credentials")
	}

	if c.CacheMode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	switch c.CacheMode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.CacheMode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL_MS must be positive")
	}
	if c.Health.CircuitBreakerTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_TIMEOUT_MS must be positive")
	}
	if c.Discount.CheckInterval <= 0 || c.Discount.Duration <= 0 {
		return fmt.Errorf("config: discount intervals must be positive")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
