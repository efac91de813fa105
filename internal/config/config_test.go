package config

import (
	"os"
	"testing"
	"time"
)

// chdir moves into a scratch dir so stray config.yaml / .env files in the
// working tree cannot leak into tests.
func chdir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	t.Setenv("SUB_PROVIDER_MASTER_KEY", "unit-test-master")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DatabasePath != "gateway.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.CacheMode != "memory" {
		t.Errorf("CacheMode = %q, want memory", cfg.CacheMode)
	}
	if cfg.MasterKeyID != "mk-1" {
		t.Errorf("MasterKeyID = %q", cfg.MasterKeyID)
	}
	if cfg.Health.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval = %v", cfg.Health.CheckInterval)
	}
	if cfg.Health.CircuitBreakerTimeout != 2*time.Minute {
		t.Errorf("CircuitBreakerTimeout = %v", cfg.Health.CircuitBreakerTimeout)
	}
	if !cfg.Health.AutoRecoveryEnabled {
		t.Error("AutoRecoveryEnabled = false, want true")
	}
	if cfg.Discount.CheckInterval != 5*time.Minute {
		t.Errorf("Discount.CheckInterval = %v", cfg.Discount.CheckInterval)
	}
	if cfg.Discount.Duration != 24*time.Hour {
		t.Errorf("Discount.Duration = %v", cfg.Discount.Duration)
	}
	if cfg.RateLimit.RPMLimit != 0 {
		t.Errorf("RPMLimit = %d, want 0 (disabled)", cfg.RateLimit.RPMLimit)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	chdir(t)
	t.Setenv("SUB_PROVIDER_MASTER_KEY", "unit-test-master")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OPENAI_API_KEY", "sk-platform")
	t.Setenv("CACHE_MODE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("DISCOUNT_DURATION_MS", "3600000")
	t.Setenv("RPM_LIMIT", "120")
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://localhost:9000/gateway")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowered debug", cfg.LogLevel)
	}
	if cfg.OpenAI.APIKey != "sk-platform" {
		t.Errorf("OpenAI.APIKey = %q", cfg.OpenAI.APIKey)
	}
	if cfg.CacheMode != "redis" || cfg.Redis.URL != "redis://localhost:6379" {
		t.Errorf("cache = %q / %q", cfg.CacheMode, cfg.Redis.URL)
	}
	if cfg.Discount.Duration != time.Hour {
		t.Errorf("Discount.Duration = %v", cfg.Discount.Duration)
	}
	if cfg.RateLimit.RPMLimit != 120 {
		t.Errorf("RPMLimit = %d", cfg.RateLimit.RPMLimit)
	}
	if cfg.ClickHouseDSN == "" {
		t.Error("ClickHouseDSN not read")
	}
}

func TestLoadCompatProviders(t *testing.T) {
	chdir(t)
	t.Setenv("SUB_PROVIDER_MASTER_KEY", "unit-test-master")
	t.Setenv("COMPAT_PROVIDERS", "deepinfra=https://api.deepinfra.com/v1/openai, groq=https://api.groq.com/openai/v1")
	t.Setenv("DEEPINFRA_API_KEY", "di-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Compat) != 2 {
		t.Fatalf("Compat = %+v", cfg.Compat)
	}
	if cfg.Compat[0].Name != "deepinfra" || cfg.Compat[0].APIKey != "di-key" {
		t.Errorf("compat[0] = %+v", cfg.Compat[0])
	}
	if cfg.Compat[1].Name != "groq" || cfg.Compat[1].BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("compat[1] = %+v", cfg.Compat[1])
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	chdir(t)
	if err := os.WriteFile(".env", []byte("SUB_PROVIDER_MASTER_KEY=from-dotenv\nDATABASE_PATH=dotenv.db\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// gotenv sets real process env vars; scrub them after.
	t.Cleanup(func() {
		os.Unsetenv("SUB_PROVIDER_MASTER_KEY")
		os.Unsetenv("DATABASE_PATH")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MasterKey != "from-dotenv" {
		t.Errorf("MasterKey = %q", cfg.MasterKey)
	}
	if cfg.DatabasePath != "dotenv.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			MasterKey: "k",
			LogLevel:  "info",
			CacheMode: "memory",
			Health: HealthConfig{
				CheckInterval:         10 * time.Second,
				CircuitBreakerTimeout: 2 * time.Minute,
			},
			Discount: DiscountConfig{
				CheckInterval: 5 * time.Minute,
				Duration:      24 * time.Hour,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing master key", func(c *Config) { c.MasterKey = "" }, true},
		{"redis mode without url", func(c *Config) { c.CacheMode = "redis" }, true},
		{"redis mode with url", func(c *Config) {
			c.CacheMode = "redis"
			c.Redis.URL = "redis://localhost:6379"
		}, false},
		{"unknown cache mode", func(c *Config) { c.CacheMode = "memcached" }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"zero health interval", func(c *Config) { c.Health.CheckInterval = 0 }, true},
		{"zero breaker timeout", func(c *Config) { c.Health.CircuitBreakerTimeout = 0 }, true},
		{"zero discount duration", func(c *Config) { c.Discount.Duration = 0 }, true},
		{"negative rpm", func(c *Config) { c.RateLimit.RPMLimit = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
