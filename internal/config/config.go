package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	SES      SESConfig      `yaml:"ses"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Bedrock  BedrockConfig  `yaml:"bedrock"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// EngineConfig holds campaign engine settings.
type EngineConfig struct {
	// TickCron is the cron expression driving the standalone worker's
	// tick cadence.
	TickCron string `yaml:"tick_cron"`
	// BatchLimit bounds how many due enrollments one tick claims.
	BatchLimit int `yaml:"batch_limit"`
	// Workers is the size of the per-tick worker pool.
	Workers int `yaml:"workers"`
	// TickBudgetSeconds is the hard wall-clock budget for one tick.
	TickBudgetSeconds int `yaml:"tick_budget_seconds"`
	// RetryOffsetMinutes is how far a transiently failed enrollment is
	// pushed before its next attempt.
	RetryOffsetMinutes int `yaml:"retry_offset_minutes"`
	// MaxRetries bounds consecutive transient failures before an
	// enrollment is force-completed.
	MaxRetries int `yaml:"max_retries"`
	// ClaimLeaseMinutes is how long a claim may sit before a crashed
	// worker's enrollments become claimable again.
	ClaimLeaseMinutes int `yaml:"claim_lease_minutes"`
	// Timezone is the single deployment-local zone all schedule math
	// uses, e.g. "America/Chicago".
	Timezone string `yaml:"timezone"`
}

// TickBudget returns the tick budget as a duration.
func (c EngineConfig) TickBudget() time.Duration {
	return time.Duration(c.TickBudgetSeconds) * time.Second
}

// RetryOffset returns the retry offset as a duration.
func (c EngineConfig) RetryOffset() time.Duration {
	return time.Duration(c.RetryOffsetMinutes) * time.Minute
}

// ClaimLease returns the claim lease as a duration.
func (c EngineConfig) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseMinutes) * time.Minute
}

// Location resolves the configured timezone, defaulting to UTC on error.
func (c EngineConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SESConfig holds AWS SES email settings.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// TwilioConfig holds Twilio SMS settings.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// OpenAIConfig holds OpenAI personalization settings.
type OpenAIConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// BedrockConfig holds AWS Bedrock personalization settings. When both
// OpenAI and Bedrock are enabled, Bedrock wins (data stays inside AWS).
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// RedisConfig holds Redis settings for the per-campaign throttle. Optional;
// without Redis the engine falls back to in-process limiters.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// AuthConfig holds the shared secret guarding the tick endpoint.
type AuthConfig struct {
	EngineSecret string `yaml:"engine_secret"`
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

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Engine.TickCron == "" {
		cfg.Engine.TickCron = "*/15 * * * *"
	}
	if cfg.Engine.BatchLimit == 0 {
		cfg.Engine.BatchLimit = 100
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 8
	}
	if cfg.Engine.TickBudgetSeconds == 0 {
		cfg.Engine.TickBudgetSeconds = 300
	}
	if cfg.Engine.RetryOffsetMinutes == 0 {
		cfg.Engine.RetryOffsetMinutes = 15
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 5
	}
	if cfg.Engine.ClaimLeaseMinutes == 0 {
		cfg.Engine.ClaimLeaseMinutes = 10
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ENGINE_SECRET"); v != "" {
		cfg.Auth.EngineSecret = v
	}
	if v := os.Getenv("ENGINE_TIMEZONE"); v != "" {
		cfg.Engine.Timezone = v
	}
	if v := os.Getenv("ENGINE_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.BatchLimit = n
		}
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
	if v := os.Getenv("SES_FROM_EMAIL"); v != "" {
		cfg.SES.FromEmail = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Twilio.AuthToken = v
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		cfg.Twilio.FromNumber = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
		cfg.OpenAI.Enabled = true
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}

	return cfg, nil
}
