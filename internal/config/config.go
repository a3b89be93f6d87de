package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the drip engine binaries.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Drip     DripConfig     `yaml:"drip"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Sentry   SentryConfig   `yaml:"sentry"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AdminToken guards the operator endpoints. Empty disables the check.
	AdminToken     string   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, listening on all interfaces in containers.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr is host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
	MigrationsDir   string `yaml:"migrations_dir"`
}

// RedisConfig holds the optional Redis used for enrollment leases.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DripConfig holds sequence processing settings.
type DripConfig struct {
	Timezone           string `yaml:"timezone"`
	OpenHour           int    `yaml:"open_hour"`
	CloseHour          int    `yaml:"close_hour"`
	BatchSize          int    `yaml:"batch_size"`
	Concurrency        int    `yaml:"concurrency"`
	MaxAttempts        int    `yaml:"max_attempts"`
	Schedule           string `yaml:"schedule"`
	PassTimeoutSeconds int    `yaml:"pass_timeout_seconds"`
	LeaseTTLSeconds    int    `yaml:"lease_ttl_seconds"`
	FromAddress        string `yaml:"from_address"`
	SiteURL            string `yaml:"site_url"`
	SigningKey         string `yaml:"signing_key"`
}

// LeaseTTL is how long an enrollment lease survives a crashed worker.
func (c DripConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// PassTimeout bounds a single processing pass.
func (c DripConfig) PassTimeout() time.Duration {
	return time.Duration(c.PassTimeoutSeconds) * time.Second
}

// DeliveryConfig selects and configures the email provider.
type DeliveryConfig struct {
	Provider string         `yaml:"provider"` // ses | sendgrid | http | log
	SES      SESConfig      `yaml:"ses"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// SESConfig holds AWS SES credentials
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// SendGridConfig holds the SendGrid API key.
type SendGridConfig struct {
	APIKey string `yaml:"api_key"`
}

// HTTPConfig configures a JSON email API shaped like Resend's POST /emails.
type HTTPConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "migrations"
	}
	if cfg.Drip.Timezone == "" {
		cfg.Drip.Timezone = "America/Chicago"
	}
	if cfg.Drip.OpenHour == 0 && cfg.Drip.CloseHour == 0 {
		cfg.Drip.OpenHour = 9
		cfg.Drip.CloseHour = 17
	}
	if cfg.Drip.BatchSize == 0 {
		cfg.Drip.BatchSize = 100
	}
	if cfg.Drip.Concurrency == 0 {
		cfg.Drip.Concurrency = 4
	}
	if cfg.Drip.Schedule == "" {
		cfg.Drip.Schedule = "*/15 * * * *"
	}
	if cfg.Drip.PassTimeoutSeconds == 0 {
		cfg.Drip.PassTimeoutSeconds = 300
	}
	if cfg.Drip.LeaseTTLSeconds == 0 {
		cfg.Drip.LeaseTTLSeconds = 120
	}
	if cfg.Delivery.Provider == "" {
		cfg.Delivery.Provider = "log"
	}
	if cfg.Delivery.SES.Region == "" {
		cfg.Delivery.SES.Region = "us-east-1"
	}
	if cfg.Delivery.HTTP.BaseURL == "" {
		cfg.Delivery.HTTP.BaseURL = "https://api.resend.com"
	}
	if cfg.Delivery.HTTP.MaxRetries == 0 {
		cfg.Delivery.HTTP.MaxRetries = 3
	}
	if cfg.Delivery.HTTP.TimeoutSeconds == 0 {
		cfg.Delivery.HTTP.TimeoutSeconds = 30
	}
	if cfg.Sentry.Environment == "" {
		cfg.Sentry.Environment = "production"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present. An empty path skips the YAML file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DRIP_TIMEZONE"); v != "" {
		cfg.Drip.Timezone = v
	}
	if v := os.Getenv("DRIP_SCHEDULE"); v != "" {
		cfg.Drip.Schedule = v
	}
	if v := os.Getenv("DRIP_FROM_ADDRESS"); v != "" {
		cfg.Drip.FromAddress = v
	}
	if v := os.Getenv("SITE_URL"); v != "" {
		cfg.Drip.SiteURL = v
	}
	if v := os.Getenv("UNSUBSCRIBE_SIGNING_KEY"); v != "" {
		cfg.Drip.SigningKey = v
	}
	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		cfg.Delivery.Provider = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Delivery.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Delivery.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Delivery.SES.Region = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Delivery.SendGrid.APIKey = v
	}
	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.Delivery.HTTP.APIKey = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

// Validate reports configuration the binaries cannot start with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Drip.Timezone); err != nil {
		return fmt.Errorf("drip.timezone: %w", err)
	}
	if c.Drip.OpenHour < 0 || c.Drip.CloseHour > 24 || c.Drip.OpenHour >= c.Drip.CloseHour {
		return fmt.Errorf("drip: open_hour %d must be before close_hour %d", c.Drip.OpenHour, c.Drip.CloseHour)
	}
	if c.Drip.Concurrency < 1 {
		return fmt.Errorf("drip.concurrency must be at least 1")
	}
	if c.Drip.MaxAttempts < 0 {
		return fmt.Errorf("drip.max_attempts must not be negative")
	}
	switch c.Delivery.Provider {
	case "ses", "log":
	case "sendgrid":
		if c.Delivery.SendGrid.APIKey == "" {
			return fmt.Errorf("delivery.sendgrid.api_key is required")
		}
	case "http":
		if c.Delivery.HTTP.APIKey == "" {
			return fmt.Errorf("delivery.http.api_key is required")
		}
	default:
		return fmt.Errorf("unknown delivery provider %q", c.Delivery.Provider)
	}
	if c.Delivery.Provider != "log" {
		if c.Drip.FromAddress == "" {
			return fmt.Errorf("drip.from_address is required")
		}
		// Real mail carries unsubscribe links; an empty or short key makes
		// their tokens forgeable.
		if len(c.Drip.SigningKey) < minSigningKeyLen {
			return fmt.Errorf("drip.signing_key must be at least %d bytes", minSigningKeyLen)
		}
		u, err := url.Parse(c.Drip.SiteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("drip.site_url must be an absolute http(s) URL, got %q", c.Drip.SiteURL)
		}
	}
	// Without Redis each in-flight enrollment pins a pooled connection for
	// its advisory lock, and still needs another one for its queries.
	if c.Redis.URL == "" && c.Database.MaxOpenConns > 0 && c.Drip.Concurrency >= c.Database.MaxOpenConns {
		return fmt.Errorf("drip.concurrency %d must be below database.max_open_conns %d when redis.url is unset",
			c.Drip.Concurrency, c.Database.MaxOpenConns)
	}
	return nil
}

const minSigningKeyLen = 32
