// Package config loads the mailer configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the server and worker binaries.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sentry   SentryConfig   `yaml:"sentry"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Mail     MailConfig     `yaml:"mail"`
	Tracking TrackingConfig `yaml:"tracking"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	Host             string   `yaml:"host"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	InternalAPIToken string   `yaml:"internal_api_token"`
}

// Addr returns the listen address. Containers always bind all interfaces.
func (c ServerConfig) Addr() string {
	host := c.Host
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// ConnLifetime returns the maximum connection lifetime.
func (c DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds the Redis connection URL.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DeliveryConfig tunes the dispatch pipeline.
type DeliveryConfig struct {
	DefaultSendRate          int `yaml:"default_send_rate"`
	BatchSize                int `yaml:"batch_size"`
	Concurrency              int `yaml:"concurrency"`
	DispatchIntervalSeconds  int `yaml:"dispatch_interval_seconds"`
	RetryBaseDelaySeconds    int `yaml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds     int `yaml:"retry_max_delay_seconds"`
	LockTTLSeconds           int `yaml:"lock_ttl_seconds"`
	RecoveryIntervalSeconds  int `yaml:"recovery_interval_seconds"`
	StaleAfterSeconds        int `yaml:"stale_after_seconds"`
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`
	TriggerBuffer            int `yaml:"trigger_buffer"`
	TriggerWorkers           int `yaml:"trigger_workers"`
	TriggerMaxPasses         int `yaml:"trigger_max_passes"`
}

// DispatchInterval returns the periodic trigger interval.
func (c DeliveryConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}

// RetryBaseDelay returns the delay before the first retry.
func (c DeliveryConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

// RetryMaxDelay returns the retry delay ceiling.
func (c DeliveryConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}

// LockTTL returns the dispatch lock lifetime.
func (c DeliveryConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RecoveryInterval returns how often stranded items are swept.
func (c DeliveryConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// StaleAfter returns the in-flight age after which an item is stranded.
func (c DeliveryConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// SchedulerInterval returns how often due scheduled campaigns are launched.
func (c DeliveryConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// MailConfig selects and configures the outbound transport.
type MailConfig struct {
	Transport string     `yaml:"transport"` // "smtp" or "ses"
	FromName  string     `yaml:"from_name"`
	FromEmail string     `yaml:"from_email"`
	SMTP      SMTPConfig `yaml:"smtp"`
	SES       SESConfig  `yaml:"ses"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl"`
}

// SESConfig holds Amazon SES settings.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// TrackingConfig holds the public tracking endpoint settings.
type TrackingConfig struct {
	BaseURL           string `yaml:"base_url"`
	SigningKey        string `yaml:"signing_key"`
	FallbackURL       string `yaml:"fallback_url"`
	Brand             string `yaml:"brand"`
	SQSQueueURL       string `yaml:"sqs_queue_url"`
	Region            string `yaml:"region"`
	OpenDedupeSeconds int    `yaml:"open_dedupe_seconds"`
}

// OpenDedupeWindow returns the window in which repeat opens are ignored.
func (c TrackingConfig) OpenDedupeWindow() time.Duration {
	return time.Duration(c.OpenDedupeSeconds) * time.Second
}

// ArchiveConfig holds the dead-letter archive bucket.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// Load reads and parses the configuration file. A missing file yields the
// defaults so that environment-only deployments work.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Sentry.SampleRate == 0 {
		cfg.Sentry.SampleRate = 1.0
	}

	d := &cfg.Delivery
	if d.DefaultSendRate == 0 {
		d.DefaultSendRate = 100
	}
	if d.BatchSize == 0 {
		d.BatchSize = 50
	}
	if d.Concurrency == 0 {
		d.Concurrency = 4
	}
	if d.DispatchIntervalSeconds == 0 {
		d.DispatchIntervalSeconds = 15
	}
	if d.RetryBaseDelaySeconds == 0 {
		d.RetryBaseDelaySeconds = 30
	}
	if d.RetryMaxDelaySeconds == 0 {
		d.RetryMaxDelaySeconds = 600
	}
	if d.LockTTLSeconds == 0 {
		d.LockTTLSeconds = 300
	}
	if d.RecoveryIntervalSeconds == 0 {
		d.RecoveryIntervalSeconds = 120
	}
	if d.StaleAfterSeconds == 0 {
		d.StaleAfterSeconds = 600
	}
	if d.SchedulerIntervalSeconds == 0 {
		d.SchedulerIntervalSeconds = 60
	}
	if d.TriggerBuffer == 0 {
		d.TriggerBuffer = 64
	}
	if d.TriggerWorkers == 0 {
		d.TriggerWorkers = 2
	}
	if d.TriggerMaxPasses == 0 {
		d.TriggerMaxPasses = 20
	}

	if cfg.Mail.Transport == "" {
		cfg.Mail.Transport = "smtp"
	}
	if cfg.Mail.FromName == "" {
		cfg.Mail.FromName = "LoveLink"
	}
	if cfg.Mail.SMTP.Port == 0 {
		cfg.Mail.SMTP.Port = 587
	}
	if cfg.Mail.SES.Region == "" {
		cfg.Mail.SES.Region = "us-east-1"
	}
	if cfg.Tracking.Region == "" {
		cfg.Tracking.Region = cfg.Mail.SES.Region
	}
	if cfg.Tracking.OpenDedupeSeconds == 0 {
		cfg.Tracking.OpenDedupeSeconds = 600
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = cfg.Mail.SES.Region
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file in the working directory is read first if present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.InternalAPIToken, "INTERNAL_API_TOKEN")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	if v := os.Getenv("LOG_REDACT_PII"); v != "" {
		cfg.Logging.RedactPII = v == "true" || v == "1"
	}
	setString(&cfg.Sentry.DSN, "SENTRY_DSN")
	setString(&cfg.Sentry.Environment, "SENTRY_ENVIRONMENT")

	setInt(&cfg.Delivery.DefaultSendRate, "DEFAULT_SEND_RATE")
	setInt(&cfg.Delivery.BatchSize, "DISPATCH_BATCH_SIZE")

	setString(&cfg.Mail.Transport, "MAIL_TRANSPORT")
	setString(&cfg.Mail.FromName, "MAIL_FROM_NAME")
	setString(&cfg.Mail.FromEmail, "MAIL_FROM_EMAIL")
	setString(&cfg.Mail.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.Mail.SMTP.Port, "SMTP_PORT")
	setString(&cfg.Mail.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.Mail.SMTP.Password, "SMTP_PASSWORD")
	setString(&cfg.Mail.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.Mail.SES.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.Mail.SES.Region, "AWS_SES_REGION")
	setString(&cfg.Mail.SES.ConfigurationSet, "AWS_SES_CONFIGURATION_SET")

	setString(&cfg.Tracking.BaseURL, "TRACKING_BASE_URL")
	setString(&cfg.Tracking.SigningKey, "TRACKING_SIGNING_KEY")
	setString(&cfg.Tracking.FallbackURL, "TRACKING_FALLBACK_URL")
	setString(&cfg.Tracking.SQSQueueURL, "TRACKING_SQS_QUEUE_URL")
	setString(&cfg.Archive.Bucket, "DEAD_LETTER_BUCKET")

	return cfg, nil
}

// Validate reports settings without which the binaries cannot run.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	switch cfg.Mail.Transport {
	case "smtp":
		if cfg.Mail.SMTP.Host == "" {
			return fmt.Errorf("smtp transport requires SMTP_HOST")
		}
	case "ses":
	default:
		return fmt.Errorf("unknown mail transport %q", cfg.Mail.Transport)
	}
	if cfg.Mail.FromEmail == "" {
		return fmt.Errorf("sender address is required (MAIL_FROM_EMAIL)")
	}
	if cfg.Tracking.BaseURL == "" || cfg.Tracking.SigningKey == "" {
		return fmt.Errorf("tracking base url and signing key are required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
