// Package bootstrap opens the shared connections of the server, worker
// and tracking binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/lovelink/mailer/internal/config"
	"github.com/lovelink/mailer/internal/pkg/logger"
	"github.com/lovelink/mailer/internal/service/sending"
	"github.com/lovelink/mailer/internal/transport"
)

// connectAttempts bounds how long a binary waits for its dependencies at
// startup, e.g. while a compose stack is still coming up.
const connectAttempts = 6

// ConfigureLogger applies the logging settings to the process logger.
func ConfigureLogger(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.RedactPII)
}

// InitSentry enables error reporting when a DSN is configured. The
// returned function flushes buffered events and is safe to call either way.
func InitSentry(cfg config.SentryConfig, release string) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return func() {}, fmt.Errorf("sentry init: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// OpenPostgres opens the pool and waits until the database answers.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime())

	err = retry(ctx, "postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenRedis connects to url and waits until the server answers PING.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	err = retry(ctx, "redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func retry(ctx context.Context, name string, ping func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	op := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := ping(pingCtx)
		if err != nil {
			logger.Warn("dependency not ready", "component", name, "attempt", attempt, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, connectAttempts-1), ctx)); err != nil {
		return fmt.Errorf("%s unreachable after %d attempts: %w", name, attempt, err)
	}
	return nil
}

// NewTransport builds the configured outbound mail transport.
func NewTransport(ctx context.Context, cfg config.MailConfig) (sending.Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return transport.NewSMTPTransport(transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			SSL:      cfg.SMTP.SSL,
		}), nil
	case "ses":
		return transport.NewSESTransport(ctx, transport.SESConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKey,
			SecretAccessKey:  cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}
