package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/mailer/internal/config"
	"github.com/lovelink/mailer/internal/transport"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpenRedis_BadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "flaky", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_GivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := retry(ctx, "down", func(context.Context) error { return errors.New("refused") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down unreachable")
}

func TestInitSentry_NoDSN(t *testing.T) {
	flush, err := InitSentry(config.SentryConfig{}, "test")
	require.NoError(t, err)
	assert.NotPanics(t, flush)
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(context.Background(), config.MailConfig{
		Transport: "smtp",
		SMTP:      config.SMTPConfig{Host: "localhost", Port: 2525},
	})
	require.NoError(t, err)
	assert.IsType(t, &transport.SMTPTransport{}, tr)
	assert.NoError(t, tr.Close())

	_, err = NewTransport(context.Background(), config.MailConfig{Transport: "fax"})
	assert.Error(t, err)
}
