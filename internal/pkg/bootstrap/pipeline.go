package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lovelink/mailer/internal/config"
	"github.com/lovelink/mailer/internal/mailing"
	"github.com/lovelink/mailer/internal/pkg/distlock"
	"github.com/lovelink/mailer/internal/queue"
	"github.com/lovelink/mailer/internal/repository/postgres"
	"github.com/lovelink/mailer/internal/segmentation"
	"github.com/lovelink/mailer/internal/service/campaign"
	"github.com/lovelink/mailer/internal/service/progress"
	"github.com/lovelink/mailer/internal/service/sending"
	"github.com/lovelink/mailer/internal/tracking"
	"github.com/lovelink/mailer/internal/worker"
)

// Pipeline holds the delivery components shared by the server and worker
// binaries.
type Pipeline struct {
	Campaigns *postgres.CampaignRepo
	Records   *postgres.SendRecordRepo
	Users     *postgres.UserRepo
	Events    *postgres.TrackingRepo
	Queue     *queue.Store
	Limiter   *worker.RateLimiter

	Tracker    *mailing.Tracker
	Transport  sending.Transport
	Dispatcher *worker.Dispatcher
	Trigger    *worker.Trigger
	Lifecycle  *campaign.Service
	Reporter   *progress.Reporter
	Processor  *tracking.Processor
}

// NewPipeline wires the repositories, queue, transport and services. The
// caller starts Trigger and closes Transport.
func NewPipeline(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client) (*Pipeline, error) {
	p := &Pipeline{
		Campaigns: postgres.NewCampaignRepo(db),
		Records:   postgres.NewSendRecordRepo(db),
		Users:     postgres.NewUserRepo(db),
		Events:    postgres.NewTrackingRepo(db),
		Queue:     queue.NewStore(rdb),
		Limiter:   worker.NewRateLimiter(rdb),
		Tracker:   mailing.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey),
	}

	tr, err := NewTransport(ctx, cfg.Mail)
	if err != nil {
		return nil, fmt.Errorf("mail transport: %w", err)
	}
	p.Transport = tr

	d := cfg.Delivery
	composer := mailing.NewComposer(p.Tracker, cfg.Mail.FromName, cfg.Mail.FromEmail)
	p.Dispatcher = worker.NewDispatcher(p.Campaigns, p.Records, p.Users, p.Queue, p.Limiter, composer, p.Transport, worker.DispatcherConfig{
		RetryBaseDelay:  d.RetryBaseDelay(),
		RetryMaxDelay:   d.RetryMaxDelay(),
		LockTTL:         d.LockTTL(),
		Concurrency:     d.Concurrency,
		DefaultSendRate: d.DefaultSendRate,
	})
	p.Trigger = worker.NewTrigger(p.Dispatcher, d.TriggerBuffer, d.BatchSize, d.TriggerMaxPasses)

	resolver := segmentation.NewResolver(db, postgres.NewSegmentRepo(db))
	p.Lifecycle = campaign.NewService(p.Campaigns, p.Records, resolver, p.Queue, p.Trigger)
	p.Lifecycle.SetLockFactory(func(key string) distlock.DistLock {
		return distlock.NewLock(rdb, db, key, d.LockTTL())
	})

	p.Reporter = progress.NewReporter(p.Campaigns, p.Queue, p.Limiter, cfg.Delivery.DefaultSendRate)
	p.Processor = tracking.NewProcessor(p.Records, p.Events, p.Users, p.Campaigns, cfg.Tracking.OpenDedupeWindow())
	return p, nil
}
