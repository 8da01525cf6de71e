package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/mailing"
	"github.com/lovelink/mailer/internal/pkg/logger"
	"github.com/lovelink/mailer/internal/service/sending"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxBatchSize caps how many items one dispatch pass may pop.
	MaxBatchSize = 50

	// DefaultBatchSize is used when a caller passes no batch size.
	DefaultBatchSize = 50

	// GlobalLockName guards ProcessAll.
	GlobalLockName = "dispatch:all"

	defaultLockTTL     = 5 * time.Minute
	defaultConcurrency = 4
)

// ErrRecipientGone marks items whose user was deleted after launch.
var ErrRecipientGone = errors.New("recipient no longer exists")

// CampaignLockName is the lock held while one campaign is dispatched.
func CampaignLockName(campaignID string) string {
	return "dispatch:campaign:" + campaignID
}

// Result summarizes one dispatch pass over a campaign.
type Result struct {
	CampaignID  string `json:"campaign_id"`
	Processed   int    `json:"processed"`
	Sent        int    `json:"sent"`
	Failed      int    `json:"failed"`
	RateLimited bool   `json:"rate_limited"`
	WaitMs      int64  `json:"wait_ms,omitempty"`
	Completed   bool   `json:"completed"`
	Skipped     bool   `json:"skipped"`
	// LockLost is set when the campaign lock lapsed mid-pass and the pass
	// stopped early.
	LockLost bool `json:"lock_lost,omitempty"`
}

// DispatcherConfig tunes retry spacing, locking and fan-out.
type DispatcherConfig struct {
	// RetryBaseDelay is the wait before the first retry; it doubles per
	// attempt up to RetryMaxDelay. Zero makes retries due immediately.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LockTTL        time.Duration
	Concurrency    int

	// DefaultSendRate applies to campaigns stored without a send rate.
	// Zero leaves such campaigns unthrottled.
	DefaultSendRate int
}

// Dispatcher pops queued recipients in bounded batches, composes and sends
// their messages, and records each outcome in the queue and the database.
type Dispatcher struct {
	campaigns CampaignStore
	records   SendRecordStore
	users     RecipientLookup
	queue     QueueStore
	limiter   Limiter
	composer  *mailing.Composer
	sender    sending.Sender
	cfg       DispatcherConfig
	now       func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(
	campaigns CampaignStore,
	records SendRecordStore,
	users RecipientLookup,
	queue QueueStore,
	limiter Limiter,
	composer *mailing.Composer,
	sender sending.Sender,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	return &Dispatcher{
		campaigns: campaigns,
		records:   records,
		users:     users,
		queue:     queue,
		limiter:   limiter,
		composer:  composer,
		sender:    sender,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ClampBatchSize bounds a requested batch size to [1, MaxBatchSize].
func ClampBatchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// ProcessQueue runs one bounded pass over a campaign. Contention on the
// campaign lock is not an error: the result comes back with Skipped set
// and the queue untouched. Per-item send failures never abort the pass;
// queue or database errors do.
func (d *Dispatcher) ProcessQueue(ctx context.Context, campaignID string, batchSize int) (*Result, error) {
	res := &Result{CampaignID: campaignID}
	lockName := CampaignLockName(campaignID)

	ok, err := d.queue.AcquireLock(ctx, lockName, d.cfg.LockTTL)
	if err != nil {
		return res, d.reportInfra(campaignID, fmt.Errorf("acquire dispatch lock: %w", err))
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := d.queue.ReleaseLock(context.Background(), lockName); err != nil {
			log.Printf("[Dispatcher] release lock %s: %v", lockName, err)
		}
	}()

	if err := d.process(ctx, lockName, campaignID, ClampBatchSize(batchSize), res); err != nil {
		return res, d.reportInfra(campaignID, err)
	}
	return res, nil
}

func (d *Dispatcher) process(ctx context.Context, lockName, campaignID string, batchSize int, res *Result) error {
	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c.Status != domain.CampaignSending {
		res.Completed = true
		return nil
	}
	paused, err := d.queue.IsPaused(ctx, campaignID)
	if err != nil {
		return err
	}
	if paused {
		res.Completed = true
		return nil
	}

	content, err := d.loadContent(ctx, c)
	if err != nil {
		return err
	}

	for i := 0; i < batchSize; i++ {
		// Each send may take a while, so the lock is renewed to a full
		// TTL before every item after the first.
		if i > 0 {
			held, err := d.queue.ExtendLock(ctx, lockName, d.cfg.LockTTL)
			if err != nil {
				return fmt.Errorf("extend dispatch lock: %w", err)
			}
			if !held {
				logger.Warn("dispatch lock lost mid-pass", "campaign_id", campaignID, "processed", res.Processed)
				res.LockLost = true
				return nil
			}
		}

		decision, err := d.limiter.CheckRateLimit(ctx, campaignID, d.sendRate(c))
		if err != nil {
			return err
		}
		if !decision.Allowed {
			res.RateLimited = true
			res.WaitMs = decision.WaitMs
			break
		}

		paused, err := d.queue.IsPaused(ctx, campaignID)
		if err != nil {
			return err
		}
		if paused {
			log.Printf("[Dispatcher] campaign %s paused mid-batch after %d items", campaignID, res.Processed)
			break
		}

		item, err := d.queue.Pop(ctx, campaignID)
		if err != nil {
			return err
		}
		if item == nil {
			break
		}
		res.Processed++
		if err := d.deliver(ctx, c, content, item, res); err != nil {
			return err
		}
	}

	empty, err := d.queue.IsEmpty(ctx, campaignID)
	if err != nil {
		return err
	}
	if empty {
		completed, err := d.campaigns.Complete(ctx, campaignID, d.now().UTC())
		if err != nil {
			return err
		}
		if completed {
			log.Printf("[Dispatcher] campaign %s completed", campaignID)
		}
		res.Completed = true
	}
	return nil
}

func (d *Dispatcher) sendRate(c *domain.Campaign) int {
	return EffectiveSendRate(c, d.cfg.DefaultSendRate)
}

// EffectiveSendRate is the per-minute limit a campaign is throttled at:
// its own send rate, or defaultRate when it has none.
func EffectiveSendRate(c *domain.Campaign, defaultRate int) int {
	if c.SendRate > 0 {
		return c.SendRate
	}
	return defaultRate
}

// loadContent resolves the effective body once per pass. A campaign that
// lost its content is failed so it stops consuming dispatch passes.
func (d *Dispatcher) loadContent(ctx context.Context, c *domain.Campaign) (domain.Content, error) {
	var tmpl *domain.Template
	if c.TemplateID != nil && *c.TemplateID != "" && c.HTMLContent == "" && c.TextContent == "" {
		t, err := d.campaigns.GetTemplate(ctx, *c.TemplateID)
		if err != nil {
			return domain.Content{}, fmt.Errorf("load template: %w", err)
		}
		tmpl = t
	}
	content, err := mailing.ResolveContent(c, tmpl)
	if errors.Is(err, mailing.ErrNoContent) {
		if terr := d.campaigns.Transition(ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignFailed); terr != nil {
			log.Printf("[Dispatcher] fail campaign %s without content: %v", c.ID, terr)
		}
	}
	return content, err
}

// deliver handles one popped item. Only infrastructure errors are returned.
func (d *Dispatcher) deliver(ctx context.Context, c *domain.Campaign, content domain.Content, item *domain.QueuedEmail, res *Result) error {
	done, err := d.queue.WasProcessed(ctx, item)
	if err != nil {
		return err
	}
	lg := logger.With("campaign_id", c.ID, "tracking_id", item.TrackingID)
	if done {
		lg.Info("skipping already delivered item")
		return d.queue.Acknowledge(ctx, item)
	}

	rcpt, err := d.users.FindRecipient(ctx, item.UserID)
	if err != nil {
		return fmt.Errorf("load recipient %s: %w", item.UserID, err)
	}
	if rcpt == nil {
		res.Failed++
		return d.deadLetter(ctx, item, ErrRecipientGone.Error())
	}

	msg := d.composer.Compose(c, content, rcpt, item)
	result, sendErr := d.sender.Send(ctx, msg)
	if sendErr != nil {
		res.Failed++
		lg.Warn("send failed", "email", item.Email, "attempt", item.Attempts+1, "error", sendErr.Error())
		if item.Attempts+1 >= domain.MaxSendAttempts {
			return d.deadLetter(ctx, item, sendErr.Error())
		}
		return d.retry(ctx, item, sendErr.Error())
	}

	if err := d.limiter.RecordSend(ctx, c.ID); err != nil {
		log.Printf("[Dispatcher] record send for campaign %s: %v", c.ID, err)
	}
	if err := d.queue.MarkProcessed(ctx, item); err != nil {
		return err
	}
	sentAt := d.now().UTC()
	if result != nil && !result.SentAt.IsZero() {
		sentAt = result.SentAt
	}
	if _, err := d.records.MarkSent(ctx, item.SendRecordID, sentAt); err != nil {
		return err
	}
	res.Sent++

	messageID := ""
	if result != nil {
		messageID = result.MessageID
	}
	lg.Info("email sent", "email", item.Email, "message_id", messageID)
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, item *domain.QueuedEmail, reason string) error {
	retried, err := d.queue.PushToRetry(ctx, item, reason, d.retryDelay(item.Attempts+1))
	if err != nil {
		return err
	}
	return d.records.RecordFailure(ctx, item.SendRecordID, retried.Attempts, reason, false)
}

func (d *Dispatcher) deadLetter(ctx context.Context, item *domain.QueuedEmail, reason string) error {
	dead, err := d.queue.MoveToDeadLetter(ctx, item, reason)
	if err != nil {
		return err
	}
	logger.Warn("item dead-lettered", "campaign_id", item.CampaignID, "email", item.Email,
		"attempts", dead.Attempts, "reason", reason)
	return d.records.RecordFailure(ctx, item.SendRecordID, dead.Attempts, reason, true)
}

// retryDelay returns the wait before the given attempt number, following an
// exponential schedule without jitter.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	if d.cfg.RetryBaseDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryBaseDelay
	b.MaxInterval = d.cfg.RetryMaxDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// ProcessAll runs one pass over every sending campaign under the global
// lock, fanning out across campaigns. Each campaign still takes its own
// lock, so a concurrent ProcessQueue for the same campaign is skipped.
func (d *Dispatcher) ProcessAll(ctx context.Context, batchSize int) ([]*Result, error) {
	ok, err := d.queue.AcquireLock(ctx, GlobalLockName, d.cfg.LockTTL)
	if err != nil {
		return nil, d.reportInfra("", fmt.Errorf("acquire global dispatch lock: %w", err))
	}
	if !ok {
		return []*Result{{Skipped: true}}, nil
	}
	defer func() {
		if err := d.queue.ReleaseLock(context.Background(), GlobalLockName); err != nil {
			log.Printf("[Dispatcher] release lock %s: %v", GlobalLockName, err)
		}
	}()

	ids, err := d.campaigns.ListIDsByStatus(ctx, domain.CampaignSending)
	if err != nil {
		return nil, d.reportInfra("", fmt.Errorf("list sending campaigns: %w", err))
	}

	results := make([]*Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := d.ProcessQueue(gctx, id, batchSize)
			results[i] = res
			if err != nil {
				log.Printf("[Dispatcher] campaign %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(ids) > 0 {
		sent := 0
		for _, r := range results {
			if r != nil {
				sent += r.Sent
			}
		}
		log.Printf("[Dispatcher] pass over %d sending campaigns, %d sent", len(ids), sent)
	}
	return results, nil
}

func (d *Dispatcher) reportInfra(campaignID string, err error) error {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "dispatcher")
		if campaignID != "" {
			scope.SetTag("campaign_id", campaignID)
		}
		sentry.CaptureException(err)
	})
	return err
}
