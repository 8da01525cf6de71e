package worker

import (
	"context"
	"log"
	"time"

	"github.com/lovelink/mailer/internal/domain"
)

// =============================================================================
// QUEUE RECOVERY WORKER: Reclaims Stranded In-Flight Items
// =============================================================================
// If a dispatcher dies between popping an item and recording its outcome,
// the item stays in the campaign's in-flight set and the campaign can never
// complete. This worker periodically moves such items back to the retry
// set. Their attempt count is unchanged, so a crash does not burn one of
// the recipient's attempts.

const (
	// DefaultRecoveryInterval is how often we scan for stranded items.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long an item may stay in flight before we
	// consider its dispatcher dead. It must exceed the dispatch lock TTL.
	DefaultStaleAge = 10 * time.Minute
)

// StaleRecoverer returns stranded in-flight items to the queue.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, campaignID string, olderThan time.Duration) (int, error)
}

// CampaignLister lists campaigns by status.
type CampaignLister interface {
	ListIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error)
}

// QueueRecoveryWorker periodically reclaims stranded items of sending and
// paused campaigns.
type QueueRecoveryWorker struct {
	campaigns CampaignLister
	queue     StaleRecoverer
	interval  time.Duration
	staleAge  time.Duration
}

// NewQueueRecoveryWorker creates a recovery worker. Zero durations fall
// back to the defaults.
func NewQueueRecoveryWorker(campaigns CampaignLister, queue StaleRecoverer, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{
		campaigns: campaigns,
		queue:     queue,
		interval:  interval,
		staleAge:  staleAge,
	}
}

// Start begins the recovery loop. It blocks until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s)", qr.interval, qr.staleAge)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			qr.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce runs a single scan and returns the number of reclaimed items.
func (qr *QueueRecoveryWorker) RecoverOnce(ctx context.Context) int {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	total := 0
	for _, status := range []domain.CampaignStatus{domain.CampaignSending, domain.CampaignPaused} {
		ids, err := qr.campaigns.ListIDsByStatus(queryCtx, status)
		if err != nil {
			log.Printf("[QueueRecovery] list %s campaigns: %v", status, err)
			continue
		}
		for _, id := range ids {
			n, err := qr.queue.RecoverStale(queryCtx, id, qr.staleAge)
			if err != nil {
				log.Printf("[QueueRecovery] campaign %s: %v", id, err)
				continue
			}
			if n > 0 {
				log.Printf("[QueueRecovery] campaign %s: requeued %d stranded items", id, n)
			}
			total += n
		}
	}
	return total
}
