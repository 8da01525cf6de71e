package worker

import (
	"context"
	"log"
	"time"
)

// DefaultDispatchInterval is how often the scheduler runs a full pass.
const DefaultDispatchInterval = 15 * time.Second

// AllProcessor runs one pass over every sending campaign.
type AllProcessor interface {
	ProcessAll(ctx context.Context, batchSize int) ([]*Result, error)
}

// DispatchScheduler is the periodic trigger: on every tick it runs a
// ProcessAll pass. Campaigns that were rate limited or dropped by the
// on-demand trigger continue here.
type DispatchScheduler struct {
	processor AllProcessor
	interval  time.Duration
	batchSize int
}

// NewDispatchScheduler creates a periodic trigger.
func NewDispatchScheduler(processor AllProcessor, interval time.Duration, batchSize int) *DispatchScheduler {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	return &DispatchScheduler{processor: processor, interval: interval, batchSize: ClampBatchSize(batchSize)}
}

// Start runs passes until ctx is cancelled. It blocks.
func (s *DispatchScheduler) Start(ctx context.Context) {
	log.Printf("[DispatchScheduler] Starting (interval=%s, batch_size=%d)", s.interval, s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DispatchScheduler] Stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *DispatchScheduler) tick(ctx context.Context) {
	results, err := s.processor.ProcessAll(ctx, s.batchSize)
	if err != nil {
		log.Printf("[DispatchScheduler] pass failed: %v", err)
		return
	}
	for _, r := range results {
		if r != nil && r.Skipped && r.CampaignID == "" {
			log.Println("[DispatchScheduler] another worker holds the global lock")
		}
	}
}
