package worker

import (
	"context"
	"log"
	"sync"
)

// QueueProcessor runs one dispatch pass for a campaign.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, campaignID string, batchSize int) (*Result, error)
}

// Trigger accepts on-demand dispatch requests and runs them in the
// background. Enqueue never blocks: when the buffer is full the request is
// dropped and the periodic scheduler picks the campaign up instead.
type Trigger struct {
	processor QueueProcessor
	requests  chan string
	batchSize int
	maxPasses int
	wg        sync.WaitGroup
}

// NewTrigger creates a trigger with the given buffer size. Each request
// runs up to maxPasses consecutive full batches.
func NewTrigger(processor QueueProcessor, buffer, batchSize, maxPasses int) *Trigger {
	if buffer <= 0 {
		buffer = 64
	}
	if maxPasses <= 0 {
		maxPasses = 1
	}
	return &Trigger{
		processor: processor,
		requests:  make(chan string, buffer),
		batchSize: ClampBatchSize(batchSize),
		maxPasses: maxPasses,
	}
}

// Enqueue requests a dispatch pass for campaignID. It reports false when
// the request was dropped.
func (t *Trigger) Enqueue(campaignID string) bool {
	select {
	case t.requests <- campaignID:
		return true
	default:
		return false
	}
}

// Start runs n consumers until ctx is cancelled.
func (t *Trigger) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.consume(ctx)
		}()
	}
}

// Wait blocks until every consumer has returned.
func (t *Trigger) Wait() { t.wg.Wait() }

func (t *Trigger) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-t.requests:
			t.run(ctx, id)
		}
	}
}

// run keeps dispatching while passes come back full, so a launch drains
// quickly up to the rate limit without waiting for the scheduler.
func (t *Trigger) run(ctx context.Context, campaignID string) {
	for pass := 0; pass < t.maxPasses; pass++ {
		res, err := t.processor.ProcessQueue(ctx, campaignID, t.batchSize)
		if err != nil {
			log.Printf("[Trigger] campaign %s: %v", campaignID, err)
			return
		}
		if res.Skipped || res.Completed || res.RateLimited || res.Processed < t.batchSize {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
