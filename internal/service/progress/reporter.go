// Package progress merges the persisted campaign row with the live queue
// and rate limiter state into one read-only status view.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/worker"
)

// CampaignReader loads the persisted campaign.
type CampaignReader interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// QueueReader exposes the live queue counters.
type QueueReader interface {
	GetProgress(ctx context.Context, campaignID string) (*domain.Progress, error)
	Depths(ctx context.Context, campaignID string) (*domain.QueueDepths, error)
	IsPaused(ctx context.Context, campaignID string) (bool, error)
}

// RateReader exposes the current rate window.
type RateReader interface {
	State(ctx context.Context, campaignID string, sendRate int) (worker.RateState, error)
}

// Counters are the persisted aggregate counters of the campaign row.
type Counters struct {
	TotalRecipients int `json:"total_recipients"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Opened          int `json:"opened"`
	Clicked         int `json:"clicked"`
	Bounced         int `json:"bounced"`
	Unsubscribed    int `json:"unsubscribed"`
}

// CampaignStatus is the merged view served to operators.
type CampaignStatus struct {
	CampaignID  string                `json:"campaign_id"`
	Name        string                `json:"name"`
	Status      domain.CampaignStatus `json:"status"`
	Paused      bool                  `json:"paused"`
	SendRate    int                   `json:"send_rate"`
	Counters    Counters              `json:"counters"`
	Progress    domain.Progress       `json:"progress"`
	Queue       domain.QueueDepths    `json:"queue"`
	RateLimit   worker.RateState      `json:"rate_limit"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`

	EmailsPerMinute           float64 `json:"emails_per_minute"`
	EstimatedSecondsRemaining int64   `json:"estimated_seconds_remaining"`
	PercentComplete           float64 `json:"percent_complete"`
}

// Reporter builds CampaignStatus views. It never mutates state.
type Reporter struct {
	campaigns CampaignReader
	queue     QueueReader
	limiter   RateReader
	// defaultSendRate must match the dispatcher's so unrated campaigns
	// report the limit they are actually throttled at.
	defaultSendRate int
	now             func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(campaigns CampaignReader, queue QueueReader, limiter RateReader, defaultSendRate int) *Reporter {
	return &Reporter{campaigns: campaigns, queue: queue, limiter: limiter, defaultSendRate: defaultSendRate, now: time.Now}
}

// GetCampaignStatus returns the merged status of one campaign.
func (r *Reporter) GetCampaignStatus(ctx context.Context, campaignID string) (*CampaignStatus, error) {
	c, err := r.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	p, err := r.queue.GetProgress(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	depths, err := r.queue.Depths(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read queue depths: %w", err)
	}
	paused, err := r.queue.IsPaused(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read pause flag: %w", err)
	}
	sendRate := worker.EffectiveSendRate(c, r.defaultSendRate)
	rate, err := r.limiter.State(ctx, campaignID, sendRate)
	if err != nil {
		return nil, fmt.Errorf("read rate state: %w", err)
	}

	st := &CampaignStatus{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     c.Status,
		Paused:     paused,
		SendRate:   sendRate,
		Counters: Counters{
			TotalRecipients: c.TotalRecipients,
			Sent:            c.SentCount,
			Delivered:       c.DeliveredCount,
			Opened:          c.OpenCount,
			Clicked:         c.ClickCount,
			Bounced:         c.BounceCount,
			Unsubscribed:    c.UnsubscribeCount,
		},
		Progress:    *p,
		Queue:       *depths,
		RateLimit:   rate,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}

	started := p.StartedAt
	if started == nil {
		started = c.StartedAt
	}
	st.EmailsPerMinute, st.EstimatedSecondsRemaining = Throughput(p.Sent, p.Queued, started, r.now())
	st.PercentComplete = percent(p.Sent+int(depths.DeadLetter), p.Total)
	if c.Status == domain.CampaignCompleted {
		st.PercentComplete = 100
		st.EstimatedSecondsRemaining = 0
	}
	return st, nil
}

// Throughput derives the send rate since start and the time left for the
// remaining queued items. With no measurable rate the estimate is zero.
func Throughput(sent, queued int, startedAt *time.Time, now time.Time) (perMinute float64, etaSeconds int64) {
	if startedAt == nil || sent <= 0 {
		return 0, 0
	}
	elapsed := now.Sub(*startedAt).Minutes()
	if elapsed <= 0 {
		return 0, 0
	}
	perMinute = float64(sent) / elapsed
	if perMinute <= 0 || queued <= 0 {
		return perMinute, 0
	}
	return perMinute, int64(math.Ceil(float64(queued) / perMinute * 60))
}

func percent(done, total int) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*100) / 100
}
