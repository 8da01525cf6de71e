package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/service/campaign"
)

// =============================================================================
// CAMPAIGN SCHEDULER WORKER
// =============================================================================
// Polls for campaigns with status='scheduled' whose scheduled_at has
// arrived and launches them through the lifecycle service. A scheduled
// campaign that cannot be launched because it has no content or no
// recipients is failed so operators see it instead of it being retried
// on every poll.

// DefaultSchedulerPollInterval is how often to check for due campaigns.
const DefaultSchedulerPollInterval = 30 * time.Second

// ScheduledCampaignStore finds due scheduled campaigns.
type ScheduledCampaignStore interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]string, error)
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error
}

// Launcher starts a campaign.
type Launcher interface {
	Launch(ctx context.Context, campaignID string) (int, error)
}

// CampaignScheduler launches scheduled campaigns when they come due.
type CampaignScheduler struct {
	campaigns    ScheduledCampaignStore
	launcher     Launcher
	pollInterval time.Duration
	now          func() time.Time
}

// NewCampaignScheduler creates a new campaign scheduler.
func NewCampaignScheduler(campaigns ScheduledCampaignStore, launcher Launcher, pollInterval time.Duration) *CampaignScheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultSchedulerPollInterval
	}
	return &CampaignScheduler{
		campaigns:    campaigns,
		launcher:     launcher,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Start polls until ctx is cancelled. It blocks.
func (cs *CampaignScheduler) Start(ctx context.Context) {
	log.Printf("[CampaignScheduler] Starting (poll_interval=%s)", cs.pollInterval)

	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CampaignScheduler] Stopping")
			return
		case <-ticker.C:
			cs.LaunchDue(ctx)
		}
	}
}

// LaunchDue launches every campaign whose scheduled time has passed and
// returns how many were launched.
func (cs *CampaignScheduler) LaunchDue(ctx context.Context) int {
	ids, err := cs.campaigns.ListDueScheduled(ctx, cs.now().UTC())
	if err != nil {
		log.Printf("[CampaignScheduler] list due campaigns: %v", err)
		return 0
	}

	launched := 0
	for _, id := range ids {
		n, err := cs.launcher.Launch(ctx, id)
		switch {
		case err == nil:
			launched++
			log.Printf("[CampaignScheduler] launched campaign %s with %d recipients", id, n)
		case errors.Is(err, campaign.ErrNoRecipients), errors.Is(err, campaign.ErrNoContent):
			log.Printf("[CampaignScheduler] campaign %s cannot launch: %v", id, err)
			if terr := cs.campaigns.Transition(ctx, id,
				[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignFailed); terr != nil {
				log.Printf("[CampaignScheduler] fail campaign %s: %v", id, terr)
			}
		case errors.Is(err, campaign.ErrLaunchInProgress), errors.Is(err, campaign.ErrInvalidTransition):
			// another instance got there first
		default:
			log.Printf("[CampaignScheduler] launch campaign %s: %v", id, err)
		}
	}
	return launched
}
