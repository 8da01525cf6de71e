package campaign

import (
	"context"
	"time"

	"github.com/lovelink/mailer/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// MarkSending flips a draft or scheduled campaign to sending, fixes
	// total_recipients, zeroes the counters and stamps started_at. Returns
	// ErrInvalidTransition if the campaign left draft/scheduled meanwhile.
	MarkSending(ctx context.Context, id string, total int, startedAt time.Time) error

	// Transition moves the campaign to status `to` only if its current
	// status is one of `from`. Returns ErrNotFound or ErrInvalidTransition.
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// ResetToDraft moves a failed or cancelled campaign back to draft,
	// zeroes counters and timestamps and deletes still-pending send records
	// in one transaction. Returns the number of deleted records.
	ResetToDraft(ctx context.Context, id string) (int64, error)
}

// SendRecordRepository persists the per-recipient audit rows.
type SendRecordRepository interface {
	// CreateBatch inserts one pending record per recipient, skipping pairs
	// that already exist. Returns the number of rows actually inserted.
	CreateBatch(ctx context.Context, campaignID string, recipients []domain.Recipient) (int, error)

	// ListPending returns every pending record of the campaign.
	ListPending(ctx context.Context, campaignID string) ([]domain.SendRecord, error)
}

// RecipientResolver computes the eligible audience of a campaign.
type RecipientResolver interface {
	ResolveForCampaign(ctx context.Context, c *domain.Campaign) ([]domain.Recipient, error)
}

// QueueStore is the subset of the durable queue the lifecycle needs.
type QueueStore interface {
	Push(ctx context.Context, campaignID string, items []domain.QueuedEmail) error
	InitProgress(ctx context.Context, campaignID string, total int) error
	MarkStarted(ctx context.Context, campaignID string, at time.Time) error
	SetPaused(ctx context.Context, campaignID string, paused bool) error
	IsPaused(ctx context.Context, campaignID string) (bool, error)
	Clear(ctx context.Context, campaignID string) error
}

// Trigger schedules a follow-up dispatch pass without waiting for it.
type Trigger interface {
	// Enqueue returns false when the request was dropped.
	Enqueue(campaignID string) bool
}
