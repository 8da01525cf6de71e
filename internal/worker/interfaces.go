package worker

import (
	"context"
	"time"

	"github.com/lovelink/mailer/internal/domain"
)

// CampaignStore is the campaign data the dispatcher reads and finalizes.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
	ListIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error)
	// Complete flips a sending campaign to completed; false when it was
	// no longer sending.
	Complete(ctx context.Context, id string, at time.Time) (bool, error)
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error
}

// SendRecordStore updates the per-recipient audit rows.
type SendRecordStore interface {
	// MarkSent flips the record to sent and bumps the campaign sent_count
	// once. False means the record was already sent.
	MarkSent(ctx context.Context, recordID string, sentAt time.Time) (bool, error)
	RecordFailure(ctx context.Context, recordID string, attempts int, errMsg string, final bool) error
}

// RecipientLookup loads the current profile of a recipient. A nil
// recipient with a nil error means the user is gone.
type RecipientLookup interface {
	FindRecipient(ctx context.Context, userID string) (*domain.Recipient, error)
}

// QueueStore is the durable queue as seen by the dispatcher.
type QueueStore interface {
	Pop(ctx context.Context, campaignID string) (*domain.QueuedEmail, error)
	MarkProcessed(ctx context.Context, item *domain.QueuedEmail) error
	Acknowledge(ctx context.Context, item *domain.QueuedEmail) error
	PushToRetry(ctx context.Context, item *domain.QueuedEmail, sendErr string, delay time.Duration) (*domain.QueuedEmail, error)
	MoveToDeadLetter(ctx context.Context, item *domain.QueuedEmail, sendErr string) (*domain.QueuedEmail, error)
	WasProcessed(ctx context.Context, item *domain.QueuedEmail) (bool, error)
	IsEmpty(ctx context.Context, campaignID string) (bool, error)
	IsPaused(ctx context.Context, campaignID string) (bool, error)
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// ExtendLock renews a held lock; false when it lapsed and may now be
	// held elsewhere.
	ExtendLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Limiter enforces the per-campaign send rate.
type Limiter interface {
	CheckRateLimit(ctx context.Context, campaignID string, sendRate int) (RateDecision, error)
	RecordSend(ctx context.Context, campaignID string) error
}
