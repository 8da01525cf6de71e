package domain

import "time"

// SendStatus is the delivery outcome of one send record.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// MaxSendAttempts is the number of failed attempts after which an item is
// dead-lettered and its send record marked failed.
const MaxSendAttempts = 3

// SendRecord is the durable per-recipient audit row for one campaign.
// At most one exists per (campaign, user) pair.
type SendRecord struct {
	ID             string     `json:"id" db:"id"`
	CampaignID     string     `json:"campaign_id" db:"campaign_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Email          string     `json:"email" db:"email"`
	Status         SendStatus `json:"status" db:"status"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	TrackingID     string     `json:"tracking_id" db:"tracking_id"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	OpenedAt       *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// QueuedEmail is the transient work item moved between the pending, retry
// and dead-letter structures of the queue store.
type QueuedEmail struct {
	SendRecordID string    `json:"send_record_id"`
	CampaignID   string    `json:"campaign_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	TrackingID   string    `json:"tracking_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	RetryAt      time.Time `json:"retry_at,omitempty"`
}

// NewQueuedEmail builds the queue item for a freshly created send record.
func NewQueuedEmail(rec SendRecord, now time.Time) QueuedEmail {
	return QueuedEmail{
		SendRecordID: rec.ID,
		CampaignID:   rec.CampaignID,
		UserID:       rec.UserID,
		Email:        rec.Email,
		TrackingID:   rec.TrackingID,
		EnqueuedAt:   now.UTC(),
		Attempts:     rec.Attempts,
	}
}

// Exhausted reports whether the item has used up its attempt budget.
func (q *QueuedEmail) Exhausted() bool {
	return q.Attempts >= MaxSendAttempts
}

// Progress holds the real-time counters kept in the queue store.
type Progress struct {
	Total     int        `json:"total"`
	Queued    int        `json:"queued"`
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// QueueDepths is the per-structure item count of a campaign queue.
type QueueDepths struct {
	Pending    int64 `json:"pending"`
	Retry      int64 `json:"retry"`
	InFlight   int64 `json:"in_flight"`
	DeadLetter int64 `json:"dead_letter"`
}
