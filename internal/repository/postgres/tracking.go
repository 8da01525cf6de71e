package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lovelink/mailer/internal/domain"
)

// TrackingRepo stores engagement events and keeps the per-record
// first-engagement stamps that drive unique campaign counters.
type TrackingRepo struct{ db *sql.DB }

// NewTrackingRepo creates a Postgres-backed tracking repository.
func NewTrackingRepo(db *sql.DB) *TrackingRepo { return &TrackingRepo{db: db} }

// InsertEvent appends one row to email_tracking_events.
func (r *TrackingRepo) InsertEvent(ctx context.Context, ev *domain.TrackingEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_tracking_events
			(campaign_id, user_id, tracking_id, event_type, link_url, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), $8)
	`, ev.CampaignID, ev.UserID, ev.TrackingID, ev.EventType,
		ev.LinkURL, ev.IPAddress, truncate(ev.UserAgent, 512), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}
	return nil
}

// stampColumns maps engagement events to the send record column holding
// the first occurrence and the campaign counter it feeds.
var stampColumns = map[domain.TrackingEventType]struct{ stamp, counter string }{
	domain.EventOpen:        {"opened_at", "open_count"},
	domain.EventClick:       {"clicked_at", "click_count"},
	domain.EventUnsubscribe: {"unsubscribed_at", "unsubscribe_count"},
}

// RecordFirstEngagement stamps the first open, click or unsubscribe of a
// send record and increments the matching campaign counter. Repeat events
// of the same kind return false and leave the counter alone.
func (r *TrackingRepo) RecordFirstEngagement(ctx context.Context, trackingID string, eventType domain.TrackingEventType, at time.Time) (bool, error) {
	cols, ok := stampColumns[eventType]
	if !ok {
		return false, fmt.Errorf("event %q has no engagement stamp", eventType)
	}
	first := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var campaignID string
		err := tx.QueryRowContext(ctx, `
			UPDATE email_send_records SET `+cols.stamp+` = $2
			WHERE tracking_id = $1 AND `+cols.stamp+` IS NULL
			RETURNING campaign_id
		`, trackingID, at).Scan(&campaignID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stamp %s: %w", cols.stamp, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_campaigns SET `+cols.counter+` = `+cols.counter+` + 1, updated_at = NOW() WHERE id = $1`,
			campaignID); err != nil {
			return fmt.Errorf("increment %s: %w", cols.counter, err)
		}
		first = true
		return nil
	})
	return first, err
}
