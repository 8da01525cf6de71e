// Package tracking records opens, clicks, unsubscribes and SES delivery
// notifications against the send record they belong to.
//
// Public handlers never fail towards the mail client: they hand events to
// a Recorder and always answer with the pixel, the redirect or the
// confirmation page. The Processor does the database work, either inline
// through DirectRecorder or behind SQS through SQSPublisher and Consumer.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/logger"
	"github.com/lovelink/mailer/internal/repository/postgres"
)

// DefaultOpenDedupeWindow suppresses repeated pixel loads, which mail
// clients and image proxies produce in bursts.
const DefaultOpenDedupeWindow = 10 * time.Minute

// SendRecordLookup resolves a tracking id to its send record.
type SendRecordLookup interface {
	GetByTrackingID(ctx context.Context, trackingID string) (*domain.SendRecord, error)
}

// EventStore persists events and first-engagement stamps.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *domain.TrackingEvent) error
	RecordFirstEngagement(ctx context.Context, trackingID string, eventType domain.TrackingEventType, at time.Time) (bool, error)
}

// UserFlags updates the user flags driven by engagement.
type UserFlags interface {
	Unsubscribe(ctx context.Context, userID string, at time.Time) (bool, error)
	MarkHardBounced(ctx context.Context, userID string) error
}

// CounterStore increments campaign counters that have no per-record stamp.
type CounterStore interface {
	IncrementCounter(ctx context.Context, campaignID, column string) error
}

// Processor applies tracking events to the database.
type Processor struct {
	records  SendRecordLookup
	events   EventStore
	users    UserFlags
	counters CounterStore
	opens    *cache.Cache
}

// NewProcessor creates a processor. dedupeWindow <= 0 uses
// DefaultOpenDedupeWindow.
func NewProcessor(records SendRecordLookup, events EventStore, users UserFlags, counters CounterStore, dedupeWindow time.Duration) *Processor {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultOpenDedupeWindow
	}
	return &Processor{
		records:  records,
		events:   events,
		users:    users,
		counters: counters,
		opens:    cache.New(dedupeWindow, 2*dedupeWindow),
	}
}

// Process records ev. Events for unknown tracking ids are dropped without
// error so that forged or stale links cannot poison a retrying consumer.
func (p *Processor) Process(ctx context.Context, ev domain.TrackingEvent) error {
	if !ev.EventType.Valid() {
		log.Printf("[Tracking] Dropping event with unknown type %q", ev.EventType)
		return nil
	}
	if ev.TrackingID == "" {
		return nil
	}

	rec, err := p.records.GetByTrackingID(ctx, ev.TrackingID)
	if errors.Is(err, postgres.ErrNotFound) {
		logger.Debug("tracking id not found", "tracking_id", ev.TrackingID, "event", string(ev.EventType))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup tracking id: %w", err)
	}
	ev.CampaignID = rec.CampaignID
	ev.UserID = rec.UserID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	if ev.EventType == domain.EventOpen {
		// Add fails while the key is still live.
		if err := p.opens.Add(ev.TrackingID, struct{}{}, cache.DefaultExpiration); err != nil {
			return nil
		}
	}

	if err := p.events.InsertEvent(ctx, &ev); err != nil {
		if ev.EventType == domain.EventOpen {
			p.opens.Delete(ev.TrackingID)
		}
		return err
	}

	switch ev.EventType {
	case domain.EventOpen, domain.EventClick:
		_, err = p.events.RecordFirstEngagement(ctx, ev.TrackingID, ev.EventType, ev.OccurredAt)
	case domain.EventUnsubscribe:
		err = p.unsubscribe(ctx, &ev)
	case domain.EventBounce:
		err = p.bounce(ctx, rec)
	case domain.EventDelivered:
		err = p.counters.IncrementCounter(ctx, rec.CampaignID, "delivered_count")
	}
	if err != nil {
		return fmt.Errorf("apply %s event: %w", ev.EventType, err)
	}

	logger.Info("tracking event recorded",
		"event", string(ev.EventType), "campaign_id", ev.CampaignID, "user_id", ev.UserID)
	return nil
}

func (p *Processor) unsubscribe(ctx context.Context, ev *domain.TrackingEvent) error {
	if _, err := p.events.RecordFirstEngagement(ctx, ev.TrackingID, domain.EventUnsubscribe, ev.OccurredAt); err != nil {
		return err
	}
	changed, err := p.users.Unsubscribe(ctx, ev.UserID, ev.OccurredAt)
	if err != nil {
		return err
	}
	if changed {
		log.Printf("[Tracking] User %s unsubscribed via campaign %s", ev.UserID, ev.CampaignID)
	}
	return nil
}

func (p *Processor) bounce(ctx context.Context, rec *domain.SendRecord) error {
	if err := p.users.MarkHardBounced(ctx, rec.UserID); err != nil {
		return err
	}
	return p.counters.IncrementCounter(ctx, rec.CampaignID, "bounce_count")
}
