package domain

import "time"

// TrackingEventType enumerates the types of email engagement events.
type TrackingEventType string

const (
	EventOpen        TrackingEventType = "opened"
	EventClick       TrackingEventType = "clicked"
	EventUnsubscribe TrackingEventType = "unsubscribed"
	EventBounce      TrackingEventType = "bounced"
	EventDelivered   TrackingEventType = "delivered"
)

// Valid reports whether t is a known event type.
func (t TrackingEventType) Valid() bool {
	switch t {
	case EventOpen, EventClick, EventUnsubscribe, EventBounce, EventDelivered:
		return true
	}
	return false
}

// TrackingEvent is a single engagement event correlated by tracking id.
type TrackingEvent struct {
	EventType  TrackingEventType `json:"event_type"`
	TrackingID string            `json:"tracking_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	LinkURL    string            `json:"link_url,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
