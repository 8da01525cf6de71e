package domain

import "time"

// TransportType identifies the outbound mail transport.
type TransportType string

const (
	TransportSMTP TransportType = "smtp"
	TransportSES  TransportType = "ses"
)

// EmailMessage is the fully-resolved message ready for a transport.
// By the time a message reaches this struct, all personalization,
// tracking injection, and header generation is complete.
type EmailMessage struct {
	CampaignID  string            `json:"campaign_id"`
	UserID      string            `json:"user_id"`
	TrackingID  string            `json:"tracking_id"`
	To          string            `json:"to"`
	ToName      string            `json:"to_name,omitempty"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport after a successful hand-off.
type SendResult struct {
	MessageID string        `json:"message_id"`
	Transport TransportType `json:"transport"`
	SentAt    time.Time     `json:"sent_at"`
}
