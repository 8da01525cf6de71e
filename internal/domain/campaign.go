package domain

import (
	"strings"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign represents one outbound email blast with its content, targeting
// and aggregate delivery counters.
type Campaign struct {
	ID               string         `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	Subject          string         `json:"subject" db:"subject"`
	FromName         string         `json:"from_name" db:"from_name"`
	FromEmail        string         `json:"from_email" db:"from_email"`
	ReplyTo          string         `json:"reply_to" db:"reply_to"`
	HTMLContent      string         `json:"html_content" db:"html_content"`
	TextContent      string         `json:"text_content" db:"text_content"`
	TemplateID       *string        `json:"template_id" db:"template_id"`
	SegmentID        *string        `json:"segment_id" db:"segment_id"`
	ExcludeSegmentID *string        `json:"exclude_segment_id" db:"exclude_segment_id"`
	Status           CampaignStatus `json:"status" db:"status"`
	SendRate         int            `json:"send_rate" db:"send_rate"` // max messages per minute

	TotalRecipients  int `json:"total_recipients" db:"total_recipients"`
	SentCount        int `json:"sent_count" db:"sent_count"`
	DeliveredCount   int `json:"delivered_count" db:"delivered_count"`
	OpenCount        int `json:"open_count" db:"open_count"`
	ClickCount       int `json:"click_count" db:"click_count"`
	BounceCount      int `json:"bounce_count" db:"bounce_count"`
	UnsubscribeCount int `json:"unsubscribe_count" db:"unsubscribe_count"`

	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign accepts no further sends.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// CanLaunch reports whether the campaign status allows a launch.
func (c *Campaign) CanLaunch() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// CanReset reports whether the campaign may be reset back to draft.
func (c *Campaign) CanReset() bool {
	return c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// HasContent reports whether the campaign has inline content or a template.
func (c *Campaign) HasContent() bool {
	if strings.TrimSpace(c.HTMLContent) != "" || strings.TrimSpace(c.TextContent) != "" {
		return true
	}
	return c.TemplateID != nil && *c.TemplateID != ""
}

// Template is a reusable email body referenced by campaigns.
type Template struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Subject     string `json:"subject" db:"subject"`
	HTMLContent string `json:"html_content" db:"html_content"`
	TextContent string `json:"text_content" db:"text_content"`
}

// Content is the effective body of a campaign after template resolution.
type Content struct {
	Subject string
	HTML    string
	Text    string
}
