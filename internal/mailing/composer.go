package mailing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lovelink/mailer/internal/domain"
)

// ErrNoContent is returned when neither the campaign nor its template
// carries a body.
var ErrNoContent = errors.New("campaign has no content")

// ResolveContent picks the effective content of a campaign. Inline content
// wins over the referenced template; the campaign subject wins over the
// template subject.
func ResolveContent(c *domain.Campaign, tmpl *domain.Template) (domain.Content, error) {
	content := domain.Content{Subject: c.Subject}
	switch {
	case strings.TrimSpace(c.HTMLContent) != "" || strings.TrimSpace(c.TextContent) != "":
		content.HTML = c.HTMLContent
		content.Text = c.TextContent
	case tmpl != nil:
		content.HTML = tmpl.HTMLContent
		content.Text = tmpl.TextContent
		if content.Subject == "" {
			content.Subject = tmpl.Subject
		}
	}
	if strings.TrimSpace(content.HTML) == "" && strings.TrimSpace(content.Text) == "" {
		return content, ErrNoContent
	}
	return content, nil
}

// Composer turns campaign content into a per-recipient message.
type Composer struct {
	tracker          *Tracker
	defaultFromName  string
	defaultFromEmail string
}

// NewComposer creates a composer. The defaults apply to campaigns without
// their own sender identity.
func NewComposer(tracker *Tracker, defaultFromName, defaultFromEmail string) *Composer {
	return &Composer{tracker: tracker, defaultFromName: defaultFromName, defaultFromEmail: defaultFromEmail}
}

// Tracker returns the composer's tracker.
func (c *Composer) Tracker() *Tracker { return c.tracker }

// Compose personalizes content for rcpt, injects tracking, guarantees an
// unsubscribe path and sets the list headers.
func (c *Composer) Compose(camp *domain.Campaign, content domain.Content, rcpt *domain.Recipient, item *domain.QueuedEmail) *domain.EmailMessage {
	unsubscribeURL := c.tracker.UnsubscribeURL(item.TrackingID)
	vars := RecipientVars(camp, rcpt, unsubscribeURL)

	msg := &domain.EmailMessage{
		CampaignID: camp.ID,
		UserID:     rcpt.ID,
		TrackingID: item.TrackingID,
		To:         rcpt.Email,
		ToName:     rcpt.DisplayName(),
		FromName:   firstNonEmpty(camp.FromName, c.defaultFromName),
		FromEmail:  firstNonEmpty(camp.FromEmail, c.defaultFromEmail),
		ReplyTo:    camp.ReplyTo,
		Subject:    Personalize(content.Subject, vars),
	}

	if content.HTML != "" {
		body := Personalize(content.HTML, EscapeVars(vars))
		body = c.tracker.Inject(body, item.TrackingID, unsubscribeURL)
		msg.HTMLContent = EnsureUnsubscribeFooter(body, unsubscribeURL)
	}
	if content.Text != "" {
		msg.TextContent = EnsureUnsubscribeText(Personalize(content.Text, vars), unsubscribeURL)
	}

	msg.Headers = map[string]string{
		"List-Unsubscribe":      fmt.Sprintf("<%s>", unsubscribeURL),
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		"X-Campaign-ID":         camp.ID,
		"X-Tracking-ID":         item.TrackingID,
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
