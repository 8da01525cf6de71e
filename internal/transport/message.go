// Package transport hands composed messages to an outbound mail service.
//
// Both transports build the same MIME document with gomail so that the
// List-Unsubscribe and tracking headers set by the composer reach the
// recipient regardless of which service relays the message.
package transport

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/lovelink/mailer/internal/domain"
)

// buildMessage converts msg into a gomail message carrying messageID.
func buildMessage(msg *domain.EmailMessage, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)

	// Stable header order keeps the rendered document deterministic.
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.SetHeader(name, msg.Headers[name])
	}

	switch {
	case msg.TextContent != "" && msg.HTMLContent != "":
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	case msg.HTMLContent != "":
		m.SetBody("text/html", msg.HTMLContent)
	default:
		m.SetBody("text/plain", msg.TextContent)
	}
	return m
}

// renderMessage returns the raw RFC 5322 bytes of msg.
func renderMessage(msg *domain.EmailMessage, messageID string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buildMessage(msg, messageID).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}

// newMessageID returns a Message-ID in the sender's domain.
func newMessageID(fromEmail string) string {
	host := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		host = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

func validate(msg *domain.EmailMessage) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}
	if msg.To == "" {
		return fmt.Errorf("message has no recipient")
	}
	if msg.FromEmail == "" {
		return fmt.Errorf("message has no sender")
	}
	return nil
}
