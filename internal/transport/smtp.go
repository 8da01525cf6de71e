package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/logger"
)

// SMTPConfig holds the relay connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
}

// dialer is satisfied by *gomail.Dialer.
type dialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPTransport delivers mail over one persistent SMTP connection. The
// connection is dialed on first use and re-dialed on the next send after
// any failure. Sends are serialized since an SMTP session carries one
// transaction at a time.
type SMTPTransport struct {
	dialer dialer
	now    func() time.Time

	mu   sync.Mutex
	conn gomail.SendCloser
}

// NewSMTPTransport creates a transport for cfg. No connection is opened
// until the first Send.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	return newSMTPTransport(d)
}

func newSMTPTransport(d dialer) *SMTPTransport {
	return &SMTPTransport{dialer: d, now: time.Now}
}

// Send delivers msg over the shared connection.
func (t *SMTPTransport) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageID := newMessageID(msg.FromEmail)
	m := buildMessage(msg, messageID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		conn, err := t.dialer.Dial()
		if err != nil {
			return nil, fmt.Errorf("smtp dial: %w", err)
		}
		t.conn = conn
	}

	if err := gomail.Send(t.conn, m); err != nil {
		// The session state is unknown after a failed transaction.
		t.dropConn()
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	logger.Debug("smtp message accepted", "email", msg.To, "campaign_id", msg.CampaignID, "message_id", messageID)
	return &domain.SendResult{
		MessageID: messageID,
		Transport: domain.TransportSMTP,
		SentAt:    t.now().UTC(),
	}, nil
}

// Close ends the SMTP session if one is open.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *SMTPTransport) dropConn() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Close(); err != nil {
		log.Printf("[SMTP] close after failed send: %v", err)
	}
	t.conn = nil
}
