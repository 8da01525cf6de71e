// Package sending defines the interfaces for handing messages to an
// outbound mail transport.
//
// SMTP and Amazon SES implement Transport in internal/transport. The
// dispatcher only needs Sender; composition roots own the Transport and
// close it on shutdown.
package sending

import (
	"context"

	"github.com/lovelink/mailer/internal/domain"
)

// Sender sends a single fully composed email. Implementations must be
// safe for concurrent use. A returned error means the message was not
// accepted and may be retried.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// Transport is a Sender that owns a connection or client which must be
// released when the process stops.
type Transport interface {
	Sender
	Close() error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	return f(ctx, msg)
}
