package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/logger"
)

// SESConfig configures the Amazon SES transport. Empty keys fall back to
// the default AWS credential chain.
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// sesAPI is the subset of *sesv2.Client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport delivers mail through the SES v2 API using raw MIME content.
type SESTransport struct {
	client           sesAPI
	configurationSet string
	now              func() time.Time
}

// NewSESTransport loads AWS configuration and creates the SES client.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Printf("[SES] Transport initialized (region=%s)", region)
	return newSESTransport(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

func newSESTransport(client sesAPI, configurationSet string) *SESTransport {
	return &SESTransport{client: client, configurationSet: configurationSet, now: time.Now}
}

// Send submits msg to SES.
func (t *SESTransport) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	raw, err := renderMessage(msg, newMessageID(msg.FromEmail))
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.FromEmail),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		EmailTags:        messageTags(msg),
	}
	if t.configurationSet != "" {
		input.ConfigurationSetName = aws.String(t.configurationSet)
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	logger.Debug("ses message accepted", "email", msg.To, "campaign_id", msg.CampaignID, "message_id", messageID)
	return &domain.SendResult{
		MessageID: messageID,
		Transport: domain.TransportSES,
		SentAt:    t.now().UTC(),
	}, nil
}

// Close is a no-op; the SES client holds no persistent connection.
func (t *SESTransport) Close() error { return nil }

// messageTags attaches the identifiers SES echoes back in event
// notifications so bounces can be correlated to a send record.
func messageTags(msg *domain.EmailMessage) []types.MessageTag {
	var tags []types.MessageTag
	if msg.CampaignID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)})
	}
	if msg.TrackingID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("tracking_id"), Value: aws.String(msg.TrackingID)})
	}
	return tags
}
