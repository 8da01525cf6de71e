package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/lovelink/mailer/internal/domain"
)

// SQSClient is the subset of *sqs.Client used by the publisher and the
// consumer.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient loads the default AWS configuration for region.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// EventProcessor applies a decoded event.
type EventProcessor interface {
	Process(ctx context.Context, ev domain.TrackingEvent) error
}

// Consumer drains the tracking queue. The queue carries two kinds of
// bodies: events published by SQSPublisher, and SES event notifications
// (optionally wrapped in an SNS envelope) for bounces and deliveries.
type Consumer struct {
	client    SQSClient
	queueURL  string
	processor EventProcessor
	errDelay  time.Duration
	done      chan struct{}
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client SQSClient, queueURL string, processor EventProcessor) *Consumer {
	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		processor: processor,
		errDelay:  5 * time.Second,
		done:      make(chan struct{}),
	}
}

// Start begins long-polling in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	log.Printf("[Tracking] SQS consumer started (queue=%s)", c.queueURL)
	go c.poll(ctx)
}

// Stop ends the poll loop after the current receive returns.
func (c *Consumer) Stop() {
	close(c.done)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Tracking] SQS receive error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errDelay):
			}
		}
	}
}

// PollOnce receives one batch and processes it. Messages that fail to
// process are left on the queue for redelivery; undecodable messages are
// deleted. Returns the number of messages deleted.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range out.Messages {
		ev, ok, err := DecodeMessage(aws.ToString(msg.Body))
		if err != nil {
			log.Printf("[Tracking] SQS bad message: %v", err)
		}
		if ok {
			if err := c.processor.Process(ctx, ev); err != nil {
				log.Printf("[Tracking] SQS process error (%s): %v", ev.EventType, err)
				continue
			}
		}
		if c.deleteMessage(ctx, msg.ReceiptHandle) {
			deleted++
		}
	}
	return deleted, nil
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) bool {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		log.Printf("[Tracking] SQS delete error: %v", err)
		return false
	}
	return true
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type sesNotification struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		Timestamp time.Time           `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType string    `json:"bounceType"`
		Timestamp  time.Time `json:"timestamp"`
	} `json:"bounce"`
	Delivery *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery"`
}

// DecodeMessage turns a queue body into a tracking event. ok is false for
// well-formed messages that carry nothing to record, such as transient
// bounces or notifications without a tracking tag.
func DecodeMessage(body string) (ev domain.TrackingEvent, ok bool, err error) {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return ev, false, fmt.Errorf("decode body: %w", err)
	}
	if env.Type == "Notification" && env.Message != "" {
		body = env.Message
	}

	var probe struct {
		EventType        string `json:"event_type"`
		SESEventType     string `json:"eventType"`
		NotificationType string `json:"notificationType"`
	}
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return ev, false, fmt.Errorf("decode body: %w", err)
	}

	if probe.EventType != "" {
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return ev, false, fmt.Errorf("decode tracking event: %w", err)
		}
		return ev, ev.EventType.Valid(), nil
	}
	if probe.SESEventType != "" || probe.NotificationType != "" {
		return decodeSES(body)
	}
	return ev, false, fmt.Errorf("unrecognized message")
}

func decodeSES(body string) (ev domain.TrackingEvent, ok bool, err error) {
	var n sesNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return ev, false, fmt.Errorf("decode ses notification: %w", err)
	}
	if ids := n.Mail.Tags["tracking_id"]; len(ids) > 0 {
		ev.TrackingID = ids[0]
	}
	if ev.TrackingID == "" {
		return ev, false, nil
	}

	kind := n.EventType
	if kind == "" {
		kind = n.NotificationType
	}
	switch kind {
	case "Bounce":
		if n.Bounce == nil || n.Bounce.BounceType != "Permanent" {
			return ev, false, nil
		}
		ev.EventType = domain.EventBounce
		ev.OccurredAt = n.Bounce.Timestamp
	case "Delivery":
		ev.EventType = domain.EventDelivered
		if n.Delivery != nil {
			ev.OccurredAt = n.Delivery.Timestamp
		}
	default:
		return ev, false, nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = n.Mail.Timestamp
	}
	return ev, true, nil
}
