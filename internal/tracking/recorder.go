package tracking

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/lovelink/mailer/internal/domain"
)

// recordTimeout bounds the background work started by a recorder.
const recordTimeout = 5 * time.Second

// Recorder accepts events from the public handlers. Record must return
// immediately; failures are logged, never surfaced to the caller.
type Recorder interface {
	Record(ev domain.TrackingEvent)
}

// DirectRecorder processes events in a background goroutine of the same
// process. Used when no SQS queue is configured.
type DirectRecorder struct {
	processor *Processor
}

// NewDirectRecorder creates a recorder backed by processor.
func NewDirectRecorder(processor *Processor) *DirectRecorder {
	return &DirectRecorder{processor: processor}
}

// Record processes ev asynchronously.
func (r *DirectRecorder) Record(ev domain.TrackingEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.processor.Process(ctx, ev); err != nil {
			log.Printf("[Tracking] ERROR processing %s event: %v", ev.EventType, err)
		}
	}()
}

// SQSPublisher forwards events to an SQS queue drained by Consumer.
type SQSPublisher struct {
	client   SQSClient
	queueURL string
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSClient, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Record publishes ev asynchronously.
func (p *SQSPublisher) Record(ev domain.TrackingEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Tracking] ERROR marshal event: %v", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			log.Printf("[Tracking] ERROR publishing to SQS: %v", err)
		}
	}()
}
