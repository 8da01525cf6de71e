// Package storage exports campaign dead letters to Amazon S3 so operators
// can inspect permanently failed recipients after the Redis queue has
// been cleared.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lovelink/mailer/internal/domain"
)

// ErrNothingToArchive is returned when a campaign has no dead letters.
var ErrNothingToArchive = errors.New("no dead letters to archive")

// DeadLetterSource reads the dead-letter list of a campaign.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, campaignID string, limit int) ([]domain.QueuedEmail, error)
}

// ObjectPutter is the subset of *s3.Client used by Archiver.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive is the JSON document written for one export.
type Archive struct {
	CampaignID string               `json:"campaign_id"`
	ArchivedAt time.Time            `json:"archived_at"`
	Count      int                  `json:"count"`
	Items      []domain.QueuedEmail `json:"items"`
}

// ArchiveResult describes a completed export.
type ArchiveResult struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Count  int    `json:"count"`
}

// Archiver writes dead-letter snapshots to S3.
type Archiver struct {
	client ObjectPutter
	source DeadLetterSource
	bucket string
	now    func() time.Time
}

// NewArchiver creates an archiver writing to bucket.
func NewArchiver(client ObjectPutter, source DeadLetterSource, bucket string) *Archiver {
	return &Archiver{client: client, source: source, bucket: bucket, now: time.Now}
}

// NewS3Client loads the default AWS configuration for region.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Key returns the object key of an export taken at ts.
func Key(campaignID string, ts time.Time) string {
	return fmt.Sprintf("dead-letters/%s/%s.json", campaignID, ts.UTC().Format("20060102T150405Z"))
}

// Archive snapshots every dead letter of campaignID. The Redis list is
// left untouched.
func (a *Archiver) Archive(ctx context.Context, campaignID string) (*ArchiveResult, error) {
	items, err := a.source.DeadLetters(ctx, campaignID, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNothingToArchive
	}

	now := a.now().UTC()
	doc := Archive{CampaignID: campaignID, ArchivedAt: now, Count: len(items), Items: items}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling dead letters: %w", err)
	}

	key := Key(campaignID, now)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("putting object to S3 bucket %s: %w", a.bucket, err)
	}

	log.Printf("[Storage] Archived %d dead letters of campaign %s to s3://%s/%s", len(items), campaignID, a.bucket, key)
	return &ArchiveResult{Bucket: a.bucket, Key: key, Count: len(items)}, nil
}
