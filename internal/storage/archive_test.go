package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/queue"
)

type fakeS3 struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	f.contentType = aws.ToString(in.ContentType)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func newDeadLetterQueue(t *testing.T, campaignID string, n int) *queue.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store := queue.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	items := make([]domain.QueuedEmail, n)
	for i := range items {
		items[i] = domain.QueuedEmail{
			SendRecordID: string(rune('a' + i)),
			CampaignID:   campaignID,
			UserID:       string(rune('A' + i)),
			Email:        "user@example.com",
		}
	}
	require.NoError(t, store.Push(ctx, campaignID, items))
	for i := 0; i < n; i++ {
		item, err := store.Pop(ctx, campaignID)
		require.NoError(t, err)
		require.NotNil(t, item)
		_, err = store.MoveToDeadLetter(ctx, item, "550 mailbox unavailable")
		require.NoError(t, err)
	}
	return store
}

func TestArchiver_WritesSnapshot(t *testing.T) {
	store := newDeadLetterQueue(t, "camp-1", 3)
	s3c := &fakeS3{}
	a := NewArchiver(s3c, store, "lovelink-mail-archive")
	a.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }

	res, err := a.Archive(context.Background(), "camp-1")
	require.NoError(t, err)

	assert.Equal(t, "dead-letters/camp-1/20260504T030201Z.json", res.Key)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, "lovelink-mail-archive", s3c.bucket)
	assert.Equal(t, res.Key, s3c.key)
	assert.Equal(t, "application/json", s3c.contentType)

	var doc Archive
	require.NoError(t, json.Unmarshal(s3c.body, &doc))
	assert.Equal(t, "camp-1", doc.CampaignID)
	require.Len(t, doc.Items, 3)
	assert.Equal(t, 1, doc.Items[0].Attempts)
	assert.Equal(t, "550 mailbox unavailable", doc.Items[0].LastError)

	left, err := store.DeadLetters(context.Background(), "camp-1", 0)
	require.NoError(t, err)
	assert.Len(t, left, 3, "export does not drain the list")
}

func TestArchiver_Empty(t *testing.T) {
	store := newDeadLetterQueue(t, "camp-2", 0)
	a := NewArchiver(&fakeS3{}, store, "bucket")

	_, err := a.Archive(context.Background(), "camp-2")
	assert.ErrorIs(t, err, ErrNothingToArchive)
}

func TestArchiver_PutError(t *testing.T) {
	store := newDeadLetterQueue(t, "camp-3", 1)
	putErr := errors.New("access denied")
	a := NewArchiver(&fakeS3{err: putErr}, store, "bucket")

	_, err := a.Archive(context.Background(), "camp-3")
	assert.ErrorIs(t, err, putErr)
}
