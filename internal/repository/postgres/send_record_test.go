package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lovelink/mailer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSendRecordMock(t *testing.T) (*SendRecordRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSendRecordRepo(db), mock
}

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{ID: fmt.Sprintf("u%04d", i), Email: fmt.Sprintf("u%d@example.com", i)}
	}
	return out
}

func TestSendRecordRepo_CreateBatchChunks(t *testing.T) {
	repo, mock := newSendRecordMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO email_send_records .* ON CONFLICT \\(campaign_id, user_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, insertChunkSize))
	mock.ExpectExec("INSERT INTO email_send_records").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := repo.CreateBatch(context.Background(), "c1", recipients(insertChunkSize+5))
	require.NoError(t, err)
	assert.Equal(t, insertChunkSize+3, n, "conflicting pairs are not counted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendRecordRepo_CreateBatchRollsBack(t *testing.T) {
	repo, mock := newSendRecordMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO email_send_records").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.CreateBatch(context.Background(), "c1", recipients(2))
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendRecordRepo_CreateBatchEmpty(t *testing.T) {
	repo, mock := newSendRecordMock(t)
	n, err := repo.CreateBatch(context.Background(), "c1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var sendRecordCols = []string{
	"id", "campaign_id", "user_id", "email", "status", "attempts", "last_error",
	"tracking_id", "sent_at", "opened_at", "clicked_at", "unsubscribed_at", "created_at",
}

func TestSendRecordRepo_ListPending(t *testing.T) {
	repo, mock := newSendRecordMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("WHERE campaign_id = \\$1 AND status = 'pending'").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(sendRecordCols).
			AddRow("r1", "c1", "u1", "a@example.com", "pending", 0, "", "t1", nil, nil, nil, nil, now).
			AddRow("r2", "c1", "u2", "b@example.com", "pending", 1, "timeout", "t2", nil, nil, nil, nil, now))

	recs, err := repo.ListPending(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.SendPending, recs[0].Status)
	assert.Equal(t, "timeout", recs[1].LastError)
	assert.Equal(t, 1, recs[1].Attempts)
}

func TestSendRecordRepo_MarkSent(t *testing.T) {
	sentAt := time.Now().UTC()

	t.Run("first success bumps sent_count", func(t *testing.T) {
		repo, mock := newSendRecordMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE email_send_records").WithArgs("r1", sentAt).
			WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).AddRow("c1"))
		mock.ExpectExec("sent_count = sent_count \\+ 1").WithArgs("c1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		ok, err := repo.MarkSent(context.Background(), "r1", sentAt)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already sent leaves counters alone", func(t *testing.T) {
		repo, mock := newSendRecordMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE email_send_records").
			WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}))
		mock.ExpectCommit()

		ok, err := repo.MarkSent(context.Background(), "r1", sentAt)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSendRecordRepo_RecordFailure(t *testing.T) {
	tests := []struct {
		name   string
		final  bool
		status driver.Value
	}{
		{"retry keeps pending", false, "pending"},
		{"final marks failed", true, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newSendRecordMock(t)
			mock.ExpectExec("UPDATE email_send_records SET attempts").
				WithArgs("r1", 2, "smtp: 421 try later", tt.status).
				WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, repo.RecordFailure(context.Background(), "r1", 2, "smtp: 421 try later", tt.final))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSendRecordRepo_GetByTrackingIDNotFound(t *testing.T) {
	repo, mock := newSendRecordMock(t)
	mock.ExpectQuery("WHERE tracking_id = ").WillReturnRows(sqlmock.NewRows(sendRecordCols))

	_, err := repo.GetByTrackingID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
