package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lovelink/mailer/internal/domain"
)

// insertChunkSize keeps each multi-row INSERT well below the 65535
// bind-parameter limit of the Postgres wire protocol.
const insertChunkSize = 1000

// SendRecordRepo persists email_send_records.
type SendRecordRepo struct{ db *sql.DB }

// NewSendRecordRepo creates a Postgres-backed send record repository.
func NewSendRecordRepo(db *sql.DB) *SendRecordRepo { return &SendRecordRepo{db: db} }

// CreateBatch inserts pending records in chunks inside one transaction.
// Pairs that already exist are skipped by the (campaign_id, user_id)
// unique constraint, so re-running it for the same audience is a no-op.
func (r *SendRecordRepo) CreateBatch(ctx context.Context, campaignID string, recipients []domain.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	inserted := 0
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		for start := 0; start < len(recipients); start += insertChunkSize {
			end := start + insertChunkSize
			if end > len(recipients) {
				end = len(recipients)
			}
			n, err := insertChunk(ctx, tx, campaignID, recipients[start:end])
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, campaignID string, chunk []domain.Recipient) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO email_send_records (id, campaign_id, user_id, email, tracking_id, status, attempts, created_at) VALUES `)
	args := make([]any, 0, len(chunk)*5)
	for i, rc := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, 'pending', 0, NOW())", n+1, n+2, n+3, n+4, n+5)
		args = append(args, uuid.New().String(), campaignID, rc.ID, rc.Email, uuid.New().String())
	}
	sb.WriteString(" ON CONFLICT (campaign_id, user_id) DO NOTHING")

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert send records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const sendRecordColumns = `
	id, campaign_id, user_id, email, status, attempts, COALESCE(last_error,''),
	tracking_id, sent_at, opened_at, clicked_at, unsubscribed_at, created_at`

func scanSendRecord(row interface{ Scan(...any) error }) (*domain.SendRecord, error) {
	rec := &domain.SendRecord{}
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.UserID, &rec.Email, &rec.Status, &rec.Attempts, &rec.LastError,
		&rec.TrackingID, &rec.SentAt, &rec.OpenedAt, &rec.ClickedAt, &rec.UnsubscribedAt, &rec.CreatedAt,
	)
	return rec, err
}

// ListPending returns the campaign's pending records in recipient order.
func (r *SendRecordRepo) ListPending(ctx context.Context, campaignID string) ([]domain.SendRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sendRecordColumns+`
		FROM email_send_records
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY user_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list pending send records: %w", err)
	}
	defer rows.Close()

	var out []domain.SendRecord
	for rows.Next() {
		rec, err := scanSendRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetByTrackingID resolves a tracking id. Returns ErrNotFound if unknown.
func (r *SendRecordRepo) GetByTrackingID(ctx context.Context, trackingID string) (*domain.SendRecord, error) {
	rec, err := scanSendRecord(r.db.QueryRowContext(ctx,
		`SELECT `+sendRecordColumns+` FROM email_send_records WHERE tracking_id = $1`, trackingID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tracking id %s: %w", trackingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get send record: %w", err)
	}
	return rec, nil
}

// MarkSent flips a record to sent and bumps the campaign's sent_count in
// the same transaction. A record that is already sent is left untouched
// and reported as false, so the counter moves at most once per record.
func (r *SendRecordRepo) MarkSent(ctx context.Context, recordID string, sentAt time.Time) (bool, error) {
	updated := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var campaignID string
		err := tx.QueryRowContext(ctx, `
			UPDATE email_send_records
			SET status = 'sent', attempts = attempts + 1, sent_at = $2, last_error = NULL
			WHERE id = $1 AND status <> 'sent'
			RETURNING campaign_id
		`, recordID, sentAt).Scan(&campaignID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark send record sent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE email_campaigns SET sent_count = sent_count + 1, updated_at = NOW()
			WHERE id = $1
		`, campaignID); err != nil {
			return fmt.Errorf("increment sent_count: %w", err)
		}
		updated = true
		return nil
	})
	return updated, err
}

// RecordFailure stores the attempt count and last error of a pending
// record, flipping it to failed when final is set.
func (r *SendRecordRepo) RecordFailure(ctx context.Context, recordID string, attempts int, errMsg string, final bool) error {
	status := domain.SendPending
	if final {
		status = domain.SendFailed
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_send_records SET attempts = $2, last_error = $3, status = $4
		WHERE id = $1 AND status = 'pending'
	`, recordID, attempts, truncate(errMsg, 255), status)
	if err != nil {
		return fmt.Errorf("record send failure: %w", err)
	}
	return nil
}
