package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, name, subject, COALESCE(from_name,''), COALESCE(from_email,''),
	COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(text_content,''),
	template_id, segment_id, exclude_segment_id, status, send_rate,
	total_recipients, sent_count, delivered_count, open_count, click_count,
	bounce_count, unsubscribe_count,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.TextContent,
		&c.TemplateID, &c.SegmentID, &c.ExcludeSegmentID, &c.Status, &c.SendRate,
		&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.OpenCount, &c.ClickCount,
		&c.BounceCount, &c.UnsubscribeCount,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM email_campaigns WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// GetTemplate loads a stored template. Returns ErrNotFound if missing.
func (r *CampaignRepo) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	t := &domain.Template{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(subject,''), COALESCE(html_content,''), COALESCE(text_content,'')
		FROM email_templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLContent, &t.TextContent)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// ListIDsByStatus returns the ids of campaigns in the given status, oldest
// start first.
func (r *CampaignRepo) ListIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM email_campaigns
		WHERE status = $1
		ORDER BY started_at NULLS LAST, id
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list campaigns by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDueScheduled returns scheduled campaigns whose send time has passed.
func (r *CampaignRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM email_campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at, id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepo) MarkSending(ctx context.Context, id string, total int, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_campaigns SET
			status = 'sending', total_recipients = $2, started_at = $3, completed_at = NULL,
			sent_count = 0, delivered_count = 0, open_count = 0, click_count = 0,
			bounce_count = 0, unsubscribe_count = 0, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft','scheduled')
	`, id, total, startedAt)
	if err != nil {
		return fmt.Errorf("mark campaign sending: %w", err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *CampaignRepo) Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, pq.Array(fromStr))
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	return r.checkTransition(ctx, id, res)
}

// Complete marks a sending campaign completed. Returns false when the
// campaign was no longer sending.
func (r *CampaignRepo) Complete(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_campaigns SET status = 'completed', completed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *CampaignRepo) ResetToDraft(ctx context.Context, id string) (int64, error) {
	var deleted int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE email_campaigns SET
				status = 'draft', total_recipients = 0,
				sent_count = 0, delivered_count = 0, open_count = 0, click_count = 0,
				bounce_count = 0, unsubscribe_count = 0,
				started_at = NULL, completed_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('failed','cancelled')
		`, id)
		if err != nil {
			return fmt.Errorf("reset campaign: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return campaign.ErrInvalidTransition
		}
		res, err = tx.ExecContext(ctx, `
			DELETE FROM email_send_records WHERE campaign_id = $1 AND status = 'pending'
		`, id)
		if err != nil {
			return fmt.Errorf("delete pending send records: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if errors.Is(err, campaign.ErrInvalidTransition) {
		if exists, existsErr := r.exists(ctx, id); existsErr == nil && !exists {
			return 0, campaign.ErrNotFound
		}
	}
	return deleted, err
}

// IncrementCounter adds one to a whitelisted campaign counter column.
func (r *CampaignRepo) IncrementCounter(ctx context.Context, id, column string) error {
	if !counterColumns[column] {
		return fmt.Errorf("unknown campaign counter %q", column)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE email_campaigns SET `+column+` = `+column+` + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

var counterColumns = map[string]bool{
	"sent_count":        true,
	"delivered_count":   true,
	"open_count":        true,
	"click_count":       true,
	"bounce_count":      true,
	"unsubscribe_count": true,
}

func (r *CampaignRepo) checkTransition(ctx context.Context, id string, res sql.Result) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return campaign.ErrInvalidTransition
}

func (r *CampaignRepo) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_campaigns WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check campaign exists: %w", err)
	}
	return exists, nil
}
