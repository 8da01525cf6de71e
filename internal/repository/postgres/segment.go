package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lovelink/mailer/internal/domain"
)

// SegmentRepo implements segmentation.SegmentStore.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment repository.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

func (r *SegmentRepo) GetSegment(ctx context.Context, id string) (*domain.Segment, error) {
	s := &domain.Segment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(conditions::text, ''), COALESCE(recipient_count, 0)
		FROM segments WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Conditions, &s.RecipientCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return s, nil
}

func (r *SegmentRepo) UpdateRecipientCount(ctx context.Context, id string, count int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE segments SET recipient_count = $2, updated_at = NOW() WHERE id = $1
	`, id, count)
	if err != nil {
		return fmt.Errorf("update segment count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	return nil
}
