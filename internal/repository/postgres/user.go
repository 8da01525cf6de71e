package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lovelink/mailer/internal/domain"
)

// UserRepo reads recipients from the product's users table and writes
// the few delivery-related flags the pipeline owns.
type UserRepo struct{ db *sql.DB }

// NewUserRepo creates a Postgres-backed user repository.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

// FindRecipient returns the current profile of a user, or nil when the
// user no longer exists or was deleted.
func (r *UserRepo) FindRecipient(ctx context.Context, userID string) (*domain.Recipient, error) {
	rc := &domain.Recipient{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(display_name,''), COALESCE(first_name,''), COALESCE(last_name,'')
		FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`, userID).Scan(&rc.ID, &rc.Email, &rc.Name, &rc.FirstName, &rc.LastName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recipient: %w", err)
	}
	return rc, nil
}

// Unsubscribe records the user's marketing opt-out. Returns false if the
// user was already unsubscribed.
func (r *UserRepo) Unsubscribe(ctx context.Context, userID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET unsubscribed_at = $2, marketing_opt_in = FALSE
		WHERE id = $1 AND unsubscribed_at IS NULL
	`, userID, at)
	if err != nil {
		return false, fmt.Errorf("unsubscribe user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkHardBounced excludes the user from future sends.
func (r *UserRepo) MarkHardBounced(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_hard_bounced = TRUE WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("mark hard bounce: %w", err)
	}
	return nil
}
