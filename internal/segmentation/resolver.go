// Package segmentation turns segment definitions into concrete recipient
// lists.
package segmentation

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/badoux/checkmail"
	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/logger"
)

// SegmentStore loads segment definitions and stores cached counts.
type SegmentStore interface {
	GetSegment(ctx context.Context, id string) (*domain.Segment, error)
	UpdateRecipientCount(ctx context.Context, id string, count int) error
}

// ResolveOptions narrows a resolution.
type ResolveOptions struct {
	ExcludeUserIDs []string
}

// Resolver computes eligible recipients for segments and campaigns.
type Resolver struct {
	db       *sql.DB
	segments SegmentStore
}

// NewResolver creates a Resolver.
func NewResolver(db *sql.DB, segments SegmentStore) *Resolver {
	return &Resolver{db: db, segments: segments}
}

// Resolve returns every eligible user matching group, minus the excluded
// ids, ordered by id. A nil group selects all eligible users. No match is
// an empty slice, not an error.
func (r *Resolver) Resolve(ctx context.Context, group *ConditionGroup, opts ResolveOptions) ([]domain.Recipient, error) {
	query, args, err := NewQueryBuilder().BuildQuery(group, opts.ExcludeUserIDs)
	if err != nil {
		return nil, fmt.Errorf("build recipient query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	recipients := make([]domain.Recipient, 0)
	skipped := 0
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.ID, &rc.Email, &rc.Name, &rc.FirstName, &rc.LastName); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if err := checkmail.ValidateFormat(rc.Email); err != nil {
			logger.Warn("skipping malformed recipient address", "user_id", rc.ID, "email", rc.Email)
			skipped++
			continue
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	if skipped > 0 {
		log.Printf("[Resolver] skipped %d recipients with malformed addresses", skipped)
	}
	return recipients, nil
}

// ResolveForCampaign resolves the campaign's target segment after removing
// everyone in its exclusion segment. A campaign without a segment targets
// all eligible users.
func (r *Resolver) ResolveForCampaign(ctx context.Context, c *domain.Campaign) ([]domain.Recipient, error) {
	var opts ResolveOptions
	if c.ExcludeSegmentID != nil && *c.ExcludeSegmentID != "" {
		excluded, err := r.resolveSegment(ctx, *c.ExcludeSegmentID, ResolveOptions{})
		if err != nil {
			return nil, fmt.Errorf("resolve exclusion segment: %w", err)
		}
		opts.ExcludeUserIDs = make([]string, len(excluded))
		for i, rc := range excluded {
			opts.ExcludeUserIDs[i] = rc.ID
		}
	}

	if c.SegmentID == nil || *c.SegmentID == "" {
		return r.Resolve(ctx, nil, opts)
	}
	return r.resolveSegment(ctx, *c.SegmentID, opts)
}

func (r *Resolver) resolveSegment(ctx context.Context, segmentID string, opts ResolveOptions) ([]domain.Recipient, error) {
	group, err := r.loadConditions(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, group, opts)
}

func (r *Resolver) loadConditions(ctx context.Context, segmentID string) (*ConditionGroup, error) {
	seg, err := r.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("load segment %s: %w", segmentID, err)
	}
	return ParseConditions(seg.Conditions)
}

// Count returns how many eligible users match group.
func (r *Resolver) Count(ctx context.Context, group *ConditionGroup) (int, error) {
	query, args, err := NewQueryBuilder().BuildCountQuery(group, nil)
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

// RefreshCount recomputes and stores a segment's cached recipient count.
func (r *Resolver) RefreshCount(ctx context.Context, segmentID string) (int, error) {
	group, err := r.loadConditions(ctx, segmentID)
	if err != nil {
		return 0, err
	}
	n, err := r.Count(ctx, group)
	if err != nil {
		return 0, err
	}
	if err := r.segments.UpdateRecipientCount(ctx, segmentID, n); err != nil {
		return 0, fmt.Errorf("store segment count: %w", err)
	}
	return n, nil
}
