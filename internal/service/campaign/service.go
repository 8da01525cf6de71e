package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/distlock"
)

// LockFactory returns a lock guarding a single named resource.
type LockFactory func(key string) distlock.DistLock

// Service implements the campaign lifecycle. All public methods are safe
// for concurrent use if the underlying repositories and queue are.
type Service struct {
	repo     Repository
	records  SendRecordRepository
	resolver RecipientResolver
	queue    QueueStore
	trigger  Trigger
	newLock  LockFactory
	now      func() time.Time
}

// NewService wires the lifecycle controller. trigger may be nil, in which
// case launched campaigns wait for the periodic dispatcher.
func NewService(repo Repository, records SendRecordRepository, resolver RecipientResolver, queue QueueStore, trigger Trigger) *Service {
	return &Service{
		repo:     repo,
		records:  records,
		resolver: resolver,
		queue:    queue,
		trigger:  trigger,
		now:      time.Now,
	}
}

// SetLockFactory makes Launch serialize on a per-campaign lock.
func (s *Service) SetLockFactory(f LockFactory) { s.newLock = f }

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// Launch resolves the audience of a draft or scheduled campaign, creates
// its send records, fills the queue and flips it to sending. It returns
// the number of recipients enqueued. Delivery itself happens in later
// dispatch passes; Launch only requests one.
func (s *Service) Launch(ctx context.Context, campaignID string) (int, error) {
	if s.newLock != nil {
		lock := s.newLock("launch:campaign:" + campaignID)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire launch lock: %w", err)
		}
		if !ok {
			return 0, ErrLaunchInProgress
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				log.Printf("[campaign.Service] release launch lock for %s: %v", campaignID, err)
			}
		}()
	}

	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !c.CanLaunch() {
		return 0, fmt.Errorf("launch from %s: %w", c.Status, ErrInvalidTransition)
	}
	if !c.HasContent() {
		return 0, ErrNoContent
	}

	recipients, err := s.resolver.ResolveForCampaign(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}

	if _, err := s.records.CreateBatch(ctx, campaignID, recipients); err != nil {
		return 0, fmt.Errorf("create send records: %w", err)
	}
	pending, err := s.records.ListPending(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("load pending send records: %w", err)
	}
	if len(pending) == 0 {
		return 0, ErrNoRecipients
	}

	now := s.now().UTC()
	items := make([]domain.QueuedEmail, len(pending))
	for i, rec := range pending {
		items[i] = domain.NewQueuedEmail(rec, now)
	}

	// The queue is filled before the status flip so a dispatcher can never
	// observe a sending campaign with an empty queue and complete it early.
	if err := s.queue.Clear(ctx, campaignID); err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	if err := s.queue.InitProgress(ctx, campaignID, len(items)); err != nil {
		return 0, fmt.Errorf("init progress: %w", err)
	}
	if err := s.queue.Push(ctx, campaignID, items); err != nil {
		s.discardQueue(campaignID)
		return 0, fmt.Errorf("push queue: %w", err)
	}

	if err := s.repo.MarkSending(ctx, campaignID, len(items), now); err != nil {
		s.discardQueue(campaignID)
		return 0, fmt.Errorf("transition to sending: %w", err)
	}

	if err := s.queue.MarkStarted(ctx, campaignID, now); err != nil {
		s.markFailed(campaignID, err)
		return 0, fmt.Errorf("mark started: %w", err)
	}

	log.Printf("[campaign.Service] Campaign %s: enqueued %d recipients", campaignID, len(items))
	s.requestDispatch(campaignID)
	return len(items), nil
}

// Retry resets a failed or cancelled campaign back to draft: the queue is
// cleared, pending send records are deleted so the next launch recreates
// them, and counters and timestamps are zeroed. Sent records are kept.
func (s *Service) Retry(ctx context.Context, campaignID string) error {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if !c.CanReset() {
		return fmt.Errorf("retry from %s: %w", c.Status, ErrInvalidTransition)
	}
	if err := s.queue.Clear(ctx, campaignID); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	deleted, err := s.repo.ResetToDraft(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("reset campaign: %w", err)
	}
	log.Printf("[campaign.Service] Campaign %s: reset to draft, purged %d pending records", campaignID, deleted)
	return nil
}

// Pause halts a sending campaign. Queue state is kept so Resume picks up
// where dispatch stopped.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	restore, err := s.raisePause(ctx, campaignID)
	if err != nil {
		return err
	}
	err = s.repo.Transition(ctx, campaignID, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
	if err != nil {
		restore()
		return err
	}
	return nil
}

// Resume continues a paused campaign and requests a dispatch pass.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	err := s.repo.Transition(ctx, campaignID, []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignSending)
	if err != nil {
		return err
	}
	if err := s.queue.SetPaused(ctx, campaignID, false); err != nil {
		return fmt.Errorf("clear pause flag: %w", err)
	}
	s.requestDispatch(campaignID)
	return nil
}

// Cancel stops a campaign for good. The pause flag is raised first so an
// in-flight dispatch pass stops before its next item.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	restore, err := s.raisePause(ctx, campaignID)
	if err != nil {
		return err
	}
	err = s.repo.Transition(ctx, campaignID, []domain.CampaignStatus{
		domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignSending, domain.CampaignPaused,
	}, domain.CampaignCancelled)
	if err != nil {
		restore()
		return err
	}
	return nil
}

// raisePause sets the pause flag and returns a func that puts back the
// value it had before, for when the status change is rejected.
func (s *Service) raisePause(ctx context.Context, campaignID string) (func(), error) {
	was, err := s.queue.IsPaused(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read pause flag: %w", err)
	}
	if err := s.queue.SetPaused(ctx, campaignID, true); err != nil {
		return nil, fmt.Errorf("set pause flag: %w", err)
	}
	return func() {
		if was {
			return
		}
		if err := s.queue.SetPaused(context.Background(), campaignID, false); err != nil {
			log.Printf("[campaign.Service] clear pause flag for %s: %v", campaignID, err)
		}
	}, nil
}

func (s *Service) requestDispatch(campaignID string) {
	if s.trigger == nil {
		return
	}
	if !s.trigger.Enqueue(campaignID) {
		log.Printf("[campaign.Service] dispatch trigger full, campaign %s waits for the scheduler", campaignID)
	}
}

func (s *Service) discardQueue(campaignID string) {
	if err := s.queue.Clear(context.Background(), campaignID); err != nil {
		log.Printf("[campaign.Service] discard queue for %s: %v", campaignID, err)
	}
}

func (s *Service) markFailed(campaignID string, cause error) {
	err := s.repo.Transition(context.Background(), campaignID,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignFailed)
	if err != nil {
		log.Printf("[campaign.Service] rollback to failed for %s (cause %v): %v", campaignID, cause, err)
	}
}
