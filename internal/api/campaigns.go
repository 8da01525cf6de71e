package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/httputil"
	"github.com/lovelink/mailer/internal/service/progress"
	"github.com/lovelink/mailer/internal/storage"
	"github.com/lovelink/mailer/internal/worker"
)

// defaultDeadLetterLimit caps the dead-letter listing unless ?limit= asks
// for something else.
const defaultDeadLetterLimit = 100

// CampaignLifecycle is the operator-facing state machine.
type CampaignLifecycle interface {
	Launch(ctx context.Context, campaignID string) (int, error)
	Retry(ctx context.Context, campaignID string) error
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
}

// QueueProcessor runs dispatch passes.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, campaignID string, batchSize int) (*worker.Result, error)
	ProcessAll(ctx context.Context, batchSize int) ([]*worker.Result, error)
}

// StatusReader builds the merged progress view.
type StatusReader interface {
	GetCampaignStatus(ctx context.Context, campaignID string) (*progress.CampaignStatus, error)
}

// DeadLetterReader lists parked items.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, campaignID string, limit int) ([]domain.QueuedEmail, error)
}

// DeadLetterArchiver exports parked items to object storage.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, campaignID string) (*storage.ArchiveResult, error)
}

// CampaignHandlers serves the /api/campaigns routes.
type CampaignHandlers struct {
	lifecycle   CampaignLifecycle
	processor   QueueProcessor
	status      StatusReader
	deadLetters DeadLetterReader
	archiver    DeadLetterArchiver
}

// NewCampaignHandlers wires the campaign endpoints. archiver may be nil
// when no archive bucket is configured.
func NewCampaignHandlers(lifecycle CampaignLifecycle, processor QueueProcessor, status StatusReader, deadLetters DeadLetterReader, archiver DeadLetterArchiver) *CampaignHandlers {
	return &CampaignHandlers{
		lifecycle:   lifecycle,
		processor:   processor,
		status:      status,
		deadLetters: deadLetters,
		archiver:    archiver,
	}
}

// Routes mounts the operator endpoints. The process endpoint is mounted
// separately behind the internal token.
func (h *CampaignHandlers) Routes(r chi.Router) {
	r.Post("/{id}/launch", h.HandleLaunch)
	r.Get("/{id}/status", h.HandleStatus)
	r.Post("/{id}/retry", h.HandleRetry)
	r.Post("/{id}/pause", h.HandlePause)
	r.Post("/{id}/resume", h.HandleResume)
	r.Post("/{id}/cancel", h.HandleCancel)
	r.Get("/{id}/dead-letters", h.HandleDeadLetters)
	r.Post("/{id}/dead-letters/archive", h.HandleArchive)
}

// HandleLaunch enqueues every eligible recipient.
//
//	POST /api/campaigns/{id}/launch
func (h *CampaignHandlers) HandleLaunch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	total, err := h.lifecycle.Launch(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]any{
		"campaign_id":      id,
		"status":           domain.CampaignSending,
		"total_recipients": total,
	})
}

type processRequest struct {
	CampaignID string `json:"campaign_id"`
	BatchSize  int    `json:"batch_size"`
}

// HandleProcess runs one dispatch pass for a campaign, or for every
// sending campaign when no id is given.
//
//	POST /api/campaigns/process
func (h *CampaignHandlers) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.BatchSize < 0 {
		httputil.BadRequest(w, "batch_size must not be negative")
		return
	}

	if req.CampaignID == "" {
		results, err := h.processor.ProcessAll(r.Context(), req.BatchSize)
		if err != nil {
			respondError(w, err)
			return
		}
		httputil.OK(w, map[string]any{"results": results})
		return
	}

	res, err := h.processor.ProcessQueue(r.Context(), req.CampaignID, req.BatchSize)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"results": []*worker.Result{res}})
}

// HandleStatus returns the merged progress view.
//
//	GET /api/campaigns/{id}/status
func (h *CampaignHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.GetCampaignStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, st)
}

// HandleRetry resets a failed or cancelled campaign to draft.
//
//	POST /api/campaigns/{id}/retry
func (h *CampaignHandlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Retry, domain.CampaignDraft)
}

// HandlePause stops dispatch after the item in flight.
//
//	POST /api/campaigns/{id}/pause
func (h *CampaignHandlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Pause, domain.CampaignPaused)
}

// HandleResume restarts dispatch of a paused campaign.
//
//	POST /api/campaigns/{id}/resume
func (h *CampaignHandlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Resume, domain.CampaignSending)
}

// HandleCancel stops a campaign for good.
//
//	POST /api/campaigns/{id}/cancel
func (h *CampaignHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Cancel, domain.CampaignCancelled)
}

func (h *CampaignHandlers) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, to domain.CampaignStatus) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaign_id": id, "status": to})
}

// HandleDeadLetters lists dead-lettered items, oldest first.
//
//	GET /api/campaigns/{id}/dead-letters?limit=100
func (h *CampaignHandlers) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "id")
	items, err := h.deadLetters.DeadLetters(r.Context(), id, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaign_id": id, "count": len(items), "items": items})
}

// HandleArchive exports the dead letters to S3.
//
//	POST /api/campaigns/{id}/dead-letters/archive
func (h *CampaignHandlers) HandleArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "archive_disabled", "dead-letter archive is not configured")
		return
	}
	res, err := h.archiver.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, res)
}
