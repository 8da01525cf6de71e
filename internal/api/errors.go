package api

import (
	"errors"
	"net/http"

	"github.com/lovelink/mailer/internal/mailing"
	"github.com/lovelink/mailer/internal/pkg/httputil"
	"github.com/lovelink/mailer/internal/service/campaign"
	"github.com/lovelink/mailer/internal/storage"
)

// respondError maps service errors to HTTP responses. Configuration
// problems surface their message to the operator; anything unrecognized
// is logged and hidden behind a generic 500.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Conflict(w, "invalid_transition", err.Error())
	case errors.Is(err, campaign.ErrLaunchInProgress):
		httputil.Conflict(w, "launch_in_progress", err.Error())
	case errors.Is(err, campaign.ErrNoContent), errors.Is(err, mailing.ErrNoContent):
		httputil.Unprocessable(w, "no_content", err.Error())
	case errors.Is(err, campaign.ErrNoRecipients):
		httputil.Unprocessable(w, "no_recipients", err.Error())
	case errors.Is(err, storage.ErrNothingToArchive):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
