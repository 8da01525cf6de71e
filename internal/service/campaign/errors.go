package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoContent         = errors.New("campaign has no content or template")
	ErrNoRecipients      = errors.New("campaign resolved zero eligible recipients")
	ErrLaunchInProgress  = errors.New("campaign launch already in progress")
)
