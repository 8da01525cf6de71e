package queue

import "fmt"

const keyPrefix = "mailer:campaign:"

func pendingKey(campaignID string) string  { return fmt.Sprintf("%s%s:pending", keyPrefix, campaignID) }
func retryKey(campaignID string) string    { return fmt.Sprintf("%s%s:retry", keyPrefix, campaignID) }
func inflightKey(campaignID string) string { return fmt.Sprintf("%s%s:inflight", keyPrefix, campaignID) }
func deadKey(campaignID string) string     { return fmt.Sprintf("%s%s:dead", keyPrefix, campaignID) }
func progressKey(campaignID string) string { return fmt.Sprintf("%s%s:progress", keyPrefix, campaignID) }
func pausedKey(campaignID string) string   { return fmt.Sprintf("%s%s:paused", keyPrefix, campaignID) }
func doneKey(campaignID string) string     { return fmt.Sprintf("%s%s:done", keyPrefix, campaignID) }

func allKeys(campaignID string) []string {
	return []string{
		pendingKey(campaignID),
		retryKey(campaignID),
		inflightKey(campaignID),
		deadKey(campaignID),
		progressKey(campaignID),
		pausedKey(campaignID),
		doneKey(campaignID),
	}
}

// Progress hash fields.
const (
	fieldTotal     = "total"
	fieldQueued    = "queued"
	fieldSent      = "sent"
	fieldFailed    = "failed"
	fieldStartedAt = "started_at"
)
