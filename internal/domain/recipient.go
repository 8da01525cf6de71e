package domain

import "strings"

// Recipient is a user eligible to receive a campaign.
type Recipient struct {
	ID        string `json:"id" db:"id"`
	Email     string `json:"email" db:"email"`
	Name      string `json:"name" db:"display_name"`
	FirstName string `json:"first_name,omitempty" db:"first_name"`
	LastName  string `json:"last_name,omitempty" db:"last_name"`
}

// DisplayName returns the best available human name for the recipient.
func (r *Recipient) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Segment is a named, reusable predicate over the user population.
type Segment struct {
	ID             string `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	Conditions     []byte `json:"conditions" db:"conditions"` // JSON condition group
	RecipientCount int    `json:"recipient_count" db:"recipient_count"`
}
