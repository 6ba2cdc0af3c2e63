// internal/model/campaign.go
package model

import "time"

// SenderIdentity signs every email in a campaign.
type SenderIdentity struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Campaign is one outreach run for a company/topic pair. Identity fields are
// written once at creation; only the counters move afterwards.
type Campaign struct {
	ID          string         `db:"id" json:"id"`
	Company     string         `db:"company" json:"company"`
	Topic       string         `db:"topic" json:"topic"`
	Sender      SenderIdentity `json:"sender"`
	TotalEmails int            `db:"total_emails" json:"total_emails"`
	SentCount   int            `db:"sent_count" json:"sent_count"`
	FailedCount int            `db:"failed_count" json:"failed_count"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// Completed reports whether every created record reached a terminal state.
func (c *Campaign) Completed() bool {
	return c.TotalEmails > 0 && c.SentCount+c.FailedCount >= c.TotalEmails
}

// StatsDelta is an atomic increment applied to the campaign counters.
type StatsDelta struct {
	Total  int
	Sent   int
	Failed int
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool {
	return d.Total == 0 && d.Sent == 0 && d.Failed == 0
}
