// internal/model/email_record.go
package model

import "time"

type EmailStatus string

const (
	EmailQueued  EmailStatus = "queued"
	EmailSending EmailStatus = "sending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
	EmailBounced EmailStatus = "bounced"
)

// transitions lists the allowed next states. failed -> queued is the explicit
// resubmission path; nothing moves a record to sent without passing sending.
var transitions = map[EmailStatus][]EmailStatus{
	EmailQueued:  {EmailSending},
	EmailSending: {EmailSent, EmailFailed},
	EmailSent:    {EmailBounced},
	EmailFailed:  {EmailQueued},
}

// CanTransition reports whether a record in status s may move to next.
func (s EmailStatus) CanTransition(next EmailStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PreviousStates returns every status that may legally move to s.
func (s EmailStatus) PreviousStates() []EmailStatus {
	var prev []EmailStatus
	for from, list := range transitions {
		for _, to := range list {
			if to == s {
				prev = append(prev, from)
			}
		}
	}
	return prev
}

// Terminal reports whether the pipeline is done with a record in this status.
func (s EmailStatus) Terminal() bool {
	return s == EmailSent || s == EmailFailed || s == EmailBounced
}

func (s EmailStatus) Valid() bool {
	switch s {
	case EmailQueued, EmailSending, EmailSent, EmailFailed, EmailBounced:
		return true
	}
	return false
}

type EmailRecord struct {
	ID         string      `db:"id" json:"id"`
	CampaignID string      `db:"campaign_id" json:"campaign_id"`
	ContactID  string      `db:"contact_id" json:"contact_id"`
	Subject    string      `db:"subject" json:"subject"`
	Body       string      `db:"body" json:"body"`
	Status     EmailStatus `db:"status" json:"status"`
	ProviderID *string     `db:"provider_id" json:"provider_id,omitempty"`
	LastError  *string     `db:"last_error" json:"last_error,omitempty"`
	SentAt     *time.Time  `db:"sent_at" json:"sent_at,omitempty"`
	OpenedAt   *time.Time  `db:"opened_at" json:"opened_at,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}

// StatusUpdate moves a record to Status, optionally setting the other fields.
type StatusUpdate struct {
	ID         string
	Status     EmailStatus
	Body       *string
	ProviderID *string
	Error      *string
	SentAt     *time.Time
}
