// internal/model/dispatch_job.go
package model

import "time"

// DispatchJob is the unit handed from the dispatch queue to the sender. It is
// never persisted; the EmailRecord it wraps is.
type DispatchJob struct {
	EmailRecordID string    `json:"email_record_id"`
	CampaignID    string    `json:"campaign_id"`
	To            string    `json:"to"`
	Subject       string    `json:"subject"`
	HTML          string    `json:"html"`
	Seq           int       `json:"seq"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Outcome is the result of one send.
type Outcome struct {
	Job        DispatchJob
	Status     EmailStatus
	ProviderID string
	Err        error
	SentAt     time.Time
	// Skipped means no delivery was attempted because the record had already
	// left queued.
	Skipped bool
	// Retry means the claim write failed. Nothing was delivered and the job
	// is released again on the next interval.
	Retry bool
	// Unrecorded means the delivery attempt happened but its terminal status
	// never reached the store. The record is still in flight.
	Unrecorded bool
}

// Settled reports whether the outcome is final in the store.
func (o Outcome) Settled() bool {
	return !o.Retry && !o.Unrecorded
}

func (o Outcome) Succeeded() bool {
	return o.Status == EmailSent
}
