// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrQueueClosed      = errors.New("dispatch queue closed")
	ErrSchedulerRunning = errors.New("scheduler already running")
	ErrLockHeld         = errors.New("scheduler lease held by another process")
	ErrLeaseLost        = errors.New("scheduler lease lost")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotDispatching   = errors.New("campaign is not dispatching")
)

// ErrNoContactsFound means discovery succeeded but returned nobody.
type ErrNoContactsFound struct {
	Topic string
}

func (e *ErrNoContactsFound) Error() string {
	return fmt.Sprintf("no contacts found for topic %q", e.Topic)
}

func NewNoContactsFound(topic string) error {
	return &ErrNoContactsFound{Topic: topic}
}

// ErrDiscoveryUnavailable means the discovery source itself failed.
type ErrDiscoveryUnavailable struct {
	Topic string
	Err   error
}

func (e *ErrDiscoveryUnavailable) Error() string {
	return fmt.Sprintf("discovery source unavailable for topic %q: %v", e.Topic, e.Err)
}

func (e *ErrDiscoveryUnavailable) Unwrap() error { return e.Err }

func NewDiscoveryUnavailable(topic string, err error) error {
	return &ErrDiscoveryUnavailable{Topic: topic, Err: err}
}

// IsDiscoveryFailure reports whether err is terminal for a campaign start.
func IsDiscoveryFailure(err error) bool {
	var none *ErrNoContactsFound
	var down *ErrDiscoveryUnavailable
	return errors.As(err, &none) || errors.As(err, &down)
}

// ErrContactProcessing is a per-contact failure. It never aborts a campaign.
type ErrContactProcessing struct {
	Contact string
	Stage   string
	Err     error
}

func (e *ErrContactProcessing) Error() string {
	return fmt.Sprintf("contact %s: %s: %v", e.Contact, e.Stage, e.Err)
}

func (e *ErrContactProcessing) Unwrap() error { return e.Err }

func NewContactProcessing(contact, stage string, err error) error {
	return &ErrContactProcessing{Contact: contact, Stage: stage, Err: err}
}

// ErrDelivery wraps a delivery provider failure for one email record.
type ErrDelivery struct {
	EmailRecordID string
	Err           error
}

func (e *ErrDelivery) Error() string {
	return fmt.Sprintf("delivery of email %s failed: %v", e.EmailRecordID, e.Err)
}

func (e *ErrDelivery) Unwrap() error { return e.Err }

func NewDelivery(id string, err error) error {
	return &ErrDelivery{EmailRecordID: id, Err: err}
}

// ErrSchedulerStalled is reported through scheduler status, never returned
// from a send.
type ErrSchedulerStalled struct {
	CampaignID          string
	ConsecutiveFailures int
}

func (e *ErrSchedulerStalled) Error() string {
	return fmt.Sprintf("scheduler for campaign %s stalled after %d consecutive delivery failures", e.CampaignID, e.ConsecutiveFailures)
}

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrEmailRecordNotFound struct {
	ID string
}

func (e *ErrEmailRecordNotFound) Error() string {
	return fmt.Sprintf("email record with ID %s not found", e.ID)
}

func NewEmailRecordNotFound(id string) error {
	return &ErrEmailRecordNotFound{ID: id}
}

type ErrContactNotFound struct {
	ID string
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %s not found", e.ID)
}

func NewContactNotFound(id string) error {
	return &ErrContactNotFound{ID: id}
}

// ErrInvalidTransition is returned when a status update would move a record
// backwards or skip a state.
type ErrInvalidTransition struct {
	ID   string
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	if e.From == "" {
		return fmt.Sprintf("email %s cannot move to %s", e.ID, e.To)
	}
	return fmt.Sprintf("email %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func NewInvalidTransition(id, from, to string) error {
	return &ErrInvalidTransition{ID: id, From: from, To: to}
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var e *ErrEmailRecordNotFound
	var k *ErrContactNotFound
	return errors.As(err, &c) || errors.As(err, &e) || errors.As(err, &k)
}
