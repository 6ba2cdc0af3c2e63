package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type EventType string

const (
	EventContactFailed    EventType = "contact_failed"
	EventEmailSent        EventType = "email_sent"
	EventEmailFailed      EventType = "email_failed"
	EventSchedulerStalled EventType = "scheduler_stalled"
)

// Event is one entry of the pipeline's structured error/outcome stream.
type Event struct {
	Type          EventType `json:"type"`
	CampaignID    string    `json:"campaign_id"`
	EmailRecordID string    `json:"email_record_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Channel is the subset of *amqp.Channel the publisher and consumer use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// AMQPPublisher writes events as JSON to a durable queue.
type AMQPPublisher struct {
	ch    Channel
	queue string
}

func NewAMQPPublisher(ch Channel, queueName string) (*AMQPPublisher, error) {
	q, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return &AMQPPublisher{ch: ch, queue: q.Name}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	})
}

// BounceNotice is a provider callback relayed through the broker.
type BounceNotice struct {
	EmailRecordID string `json:"email_record_id"`
	Reason        string `json:"reason"`
}

// Permanent marks handler errors that must not be retried.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

const retryHeader = "x-retry-count"

// BounceConsumer feeds bounce notices to a handler. Transient failures are
// republished with an incremented x-retry-count until maxRetries is hit.
type BounceConsumer struct {
	ch         Channel
	queue      string
	maxRetries int
	logger     *zap.Logger
}

func NewBounceConsumer(ch Channel, queueName string, maxRetries int, logger *zap.Logger) (*BounceConsumer, error) {
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return &BounceConsumer{ch: ch, queue: queueName, maxRetries: maxRetries, logger: logger}, nil
}

// Run consumes until ctx is done or the delivery channel closes.
func (c *BounceConsumer) Run(ctx context.Context, handle func(context.Context, BounceNotice) error) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.process(ctx, d, handle)
		}
	}
}

func (c *BounceConsumer) process(ctx context.Context, d amqp.Delivery, handle func(context.Context, BounceNotice) error) {
	var notice BounceNotice
	if err := json.Unmarshal(d.Body, &notice); err != nil || notice.EmailRecordID == "" {
		c.logger.Warn("dropping invalid bounce notice", zap.ByteString("body", d.Body), zap.Error(err))
		d.Ack(false)
		return
	}

	err := handle(ctx, notice)
	if err == nil {
		d.Ack(false)
		return
	}
	var perm Permanent
	if errors.As(err, &perm) {
		c.logger.Warn("bounce notice rejected", zap.String("email_record_id", notice.EmailRecordID), zap.Error(err))
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= c.maxRetries {
		c.logger.Error("bounce notice failed permanently",
			zap.String("email_record_id", notice.EmailRecordID), zap.Int("attempts", retries+1), zap.Error(err))
		d.Ack(false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries + 1)
	pubErr := c.ch.Publish("", c.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if pubErr != nil {
		c.logger.Error("requeue bounce notice", zap.Error(pubErr))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
