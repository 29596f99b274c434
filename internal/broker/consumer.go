package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/flashsale/reservation/internal/errs"
)

var tracer = otel.Tracer("broker.consumer")

// Deduper reports whether an event_id has already been processed, so a
// consumer can skip a redelivered message instead of double-applying it.
// internal/cache implements this over Redis (SET NX with a TTL).
type Deduper interface {
	SeenBefore(ctx context.Context, eventID string) (bool, error)
}

// Handler processes one decoded Envelope. A returned error triggers the
// retry/dead-letter path; a nil return Acks the delivery.
type Handler func(ctx context.Context, env Envelope, raw []byte) error

// Consumer drives one queue's consume loop: decode, dedupe, trace,
// dispatch to Handler, then settle the delivery exactly once — Ack on
// success, republish with an incremented retry count on retriable
// failure, dead-letter past the budget or on a payload that can never
// succeed.
type Consumer struct {
	ch      *amqp.Channel
	queue   string
	key     string
	dedup   Deduper
	handler Handler
}

// NewConsumer builds a Consumer bound to queue for routingKey deliveries,
// invoking handler for each. dedup may be nil to disable idempotency
// checks.
func NewConsumer(ch *amqp.Channel, queue, routingKey string, dedup Deduper, handler Handler) *Consumer {
	return &Consumer{ch: ch, queue: queue, key: routingKey, dedup: dedup, handler: handler}
}

// Run blocks, consuming deliveries until ctx is cancelled or the channel
// closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	msgCtx := ExtractTraceContext(ctx, d.Headers)
	msgCtx, span := tracer.Start(msgCtx, "broker.consume."+c.queue)
	defer span.End()

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		// A message that isn't even valid JSON will never succeed on
		// retry; route it straight to the DLQ instead of burning
		// MaxRetryCount attempts on it.
		c.deadLetter(msgCtx, d, err)
		return
	}

	// Only first deliveries claim the event_id: a republished retry copy
	// carries the same id and must still reach the handler.
	if c.dedup != nil && env.Metadata.EventID != "" && env.Metadata.RetryCount == 0 {
		seen, err := c.dedup.SeenBefore(msgCtx, env.Metadata.EventID)
		if err == nil && seen {
			d.Ack(false)
			return
		}
	}

	reqCtx, cancel := context.WithTimeout(msgCtx, 30*time.Second)
	defer cancel()

	if err := c.handler(reqCtx, env, d.Body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errs.Is(err, errs.KindValidation) {
			// A payload that fails validation will fail identically on
			// every redelivery; skip the retry budget and dead-letter it
			// immediately.
			c.deadLetter(msgCtx, d, err)
			return
		}
		c.retry(msgCtx, d, env, err)
		return
	}

	d.Ack(false)
}

// retry republishes env with its retry count incremented, after a short
// linear backoff; past MaxRetryCount the message is dead-lettered with
// its final error. The original delivery is always Acked — the republished
// copy is the one that lives on.
func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, env Envelope, cause error) {
	env.Metadata.RetryCount++
	if env.Metadata.RetryCount >= MaxRetryCount {
		c.deadLetter(ctx, d, cause)
		return
	}

	time.Sleep(time.Second * time.Duration(env.Metadata.RetryCount))

	body, err := json.Marshal(env)
	if err != nil {
		c.deadLetter(ctx, d, cause)
		return
	}
	err = c.ch.PublishWithContext(ctx, Exchange, c.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      d.Headers,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Metadata.EventID,
	})
	if err != nil {
		// Republish failed; requeue the original so the message is not lost.
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, cause error) {
	if err := PublishDeadLetter(ctx, c.ch, c.key, d.Body, cause); err != nil {
		// Could not even reach the DLQ; requeue rather than drop.
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
