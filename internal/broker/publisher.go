package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes Envelopes onto the events exchange.
type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher wraps an already-connected channel.
func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish sends data as the payload of a routingKey event, addressed to
// `to` (empty for non-notification events) on behalf of userID. Publish
// failures must never abort the caller's transaction; callers log and
// continue.
func (p *Publisher) Publish(ctx context.Context, routingKey, to string, userID string, data any) error {
	if !KnownRoutingKey(routingKey) {
		return fmt.Errorf("publish: unknown routing key %q", routingKey)
	}

	env := Envelope{
		Type: routingKey,
		To:   to,
		Data: data,
		Metadata: Metadata{
			UserID:    userID,
			Timestamp: time.Now(),
			EventID:   uuid.NewString(),
		},
	}
	return p.publishEnvelope(ctx, routingKey, env)
}

func (p *Publisher) publishEnvelope(ctx context.Context, routingKey string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	headers := InjectTraceContext(ctx)
	return p.ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      headers,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Metadata.EventID,
	})
}
