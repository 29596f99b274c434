// Package broker is the Event Bus Adapter: RabbitMQ exchange/queue
// topology, event publishing, and a consume loop with prefetch, retry,
// and dead-lettering.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys for reservation lifecycle events. Consumed by analytics
// and notification workers; not load-bearing for stock correctness.
const (
	ReservationCreated   = "reservation.created"
	ReservationConfirmed = "reservation.confirmed"
	ReservationCancelled = "reservation.cancelled"
	ReservationExpired   = "reservation.expired"
)

// Routing keys for email events, each bound to its own durable queue and
// consumed by the Notification Workers.
const (
	EmailVerification    = "email.verification"
	EmailPasswordReset   = "email.password_reset"
	EmailPasswordChanged = "email.password_changed"
	EmailAccountApproval = "email.account_approval"
)

const (
	// Exchange carries every event; routing keys select the queue.
	Exchange = "flashsale.events"
	// DLX receives messages that exhausted their retry budget or were
	// malformed, wrapped as DeadLetter envelopes.
	DLX = "flashsale.dlx"
	// Prefetch bounds unacked deliveries per consumer.
	Prefetch = 5
	// MaxRetryCount bounds redelivery attempts before a message is
	// dead-lettered.
	MaxRetryCount = 3
)

var allRoutingKeys = []string{
	ReservationCreated, ReservationConfirmed, ReservationCancelled, ReservationExpired,
	EmailVerification, EmailPasswordReset, EmailPasswordChanged, EmailAccountApproval,
}

// KnownRoutingKey reports whether key belongs to the declared topology.
func KnownRoutingKey(key string) bool {
	for _, k := range allRoutingKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Connect dials RabbitMQ, opens one channel with the consumer prefetch
// applied, and declares the full topology (the events exchange, the DLX,
// and one DLQ per routing key). The returned close func closes the
// channel then the connection, in that order.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare topology: %w", err)
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	for _, key := range allRoutingKeys {
		dlq := key + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, key, DLX, false, nil); err != nil {
			return fmt.Errorf("bind dlq %s: %w", dlq, err)
		}
	}
	return nil
}

// DeclareConsumerQueue declares a durable queue bound to routingKey on the
// events exchange and returns the queue name.
func DeclareConsumerQueue(ch *amqp.Channel, queueName, routingKey string) (string, error) {
	if !KnownRoutingKey(routingKey) {
		return "", fmt.Errorf("unknown routing key %q", routingKey)
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, Exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", queueName, err)
	}
	return q.Name, nil
}

// PublishDeadLetter wraps body with the failure cause and routes it to
// routingKey's DLQ.
func PublishDeadLetter(ctx context.Context, ch *amqp.Channel, routingKey string, body []byte, cause error) error {
	dl := DeadLetter{
		Original:  json.RawMessage(body),
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return ch.PublishWithContext(ctx, DLX, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
	})
}
