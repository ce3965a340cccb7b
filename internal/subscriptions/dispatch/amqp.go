package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// DefaultQueue is the durable queue deferred events are published to.
const DefaultQueue = "entitlements.deferred"

type message struct {
	EventID  string    `json:"event_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// Broker publishes deferred event ids to RabbitMQ and consumes them.
type Broker struct {
	url   string
	queue string
	proc  Processor

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewBroker returns a broker for url. It connects lazily.
func NewBroker(url, queue string, proc Processor) (*Broker, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &Broker{url: url, queue: queue, proc: proc}, nil
}

// Dispatch publishes eventID as a persistent message.
func (b *Broker) Dispatch(ctx context.Context, eventID string) error {
	body, err := json.Marshal(message{EventID: eventID, QueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    eventID,
		Body:         body,
	})
	if err != nil {
		b.resetLocked()
		return fmt.Errorf("publish %s: %w", eventID, err)
	}
	return nil
}

func (b *Broker) channelLocked() (*amqp.Channel, error) {
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	b.resetLocked()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	b.conn, b.ch = conn, ch
	return ch, nil
}

func (b *Broker) resetLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn, b.ch = nil, nil
}

// Close releases the publishing connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	return nil
}

// Run consumes the queue until ctx is cancelled, reconnecting with backoff
// when the broker goes away.
func (b *Broker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Str("queue", b.queue).Msg("Dispatch consumer disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *Broker) consume(ctx context.Context) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(16, 0, false); err != nil {
		log.Warn().Err(err).Msg("Dispatch consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.queue, err)
	}
	log.Info().Str("queue", b.queue).Msg("Dispatch consumer connected")

	for d := range deliveries {
		b.handle(ctx, d)
	}
	return errors.New("deliveries channel closed")
}

// handle acks finished deliveries. Failures are rejected without requeue:
// the ledger entry stays pending and the redrive job owns the retry.
func (b *Broker) handle(ctx context.Context, d amqp.Delivery) {
	var msg message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.EventID == "" {
		log.Error().Err(err).Str("message_id", d.MessageId).Msg("Dispatch consumer: undecodable message dropped")
		_ = d.Reject(false)
		return
	}
	if process(ctx, b.proc, msg.EventID) {
		_ = d.Ack(false)
		return
	}
	_ = d.Nack(false, false)
}
