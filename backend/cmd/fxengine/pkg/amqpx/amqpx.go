// Package amqpx wraps github.com/rabbitmq/amqp091-go with the durable
// queue/DLQ declare-and-publish shape the engine needs for the
// confirmation, dispatcher, and db-update queues (spec.md §6).
package amqpx

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn owns the AMQP connection and a single channel used for publishing.
// Consumers open their own channel via NewChannel so each can set its own
// prefetch (spec.md §5: "every worker sets a finite prefetch").
type Conn struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects and opens the default publishing channel.
func Dial(url string) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpx: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpx: open channel: %w", err)
	}
	return &Conn{url: url, conn: conn, ch: ch}, nil
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// NewChannel opens a fresh channel with the given prefetch count, for a
// dedicated consumer goroutine.
func (c *Conn) NewChannel(prefetch int) (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpx: open channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("amqpx: qos: %w", err)
		}
	}
	return ch, nil
}

// DeclareDurableWithDLQ declares queue and its dead-letter queue/exchange,
// binding queue to the DLX so nacked-without-requeue messages land there.
// Grounded on the QueueDeclare/x-dead-letter-exchange pattern used for
// RabbitMQ DLQs in the retrieval pack's order-service consumer.
func DeclareDurableWithDLQ(ch *amqp.Channel, queue, dlq string) error {
	dlxName := queue + ".dlx"
	if err := ch.ExchangeDeclare(dlxName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpx: declare dlx exchange %s: %w", dlxName, err)
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpx: declare dlq %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, "", dlxName, false, nil); err != nil {
		return fmt.Errorf("amqpx: bind dlq %s: %w", dlq, err)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlxName,
	})
	if err != nil {
		return fmt.Errorf("amqpx: declare queue %s: %w", queue, err)
	}
	return nil
}

// DeclareDurable declares a plain durable queue (worker queues that have
// no distinct DLQ of their own still route into confirmation_dlq via the
// dispatcher, not via a per-queue DLX).
func DeclareDurable(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqpx: declare queue %s: %w", queue, err)
	}
	return nil
}

// PublishPersistent publishes body to the default exchange with the
// routing key = queue name and DeliveryMode = Persistent, matching
// spec.md §6 "durable, persistent messages".
func (c *Conn) PublishPersistent(ctx context.Context, queue string, body []byte) error {
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Consume starts consuming with manual ack (never auto-ack, so failed
// processing can Nack-with-requeue per spec.md §7 worker propagation
// policy).
func Consume(ch *amqp.Channel, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	msgs, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqpx: consume %s: %w", queue, err)
	}
	return msgs, nil
}

// LogNack nacks a delivery with requeue and logs the reason — the
// teacher's convention of a one-line log.Printf on every failure path,
// kept verbatim here.
func LogNack(d amqp.Delivery, requeue bool, reason string) {
	log.Printf("amqpx: nack delivery tag=%d requeue=%v reason=%s", d.DeliveryTag, requeue, reason)
	_ = d.Nack(false, requeue)
}
