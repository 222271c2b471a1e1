package rabbitmq

import (
	"context"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer holds the connection and channel for consuming RabbitMQ messages.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates and returns a new RabbitMQ consumer.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// Consume binds a durable queue to a topic exchange and dispatches each
// delivery to the handler. The handler returns true to acknowledge the
// message and false to requeue it. Consume blocks until the context is
// cancelled or the delivery channel closes.
func (c *Consumer) Consume(ctx context.Context, exchange, queueName, routingKey string, handler func(body []byte) bool) error {
	err := c.ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return err
	}

	if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack is false, we acknowledge manually
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			log.Printf("Received a message with routing key: %s", d.RoutingKey)
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("Handler failed to process message. Re-queuing.")
				d.Nack(false, true)
			}
		}
	}
}

// Close gracefully closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
