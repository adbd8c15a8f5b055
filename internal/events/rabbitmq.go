package events

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "TestEngine-Core/internal/errors"
)

// RabbitMQConfig configures a RabbitMQ sink.
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQ publishes events as persistent JSON messages. Without an exchange
// they go to Queue through the default exchange.
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	key      string
}

// NewRabbitMQ dials the broker and declares the queue.
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url cannot be empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "testengine.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "open rabbitmq channel")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "declare rabbitmq queue "+queue)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(queue, queue, cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeConnection, err, "bind rabbitmq queue "+queue)
		}
	}
	return &RabbitMQ{conn: conn, ch: ch, exchange: cfg.Exchange, key: queue}, nil
}

// Publish implements Sink. Channels are not safe for concurrent publishing.
func (q *RabbitMQ) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return xerrors.Wrap(CodePublishFailed, err, "encode event")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return xerrors.New(CodePublishFailed, "rabbitmq sink is closed")
	}
	err = q.ch.PublishWithContext(ctx, q.exchange, q.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.TaskID,
		Type:         string(e.Kind),
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(CodePublishFailed, err, fmt.Sprintf("publish %s event of task %s to rabbitmq", e.Kind, e.TaskID))
	}
	return nil
}

// Close closes the channel and connection.
func (q *RabbitMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
