package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/daviddao/outreach/internal/types"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "ex.outreach"
	QueueName    = "q.gmail.push"
	DLQName      = "q.gmail.push.dlq"
	DLXName      = "ex.outreach.dlx"
	RoutingKey   = "k.gmail.push"
)

// RabbitMQ carries notifications through a durable queue with a dead
// letter queue for notifications that cannot be handled.
type RabbitMQ struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger
}

var _ Dispatcher = (*RabbitMQ)(nil)

// DialRabbitMQ connects to url and declares the topology.
func DialRabbitMQ(url string, log *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := setupTopology(ch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	// One unacknowledged notification at a time per consumer.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &RabbitMQ{conn: conn, ch: ch, log: log.With("component", "push-queue")}, nil
}

func setupTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(DLXName, "direct", true, false, false, false, nil)
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(DLQName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	err = ch.QueueBind(DLQName, RoutingKey, DLXName, false, nil)
	if err != nil {
		return err
	}

	// Rejected notifications are routed to the dead letter exchange.
	args := amqp.Table{
		"x-dead-letter-exchange":    DLXName,
		"x-dead-letter-routing-key": RoutingKey,
	}

	err = ch.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil)
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(QueueName, true, false, false, false, args)
	if err != nil {
		return err
	}

	return ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil)
}

// Dispatch publishes n as a persistent message.
func (r *RabbitMQ) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	err = r.ch.PublishWithContext(ctx,
		ExchangeName,
		RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Consume handles queued notifications until ctx is cancelled or the
// channel closes.
func (r *RabbitMQ) Consume(ctx context.Context, h NotificationHandler) error {
	msgs, err := r.ch.ConsumeWithContext(ctx,
		QueueName,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	r.log.Info("consuming push notifications", "queue", QueueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			r.handle(ctx, h, d)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, h NotificationHandler, d amqp.Delivery) {
	n, err := decodeNotification(d.Body)
	if err != nil {
		r.log.Error("dropping malformed notification", "message_id", d.MessageId, "err", err)
		_ = d.Nack(false, false)
		return
	}

	err = h.Handle(ctx, n)
	switch {
	case err == nil:
		_ = d.Ack(false)

	case retryable(err) && !d.Redelivered:
		r.log.Warn("requeueing notification", "address", n.EmailAddress,
			"history_id", n.HistoryID, "err", err)
		_ = d.Nack(false, true)

	default:
		r.log.Error("dead-lettering notification", "address", n.EmailAddress,
			"history_id", n.HistoryID, "err", err)
		_ = d.Nack(false, false)
	}
}

// retryable reports whether a later attempt could succeed.
func retryable(err error) bool {
	return errors.Is(err, types.ErrRateLimited) ||
		errors.Is(err, types.ErrProviderTimeout) ||
		errors.Is(err, types.ErrProvider) ||
		errors.Is(err, types.ErrConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close shuts the channel and connection.
func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return r.conn.Close()
}

// Ping reports whether the broker connection is alive.
func (r *RabbitMQ) Ping() error {
	if r.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}
