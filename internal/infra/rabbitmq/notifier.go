package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"quizduel-service/internal/app"
)

// publisher is the slice of *amqp.Channel the notifier needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Notifier hands notifications to a durable queue consumed by the
// notification service.
type Notifier struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	pub    publisher
	queue  string
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Dial connects, opens a channel and declares queue.
func Dial(url, queue string, logger *zap.Logger) (*Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	n := newNotifier(ch, queue, logger)
	n.conn = conn
	n.ch = ch
	return n, nil
}

func newNotifier(pub publisher, queue string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, queue: queue, logger: logger, now: time.Now}
}

func (n *Notifier) Notify(ctx context.Context, msg app.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	// amqp channels are not safe for concurrent publishing.
	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.pub.PublishWithContext(ctx,
		"",      // default exchange
		n.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.now(),
			Type:         msg.Kind,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	n.logger.Debug("notification queued",
		zap.String("queue", n.queue),
		zap.String("recipient_id", msg.RecipientID),
		zap.String("ref_id", msg.RefID))
	return nil
}

func (n *Notifier) Close() error {
	if n.ch != nil {
		n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
