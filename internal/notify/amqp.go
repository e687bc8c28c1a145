package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange notifications are published to.
const DefaultExchange = "safehold.notifications"

// AMQPSink publishes notifications to a RabbitMQ topic exchange so that
// e-mail and push workers can consume them. Routing keys have the form
// notification.<type>.
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to url and declares the exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "amqp://") && !strings.HasPrefix(url, "amqps://") {
		return nil, errors.New("AMQP_URL must start with amqp:// or amqps://")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	s := &AMQPSink{conn: conn, exchange: exchange, logger: logger}
	if err := s.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// openChannel must be called with mu held or before the sink is shared.
func (s *AMQPSink) openChannel() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	s.ch = ch
	return nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// RoutingKey returns the routing key a notification is published under.
func RoutingKey(n *Notification) string {
	return "notification." + n.Type
}

// Send publishes n. A closed channel is reopened once before giving up.
func (s *AMQPSink) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Body:         body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(n), false, false, msg)
	if err == nil {
		return nil
	}
	s.logger.Warn("amqp publish failed, reopening channel", "exchange", s.exchange, "error", err)
	if reopenErr := s.openChannel(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(n), false, false, msg)
}

// Close shuts the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	return s.conn.Close()
}
