// Package events publishes completed ledger operations to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultExchange is the topic exchange ledger events are published to.
	DefaultExchange = "ledger_events"

	exchangeKind    = "topic"
	contentTypeJSON = "application/json"
	dialTimeout     = 10 * time.Second
)

var (
	ErrInvalidBrokerURL = errors.New("invalid broker url")
	ErrPublisherClosed  = errors.New("publisher closed")
)

// Publisher sends a JSON body under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close() error
}

// amqpChannel is the subset of *amqp.Channel used by AMQPPublisher.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange over one channel.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	nowFn    func() time.Time
	closed   bool
}

// DialPublisher connects to brokerURL and declares the exchange.
func DialPublisher(brokerURL string, exchange string) (*AMQPPublisher, error) {
	cleanURL, err := normalizeBrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	publisher, err := newAMQPPublisher(channel, exchange, time.Now)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

func newAMQPPublisher(channel amqpChannel, exchange string, now func() time.Time) (*AMQPPublisher, error) {
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: channel, exchange: exchange, nowFn: now}, nil
}

// Publish marshals body to JSON and publishes it as a persistent message.
func (publisher *AMQPPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.closed {
		return ErrPublisherClosed
	}
	return publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    publisher.nowFn().UTC(),
		Body:         payload,
	})
}

// Close releases the channel and the connection.
func (publisher *AMQPPublisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.closed {
		return nil
	}
	publisher.closed = true
	channelErr := publisher.channel.Close()
	if publisher.conn != nil {
		return errors.Join(channelErr, publisher.conn.Close())
	}
	return channelErr
}

// FallbackPublisher drops events. It is used when no broker is configured or
// the broker is unreachable at startup.
type FallbackPublisher struct {
	logger *zap.Logger
}

// NewFallbackPublisher returns a publisher that only logs skipped events at debug level.
func NewFallbackPublisher(logger *zap.Logger) *FallbackPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackPublisher{logger: logger}
}

func (publisher *FallbackPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	publisher.logger.Debug("event publish skipped", zap.String("routing_key", routingKey))
	return nil
}

func (publisher *FallbackPublisher) Close() error {
	return nil
}

func normalizeBrokerURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBrokerURL, err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("%w: scheme must be amqp or amqps", ErrInvalidBrokerURL)
	}
	return clean, nil
}
