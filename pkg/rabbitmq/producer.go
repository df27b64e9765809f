/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * Domain events go to the durable events exchange; authentication codes go to the
 * MQTT-bridged topic exchange so that devices subscribed over MQTT receive them.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrPublisherUnavailable is returned by a strict fallback publisher.
var ErrPublisherUnavailable = errors.New("rabbitmq publisher unavailable")

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducerFallback is a minimal publisher used when RabbitMQ is unavailable at startup.
// With Strict set, publishes fail instead of being skipped.
type EventProducerFallback struct {
	Strict bool
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Strict {
		return ErrPublisherUnavailable
	}
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// declareExchange makes sure the exchange exists. Broker-reserved amq.* exchanges
// cannot be declared by clients, so they are only checked passively.
func declareExchange(ch *amqp091.Channel, exchange string) error {
	if strings.HasPrefix(exchange, "amq.") {
		return ch.ExchangeDeclarePassive(exchange, "topic", true, false, false, false, nil)
	}
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

func (p *EventProducer) reopenChannel() error {
	if p.conn == nil {
		return amqp091.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := declareExchange(p.channel, exchange); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// A failed declare closes the channel; reopen once and retry.
		if reopenErr := p.reopenChannel(); reopenErr != nil {
			return reopenErr
		}
		if err := declareExchange(p.channel, exchange); err != nil {
			return err
		}
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if reopenErr := p.reopenChannel(); reopenErr == nil {
			if exErr := declareExchange(p.channel, exchange); exErr == nil {
				if err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err == nil {
					return nil
				}
			}
		}
		return err
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// MQTTRoutingKey converts an MQTT topic into the AMQP routing key used by the
// RabbitMQ MQTT plugin ("bank/authentication/42" -> "bank.authentication.42").
func MQTTRoutingKey(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// TopicPublisher publishes payloads addressed by MQTT topic onto one exchange.
type TopicPublisher struct {
	publisher Publisher
	exchange  string
}

// NewTopicPublisher creates a topic publisher on the given exchange.
func NewTopicPublisher(publisher Publisher, exchange string) *TopicPublisher {
	return &TopicPublisher{publisher: publisher, exchange: exchange}
}

// Publish sends payload to the device subscribed to topic.
func (t *TopicPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	return t.publisher.Publish(ctx, t.exchange, MQTTRoutingKey(topic), payload)
}
