// Package natsbus delivers device messages over NATS as an alternative to RabbitMQ.
package natsbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS connection.
type Bus struct {
	conn *nats.Conn
}

// Connect dials the NATS server at url.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name("backoffice-service"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: conn}, nil
}

// Subject converts an MQTT-style topic into a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Publish marshals payload as JSON and publishes it to the subject for topic.
// The call returns once the server has acknowledged the flush or ctx is done.
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	if b == nil || b.conn == nil {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Subject(topic), data); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return b.conn.Flush()
	}
	return b.conn.FlushWithContext(ctx)
}

// Subscribe registers handler for subject. Wildcards follow NATS rules and the
// handler receives the concrete subject each message arrived on.
func (b *Bus) Subscribe(subject string, handler func(subject string, body []byte) bool) (*nats.Subscription, error) {
	if b == nil || b.conn == nil {
		return nil, nats.ErrConnectionClosed
	}
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b != nil && b.conn != nil {
		_ = b.conn.Drain()
	}
}
