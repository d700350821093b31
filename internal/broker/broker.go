// Package broker provides a wrapper around the amqp client: connection setup,
// topology declaration and a confirming publisher.
package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yyvfuruta/orderpipe/internal/config"
)

// Broker is a wrapper around the amqp connection shared by a process.
type Broker struct {
	conn *amqp.Connection
}

// Dial connects to RabbitMQ. name is shown in the management UI.
func Dial(cfg config.RabbitMQ, name string) (*Broker, error) {
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &Broker{conn: conn}, nil
}

// Channel opens a new channel on the shared connection.
func (b *Broker) Channel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return ch, nil
}

// IsClosed reports whether the connection is gone.
func (b *Broker) IsClosed() bool {
	return b.conn.IsClosed()
}

// NotifyClose returns a channel that receives the error that closed the
// connection.
func (b *Broker) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (b *Broker) Close() error {
	return b.conn.Close()
}

// EnsureTopology declares t on a short-lived channel.
func (b *Broker) EnsureTopology(t Topology) error {
	ch, err := b.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return EnsureTopology(ch, t)
}

// NewPublisher opens a dedicated channel and puts it into confirm mode for a
// Publisher sending to t's exchange and routing key.
func (b *Broker) NewPublisher(t Topology, opts ...PublisherOption) (*Publisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}

	p, err := NewPublisher(ch, t.Exchange, t.RoutingKey, opts...)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}
