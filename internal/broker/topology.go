package broker

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrTopologyConflict means an exchange or queue already exists with
// different properties. Redeclaring will not fix it.
var ErrTopologyConflict = errors.New("topology conflicts with existing broker objects")

// Declarer is the part of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology is a durable exchange bound to a durable queue with an exact
// routing key.
type Topology struct {
	Exchange     string
	ExchangeType string
	Queue        string
	RoutingKey   string

	// DeadLetter is optional. When set the queue becomes a quorum queue
	// whose rejected and exhausted messages are routed to it.
	DeadLetter *DeadLetter
}

type DeadLetter struct {
	Exchange   string
	Queue      string
	RoutingKey string

	// DeliveryLimit is how many times the broker redelivers a requeued
	// message before dead-lettering it. Zero keeps the broker default.
	DeliveryLimit int
}

// OrderCreatedTopology is the exchange, queue and binding shared by the api
// and the worker.
func OrderCreatedTopology(deadLetter bool, deliveryLimit int) Topology {
	t := Topology{
		Exchange:     OrdersExchangeName,
		ExchangeType: OrdersExchangeType,
		Queue:        OrderCreatedQueue,
		RoutingKey:   OrderCreatedRoutingKey,
	}
	if deadLetter {
		t.DeadLetter = &DeadLetter{
			Exchange:      DeadLetterExchangeName,
			Queue:         OrderCreatedDeadQueue,
			RoutingKey:    OrderCreatedDeadLetterKey,
			DeliveryLimit: deliveryLimit,
		}
	}
	return t
}

// QueueArgs returns the arguments the main queue is declared with.
func (t Topology) QueueArgs() amqp.Table {
	if t.DeadLetter == nil {
		return nil
	}
	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    t.DeadLetter.Exchange,
		"x-dead-letter-routing-key": t.DeadLetter.RoutingKey,
	}
	if t.DeadLetter.DeliveryLimit > 0 {
		args["x-delivery-limit"] = t.DeadLetter.DeliveryLimit
	}
	return args
}

// EnsureTopology declares the dead-letter path (if any), the exchange, the
// queue and the binding. Declaring is idempotent on the broker side, so it is
// safe to call from every process on startup.
func EnsureTopology(ch Declarer, t Topology) error {
	if dl := t.DeadLetter; dl != nil {
		if err := declare(ch, dl.Exchange, OrdersExchangeType, dl.Queue, dl.RoutingKey, nil); err != nil {
			return fmt.Errorf("dead letter: %w", err)
		}
	}

	return declare(ch, t.Exchange, t.ExchangeType, t.Queue, t.RoutingKey, t.QueueArgs())
}

func declare(ch Declarer, exchange, kind, queue, routingKey string, queueArgs amqp.Table) error {
	err := ch.ExchangeDeclare(
		exchange, // name
		kind,     // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return classify(fmt.Sprintf("failed to declare exchange %q", exchange), err)
	}

	q, err := ch.QueueDeclare(
		queue,     // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		queueArgs, // arguments
	)
	if err != nil {
		return classify(fmt.Sprintf("failed to declare queue %q", queue), err)
	}

	err = ch.QueueBind(
		q.Name,     // queue name
		routingKey, // routing key
		exchange,   // exchange
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return classify(fmt.Sprintf("failed to bind queue %q to %q with %q", queue, exchange, routingKey), err)
	}

	return nil
}

// classify marks 406 PRECONDITION_FAILED answers as topology conflicts.
func classify(msg string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%s: %w: %w", msg, ErrTopologyConflict, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
