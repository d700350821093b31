package broker

import (
	"errors"
	"reflect"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exchangeDecl struct {
	kind    string
	durable bool
}

type queueDecl struct {
	durable bool
	args    amqp.Table
}

type bindingDecl struct {
	queue, key, exchange string
}

// fakeDeclarer mimics the broker's declare-if-absent semantics, answering
// 406 for redeclarations with different properties.
type fakeDeclarer struct {
	exchanges map[string]exchangeDecl
	queues    map[string]queueDecl
	bindings  map[bindingDecl]int
	failWith  error
}

func newFakeDeclarer() *fakeDeclarer {
	return &fakeDeclarer{
		exchanges: map[string]exchangeDecl{},
		queues:    map[string]queueDecl{},
		bindings:  map[bindingDecl]int{},
	}
}

func preconditionFailed(reason string) error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + reason}
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if f.failWith != nil {
		return f.failWith
	}
	want := exchangeDecl{kind: kind, durable: durable}
	if have, ok := f.exchanges[name]; ok && have != want {
		return preconditionFailed("inequivalent arg 'type' for exchange '" + name + "'")
	}
	f.exchanges[name] = want
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	want := queueDecl{durable: durable, args: args}
	if have, ok := f.queues[name]; ok && !reflect.DeepEqual(have, want) {
		return amqp.Queue{}, preconditionFailed("inequivalent arg for queue '" + name + "'")
	}
	f.queues[name] = want
	return amqp.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.bindings[bindingDecl{queue: name, key: key, exchange: exchange}] = 1
	return nil
}

func TestEnsureTopologyWithoutDeadLetter(t *testing.T) {
	f := newFakeDeclarer()

	require.NoError(t, EnsureTopology(f, OrderCreatedTopology(false, 0)))

	assert.Equal(t, map[string]exchangeDecl{
		"orders.exchange": {kind: "topic", durable: true},
	}, f.exchanges)
	assert.Equal(t, map[string]queueDecl{
		"orders.created.q": {durable: true},
	}, f.queues)
	assert.Equal(t, map[bindingDecl]int{
		{queue: "orders.created.q", key: "orders.created", exchange: "orders.exchange"}: 1,
	}, f.bindings)
}

func TestEnsureTopologyWithDeadLetter(t *testing.T) {
	f := newFakeDeclarer()

	require.NoError(t, EnsureTopology(f, OrderCreatedTopology(true, 5)))

	assert.Len(t, f.exchanges, 2)
	assert.Equal(t, exchangeDecl{kind: "topic", durable: true}, f.exchanges["orders.dlx"])
	assert.Equal(t, queueDecl{durable: true}, f.queues["orders.created.dlq"])
	assert.Equal(t, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    "orders.dlx",
		"x-dead-letter-routing-key": "orders.created.dead",
		"x-delivery-limit":          5,
	}, f.queues["orders.created.q"].args)
	assert.Contains(t, f.bindings, bindingDecl{queue: "orders.created.dlq", key: "orders.created.dead", exchange: "orders.dlx"})
	assert.Contains(t, f.bindings, bindingDecl{queue: "orders.created.q", key: "orders.created", exchange: "orders.exchange"})
}

func TestQueueArgsOmitsZeroDeliveryLimit(t *testing.T) {
	args := OrderCreatedTopology(true, 0).QueueArgs()

	assert.NotContains(t, args, "x-delivery-limit")
	assert.Nil(t, OrderCreatedTopology(false, 5).QueueArgs())
}

func TestEnsureTopologyIsIdempotent(t *testing.T) {
	for _, deadLetter := range []bool{false, true} {
		f := newFakeDeclarer()
		topo := OrderCreatedTopology(deadLetter, 3)

		require.NoError(t, EnsureTopology(f, topo))
		exchanges, queues, bindings := len(f.exchanges), len(f.queues), len(f.bindings)

		require.NoError(t, EnsureTopology(f, topo))
		assert.Len(t, f.exchanges, exchanges)
		assert.Len(t, f.queues, queues)
		assert.Len(t, f.bindings, bindings)
	}
}

func TestEnsureTopologyConflict(t *testing.T) {
	f := newFakeDeclarer()
	require.NoError(t, EnsureTopology(f, OrderCreatedTopology(false, 0)))

	// The queue already exists as a plain classic queue.
	err := EnsureTopology(f, OrderCreatedTopology(true, 5))

	require.ErrorIs(t, err, ErrTopologyConflict)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	assert.Contains(t, err.Error(), `failed to declare queue "orders.created.q"`)
}

func TestEnsureTopologyExchangeTypeConflict(t *testing.T) {
	f := newFakeDeclarer()
	f.exchanges["orders.exchange"] = exchangeDecl{kind: "direct", durable: true}

	err := EnsureTopology(f, OrderCreatedTopology(false, 0))

	assert.ErrorIs(t, err, ErrTopologyConflict)
}

func TestEnsureTopologyOtherErrorsAreNotConflicts(t *testing.T) {
	f := newFakeDeclarer()
	f.failWith = amqp.ErrClosed

	err := EnsureTopology(f, OrderCreatedTopology(false, 0))

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTopologyConflict))
	assert.ErrorIs(t, err, amqp.ErrClosed)
}
