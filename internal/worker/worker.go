// Package worker provides a worker that consumes order created events from a
// queue and hands them to a Handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
	"github.com/yyvfuruta/orderpipe/internal/event"
	"github.com/yyvfuruta/orderpipe/internal/metrics"
)

// ErrDeliveriesClosed means the broker stopped delivering, usually because
// the channel or connection was closed.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// maxLoggedPayload caps how much of a rejected body ends up in the logs.
const maxLoggedPayload = 512

// Handler is the business logic run for each delivered event. Returning an
// error requeues the message. Deliveries are at least once, so Handle must
// tolerate seeing the same event twice.
type Handler interface {
	Handle(ctx context.Context, e event.Event) error
}

type HandlerFunc func(ctx context.Context, e event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e event.Event) error {
	return f(ctx, e)
}

// ConsumeChannel is the part of *amqp.Channel the worker needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

type Option func(*Worker)

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithPrefetch(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.prefetch = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithConsumerTag(tag string) Option {
	return func(w *Worker) { w.consumerTag = tag }
}

// Worker consumes a queue with manual acknowledgements.
type Worker struct {
	ch          ConsumeChannel
	queueName   string
	handler     Handler
	concurrency int
	prefetch    int
	consumerTag string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(ch ConsumeChannel, queueName string, handler Handler, opts ...Option) *Worker {
	w := &Worker{
		ch:          ch,
		queueName:   queueName,
		handler:     handler,
		concurrency: 1,
		prefetch:    10,
		consumerTag: "orderpipe-worker",
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx is done, in which case it returns nil, or until the
// broker closes the delivery channel, in which case it returns
// ErrDeliveriesClosed. Handlers in flight finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ch.Qos(w.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := w.ch.Consume(
		w.queueName,   // queue
		w.consumerTag, // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	var (
		wg     sync.WaitGroup
		closed bool
		mu     sync.Mutex
	)
	// Handlers keep the request values but not the cancellation, so one in
	// flight at shutdown can finish and settle its message.
	handlerCtx := context.WithoutCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						mu.Lock()
						closed = true
						mu.Unlock()
						return
					}
					w.process(handlerCtx, msg)
				}
			}
		}()
	}

	w.logger.Info("Waiting for messages", "queue", w.queueName, "concurrency", w.concurrency, "prefetch", w.prefetch)
	wg.Wait()

	if closed {
		w.logger.Error("Channel closed, shutting down", "queue", w.queueName)
		return ErrDeliveriesClosed
	}

	if err := w.ch.Cancel(w.consumerTag, false); err != nil {
		w.logger.Warn("Failed to cancel consumer", "consumer", w.consumerTag, "error", err)
	}
	w.logger.Info("Worker shutdown complete", "queue", w.queueName)
	return nil
}

func (w *Worker) process(ctx context.Context, msg amqp.Delivery) {
	e, err := event.Decode(msg.Body)
	if err != nil {
		// Requeueing a payload that can never decode would loop forever.
		w.logger.Error("Poison message rejected",
			"message_id", msg.MessageId,
			"delivery_tag", msg.DeliveryTag,
			"payload", truncate(msg.Body, maxLoggedPayload),
			"payload_size", len(msg.Body),
			"error", err,
		)
		w.nack(msg, false)
		w.metrics.Delivery(metrics.DeliveryPoison)
		return
	}

	if err := w.handle(ctx, e); err != nil {
		w.logger.Error("Error handling message",
			"order_id", e.OrderID,
			"message_id", msg.MessageId,
			"redelivered", msg.Redelivered,
			"delivery_count", DeliveryCount(msg.Headers),
			"error", err,
		)
		w.nack(msg, true)
		w.metrics.Delivery(metrics.DeliveryRequeued)
		return
	}

	if err := msg.Ack(false); err != nil {
		w.logger.Error("Failed to ack message", "order_id", e.OrderID, "error", err)
		return
	}
	w.metrics.Delivery(metrics.DeliveryAcked)
}

// handle runs the handler, turning a panic into an error.
func (w *Worker) handle(ctx context.Context, e event.Event) (err error) {
	defer func() {
		if v := recover(); v != nil {
			w.logger.Error("Handler panic recovered", "order_id", e.OrderID, "panic", v, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return w.handler.Handle(ctx, e)
}

func (w *Worker) nack(msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to nack message", "message_id", msg.MessageId, "requeue", requeue, "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// DeliveryCount reports how many times the broker has already tried to
// deliver a message. Quorum queues set x-delivery-count; dead-letter cycles
// are counted in x-death.
func DeliveryCount(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}

	if v, ok := headers["x-delivery-count"]; ok {
		return cast.ToInt64(v)
	}

	xDeath, ok := headers["x-death"]
	if !ok {
		return 0
	}

	xDeathSlice, ok := xDeath.([]any)
	if !ok {
		return 0
	}

	var total int64
	for _, h := range xDeathSlice {
		table, ok := h.(amqp.Table)
		if !ok {
			continue
		}
		total += cast.ToInt64(table["count"])
	}
	return total
}
