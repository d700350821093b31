package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yyvfuruta/orderpipe/internal/event"
	"github.com/yyvfuruta/orderpipe/internal/metrics"
)

const DefaultConfirmTimeout = 5 * time.Second

var (
	// ErrUnroutable means the broker returned a mandatory message because no
	// queue was bound for its routing key, or closed the channel because the
	// exchange does not exist.
	ErrUnroutable = errors.New("message returned unroutable")

	// ErrNacked means the broker refused the message.
	ErrNacked = errors.New("message nacked by broker")

	// ErrConfirmTimeout means no confirm arrived in time. The message may or
	// may not have been delivered.
	ErrConfirmTimeout = errors.New("timed out waiting for publisher confirm")

	// ErrConnectionClosed means the channel went away before the broker
	// answered, or before the message could be written.
	ErrConnectionClosed = errors.New("broker channel closed")

	ErrPublisherClosed = errors.New("publisher closed")
)

// Status is the terminal state of a publish.
type Status int

const (
	StatusConfirmed Status = iota + 1
	StatusReturned
	StatusNacked
	StatusTimedOut
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReturned:
		return "returned"
	case StatusNacked:
		return "nacked"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what the broker eventually said about one publish.
type Outcome struct {
	Token  string
	Status Status

	// Set for StatusReturned.
	ReplyCode uint16
	ReplyText string

	err error
}

// Err is nil for a confirmed publish and one of the package errors otherwise.
func (o Outcome) Err() error {
	return o.err
}

func (o Outcome) Confirmed() bool {
	return o.Status == StatusConfirmed
}

// Pending is the handle for a publish whose outcome is not known yet.
type Pending struct {
	token   string
	done    chan struct{}
	outcome Outcome
}

func newPending(token string) *Pending {
	return &Pending{token: token, done: make(chan struct{})}
}

func (p *Pending) Token() string {
	return p.token
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the outcome without blocking. ok is false while pending.
func (p *Pending) Outcome() (o Outcome, ok bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the outcome is known or ctx is done. Giving up on ctx
// does not drop the publish; the publisher still settles it, at the latest
// when its confirm timeout fires.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve must be called at most once, under the publisher's ownership of
// the table entry.
func (p *Pending) resolve(o Outcome) {
	o.Token = p.token
	p.outcome = o
	close(p.done)
}

// PublishChannel is the part of *amqp.Channel the publisher needs.
type PublishChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	GetNextPublishSeqNo() uint64
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type PublisherOption func(*Publisher)

func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

type entry struct {
	pending *Pending
	tag     uint64
	timer   *time.Timer
}

// Publisher sends events as persistent, mandatory messages on a channel in
// confirm mode and matches returns and confirms back to each publish.
type Publisher struct {
	ch         PublishChannel
	exchange   string
	routingKey string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newToken   func() string

	// pubMu keeps GetNextPublishSeqNo and the write that consumes that
	// sequence number together.
	pubMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*entry
	byTag   map[uint64]string
	closed  error

	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closes   chan *amqp.Error
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPublisher puts ch into confirm mode and starts the goroutine that
// settles outstanding publishes.
func NewPublisher(ch PublishChannel, exchange, routingKey string, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		timeout:    DefaultConfirmTimeout,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		newToken:   func() string { return uuid.NewString() },
		pending:    make(map[string]*entry),
		byTag:      make(map[uint64]string),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("channel could not be put into confirm mode: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 64))
	p.closes = ch.NotifyClose(make(chan *amqp.Error, 1))

	go p.dispatch()

	return p, nil
}

// Publish sends e and waits for its outcome. The error is only set when the
// message could not be sent at all, or ctx ended first; broker verdicts are
// reported through the Outcome.
func (p *Publisher) Publish(ctx context.Context, e event.Event) (Outcome, error) {
	pending, err := p.PublishAsync(ctx, e)
	if err != nil {
		return Outcome{}, err
	}
	return pending.Wait(ctx)
}

// PublishAsync sends e and returns as soon as the message is written.
func (p *Publisher) PublishAsync(ctx context.Context, e event.Event) (*Pending, error) {
	body, err := event.Encode(e)
	if err != nil {
		return nil, err
	}

	token := p.newToken()
	pending := newPending(token)

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	p.mu.Lock()
	if p.closed != nil {
		err := p.closed
		p.mu.Unlock()
		return nil, err
	}
	ent := &entry{pending: pending, tag: p.ch.GetNextPublishSeqNo()}
	ent.timer = time.AfterFunc(p.timeout, func() {
		p.settle(token, Outcome{Status: StatusTimedOut, err: ErrConfirmTimeout})
	})
	p.pending[token] = ent
	p.byTag[ent.tag] = token
	p.metrics.PendingInc()
	p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		true,         // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:   event.ContentType,
			DeliveryMode:  amqp.Persistent,
			MessageId:     token,
			CorrelationId: token,
			Timestamp:     e.CreatedAt,
			Body:          body,
		},
	)
	if err != nil {
		p.take(token)
		if errors.Is(err, amqp.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("Published order created event", "order_id", e.OrderID, "token", token, "delivery_tag", ent.tag)
	return pending, nil
}

// Close stops the dispatcher and fails whatever is still outstanding. It does
// not close the underlying channel.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped
	p.failAll(ErrPublisherClosed, Outcome{Status: StatusFailed, err: ErrPublisherClosed})
}

// Outstanding is the number of publishes waiting for a verdict.
func (p *Publisher) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) dispatch() {
	defer close(p.stopped)

	var closeErr *amqp.Error
	returns, closes := p.returns, p.closes
	for {
		select {
		case <-p.stop:
			return
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			p.handleReturn(r)
		case err, ok := <-closes:
			if ok && err != nil {
				closeErr = err
			}
			closes = nil
		case c, ok := <-p.confirms:
			if !ok {
				// The close reason is sent before the confirm listeners are
				// closed, so it is buffered by now if there is one.
				if closeErr == nil {
					select {
					case err := <-closes:
						closeErr = err
					default:
					}
				}
				p.drainReturns()
				p.channelClosed(closeErr)
				return
			}
			// The broker sends basic.return before the basic.ack of the same
			// message, and the client hands both over in that order. Drain
			// returns first so an unroutable message is never reported as
			// confirmed.
			p.drainReturns()
			p.handleConfirm(c)
		}
	}
}

func (p *Publisher) drainReturns() {
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				return
			}
			p.handleReturn(r)
		default:
			return
		}
	}
}

func (p *Publisher) handleReturn(r amqp.Return) {
	token := r.MessageId
	if token == "" {
		token = r.CorrelationId
	}
	settled := p.settle(token, Outcome{
		Status:    StatusReturned,
		ReplyCode: r.ReplyCode,
		ReplyText: r.ReplyText,
		err:       fmt.Errorf("%w: %d %s", ErrUnroutable, r.ReplyCode, r.ReplyText),
	})
	if !settled {
		p.logger.Warn("Return for unknown publish", "token", token, "exchange", r.Exchange, "routing_key", r.RoutingKey)
	}
}

func (p *Publisher) handleConfirm(c amqp.Confirmation) {
	p.mu.Lock()
	token, ok := p.byTag[c.DeliveryTag]
	p.mu.Unlock()
	if !ok {
		// Already returned or timed out.
		p.logger.Debug("Confirm for settled publish", "delivery_tag", c.DeliveryTag, "ack", c.Ack)
		return
	}

	if c.Ack {
		p.settle(token, Outcome{Status: StatusConfirmed})
		return
	}
	p.settle(token, Outcome{Status: StatusNacked, err: ErrNacked})
}

// take removes token from the table. It returns nil if another signal got
// there first.
func (p *Publisher) take(token string) *entry {
	p.mu.Lock()
	ent, ok := p.pending[token]
	if ok {
		delete(p.pending, token)
		delete(p.byTag, ent.tag)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	ent.timer.Stop()
	p.metrics.PendingDec()
	return ent
}

func (p *Publisher) settle(token string, o Outcome) bool {
	ent := p.take(token)
	if ent == nil {
		return false
	}
	ent.pending.resolve(o)
	p.metrics.PublishOutcome(o.Status.String())

	if o.Status != StatusConfirmed {
		p.logger.Warn("Publish not confirmed", "token", token, "status", o.Status.String(), "error", o.err)
	}
	return true
}

// channelClosed settles everything outstanding once the channel is gone. A
// 404 close means the exchange does not exist, which is reported like a
// return since nothing could have routed the message.
func (p *Publisher) channelClosed(amqpErr *amqp.Error) {
	if amqpErr == nil {
		p.failAll(ErrConnectionClosed, Outcome{Status: StatusFailed, err: ErrConnectionClosed})
		return
	}

	closedErr := fmt.Errorf("%w: %w", ErrConnectionClosed, amqpErr)
	if amqpErr.Code == amqp.NotFound {
		p.failAll(closedErr, Outcome{
			Status:    StatusReturned,
			ReplyCode: uint16(amqpErr.Code),
			ReplyText: amqpErr.Reason,
			err:       fmt.Errorf("%w: %d %s", ErrUnroutable, amqpErr.Code, amqpErr.Reason),
		})
		return
	}
	p.failAll(closedErr, Outcome{Status: StatusFailed, err: closedErr})
}

// failAll refuses further publishes with err and settles every outstanding
// one with o.
func (p *Publisher) failAll(err error, o Outcome) {
	p.mu.Lock()
	if p.closed == nil {
		p.closed = err
	}
	tokens := make([]string, 0, len(p.pending))
	for token := range p.pending {
		tokens = append(tokens, token)
	}
	p.mu.Unlock()

	for _, token := range tokens {
		p.settle(token, o)
	}
}
